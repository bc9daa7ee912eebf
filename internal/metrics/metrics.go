// Package metrics exposes orchestrator counters for Prometheus scraping.
// All methods are safe on a nil *Collector so callers never guard them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the orchestrator's metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	scansCreated  prometheus.Counter
	scansFinished *prometheus.CounterVec
	scansAborted  prometheus.Counter
	scansRunning  prometheus.Gauge
	engineErrors  *prometheus.CounterVec
	findings      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.scansCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dastor_scans_created_total",
		Help: "Scans accepted for processing.",
	})
	c.scansFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dastor_scans_finished_total",
		Help: "Scans that reached a terminal status, completed or failed.",
	}, []string{"status"})
	c.scansAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dastor_scans_aborted_total",
		Help: "Abort requests that stopped a scan. A stopped scan may still be resumed.",
	})
	c.scansRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dastor_scans_running",
		Help: "Workflows currently driving engines.",
	})
	c.engineErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dastor_engine_errors_total",
		Help: "Engine calls that failed, by engine and operation.",
	}, []string{"engine", "op"})
	c.findings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dastor_findings_total",
		Help: "Deduplicated findings stored at scan completion.",
	}, []string{"scanner", "severity"})

	c.registry.MustRegister(c.scansCreated, c.scansFinished, c.scansAborted, c.scansRunning, c.engineErrors, c.findings)
	return c
}

func (c *Collector) ScanCreated() {
	if c == nil {
		return
	}
	c.scansCreated.Inc()
}

func (c *Collector) ScanFinished(status string) {
	if c == nil {
		return
	}
	c.scansFinished.WithLabelValues(status).Inc()
}

func (c *Collector) ScanAborted() {
	if c == nil {
		return
	}
	c.scansAborted.Inc()
}

// WorkflowStarted marks one more running workflow and returns the func that
// undoes it.
func (c *Collector) WorkflowStarted() func() {
	if c == nil {
		return func() {}
	}
	c.scansRunning.Inc()
	return c.scansRunning.Dec
}

func (c *Collector) EngineError(engine, op string) {
	if c == nil {
		return
	}
	c.engineErrors.WithLabelValues(engine, op).Inc()
}

func (c *Collector) FindingStored(scanner, severity string) {
	if c == nil {
		return
	}
	c.findings.WithLabelValues(scanner, severity).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Serve runs a metrics listener on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
