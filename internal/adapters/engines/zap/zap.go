// Package zap drives an OWASP ZAP daemon through its JSON API: a spider
// pass over the target followed by an active scan.
package zap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"dastor/internal/adapters/engines/enginehttp"
	"dastor/internal/domain"
	"dastor/internal/normalize"
	"dastor/internal/ports"
)

const (
	Name = "zap"

	defaultPollInterval = 2 * time.Second
	apiKeyHeader        = "X-ZAP-API-Key"
)

type Config struct {
	URL          string
	APIKey       string
	InsecureTLS  bool
	PollInterval time.Duration
	Logger       *slog.Logger
}

type phase int

const (
	phaseSpider phase = iota
	phaseActive
	phaseDone
)

type run struct {
	target   string
	phase    phase
	spiderID string
	ascanID  string
	status   ports.EngineStatus
	cancel   context.CancelFunc
}

// Engine implements ports.Engine for ZAP.
type Engine struct {
	api  *enginehttp.Client
	poll time.Duration
	log  *slog.Logger

	mu   sync.Mutex
	runs map[ports.Ref]*run
}

var _ ports.Engine = (*Engine)(nil)

func New(cfg Config) (*Engine, error) {
	api, err := enginehttp.New(enginehttp.Config{
		BaseURL:     cfg.URL,
		AuthHeader:  apiKeyHeader,
		AuthValue:   cfg.APIKey,
		InsecureTLS: cfg.InsecureTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("zap: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		api:  api,
		poll: cfg.PollInterval,
		log:  cfg.Logger.With(slog.String("engine", Name)),
		runs: make(map[ports.Ref]*run),
	}, nil
}

func (e *Engine) Name() string { return Name }

type actionResponse struct {
	Scan string `json:"scan"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// Start launches the spider and hands the rest of the workflow to a
// goroutine that lives until the run ends or Stop is called.
func (e *Engine) Start(ctx context.Context, target string, sink ports.Sink) (ports.Ref, error) {
	var spider actionResponse
	if err := e.api.Get(ctx, "JSON/spider/action/scan/", url.Values{"url": {target}}, &spider); err != nil {
		return "", fmt.Errorf("zap: start spider: %w", err)
	}
	if spider.Scan == "" {
		return "", errors.New("zap: spider did not return a scan id")
	}

	ref := ports.Ref(uuid.NewString())
	bg, cancel := context.WithCancel(ctx)
	r := &run{target: target, phase: phaseSpider, spiderID: spider.Scan, status: ports.EngineRunning, cancel: cancel}

	e.mu.Lock()
	e.runs[ref] = r
	e.mu.Unlock()

	sink.Logf("zap: spidering %s", target)
	go e.drive(bg, ref, r, sink)
	return ref, nil
}

func (e *Engine) drive(ctx context.Context, ref ports.Ref, r *run, sink ports.Sink) {
	if err := e.waitFor(ctx, "JSON/spider/view/status/", r.spiderID); err != nil {
		e.finish(ref, r, sink, err)
		return
	}

	var ascan actionResponse
	err := e.api.Get(ctx, "JSON/ascan/action/scan/", url.Values{"url": {r.target}, "recurse": {"true"}}, &ascan)
	if err == nil && ascan.Scan == "" {
		err = errors.New("active scan did not return a scan id")
	}
	if err != nil {
		e.finish(ref, r, sink, fmt.Errorf("start active scan: %w", err))
		return
	}

	e.mu.Lock()
	if r.status != ports.EngineRunning {
		e.mu.Unlock()
		return
	}
	r.phase = phaseActive
	r.ascanID = ascan.Scan
	e.mu.Unlock()
	sink.Logf("zap: spider finished, active scan %s started", ascan.Scan)

	e.finish(ref, r, sink, e.waitFor(ctx, "JSON/ascan/view/status/", ascan.Scan))
}

// waitFor polls a progress endpoint until it reports 100 percent.
func (e *Engine) waitFor(ctx context.Context, path, id string) error {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		var st statusResponse
		if err := e.api.Get(ctx, path, url.Values{"scanId": {id}}, &st); err != nil {
			return err
		}
		if pct, err := strconv.Atoi(st.Status); err == nil && pct >= 100 {
			return nil
		}
	}
}

func (e *Engine) finish(ref ports.Ref, r *run, sink ports.Sink, err error) {
	e.mu.Lock()
	if r.status != ports.EngineRunning {
		e.mu.Unlock()
		return
	}
	r.phase = phaseDone
	r.cancel()
	if err != nil {
		r.status = ports.EngineFailed
	} else {
		r.status = ports.EngineCompleted
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Error("scan failed", slog.String("ref", string(ref)), slog.String("error", err.Error()))
		sink.Logf("zap: scan failed: %v", err)
		return
	}
	sink.Logf("zap: scan completed")
}

func (e *Engine) Status(ctx context.Context, ref ports.Ref) (ports.EngineStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[ref]
	if !ok {
		return ports.EngineUnknown, nil
	}
	return r.status, nil
}

type alert struct {
	Name        string `json:"name"`
	Alert       string `json:"alert"`
	Risk        string `json:"risk"`
	URL         string `json:"url"`
	Description string `json:"description"`
	CWEID       string `json:"cweid"`
}

func (e *Engine) Results(ctx context.Context, ref ports.Ref) ([]domain.Finding, error) {
	e.mu.Lock()
	r, ok := e.runs[ref]
	var target string
	completed := ok && r.status == ports.EngineCompleted
	if ok {
		target = r.target
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("zap: unknown run %s", ref)
	}
	if !completed {
		return nil, nil
	}

	var resp struct {
		Alerts []alert `json:"alerts"`
	}
	if err := e.api.Get(ctx, "JSON/core/view/alerts/", url.Values{"baseurl": {target}}, &resp); err != nil {
		return nil, fmt.Errorf("zap: fetch alerts: %w", err)
	}
	out := make([]domain.Finding, 0, len(resp.Alerts))
	for _, a := range resp.Alerts {
		out = append(out, parseAlert(a))
	}
	return out, nil
}

func parseAlert(a alert) domain.Finding {
	name := a.Name
	if name == "" {
		name = a.Alert
	}
	if name == "" {
		name = "Unknown"
	}
	return domain.NewFinding(Name, name, normalize.Severity(a.Risk), a.URL).
		WithDescription(a.Description).
		WithCWE(normalize.CWE(a.CWEID))
}

// Stop halts whichever phase is running. Runs that already ended report
// false.
func (e *Engine) Stop(ctx context.Context, ref ports.Ref) (bool, error) {
	e.mu.Lock()
	r, ok := e.runs[ref]
	if !ok || r.status != ports.EngineRunning {
		e.mu.Unlock()
		return false, nil
	}
	path, id := "JSON/spider/action/stop/", r.spiderID
	if r.phase == phaseActive {
		path, id = "JSON/ascan/action/stop/", r.ascanID
	}
	e.mu.Unlock()

	if err := e.api.Get(ctx, path, url.Values{"scanId": {id}}, nil); err != nil {
		return false, fmt.Errorf("zap: stop: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.status != ports.EngineRunning {
		return false, nil
	}
	r.status = ports.EngineStopped
	r.phase = phaseDone
	r.cancel()
	return true, nil
}
