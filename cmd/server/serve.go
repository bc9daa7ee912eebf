package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"dastor/internal/adapters/engines/acunetix"
	"dastor/internal/adapters/engines/mock"
	"dastor/internal/adapters/engines/nuclei"
	"dastor/internal/adapters/engines/zap"
	httpadapter "dastor/internal/adapters/http"
	"dastor/internal/adapters/memory"
	pg "dastor/internal/adapters/postgres"
	"dastor/internal/config"
	"dastor/internal/logging"
	"dastor/internal/metrics"
	"dastor/internal/ports"
	scansvc "dastor/internal/services/scanner"
	"dastor/internal/targetguard"
	"dastor/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and scan workers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Endpoint: cfg.OTLPEndpoint,
		Version:  version,
		Insecure: cfg.Env == "development",
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown", slog.String("error", err.Error()))
		}
	}()

	var repo ports.ScanRepository
	if cfg.DatabaseURL != "" {
		db, err := pg.Connect(ctx, postgresOptions(cfg))
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()
		if _, err := db.Migrate(ctx, log); err != nil {
			return err
		}
		repo = db
	} else {
		log.Warn("DATABASE_URL not set, scans are kept in memory only")
		repo = memory.NewScanRepository()
	}

	engines, err := buildEngines(cfg, log)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(engines))
	for _, e := range engines {
		names = append(names, e.Name())
	}
	log.Info("engines configured", slog.Any("engines", names))

	collector := metrics.New()
	manager := scansvc.New(engines, repo, scansvc.Options{
		PollInterval:  cfg.PollInterval,
		MaxConcurrent: cfg.MaxConcurrentScans,
		Logger:        log,
		Metrics:       collector,
	})

	srv := httpadapter.New(manager, targetguard.New(nil), httpadapter.Options{
		APIKey:              cfg.APIKey,
		SubmitRatePerMinute: cfg.SubmitRatePerMinute,
		Logger:              log,
	})
	r := chi.NewRouter()
	r.Mount("/", srv.Routes())

	if cfg.MetricsAddr != "" {
		go func() {
			if err := collector.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error("metrics listener", slog.String("error", err.Error()))
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	log.Info("listening", slog.String("addr", cfg.ListenAddr), slog.String("env", cfg.Env))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", slog.String("error", err.Error()))
	}
	if err := manager.Close(sctx); err != nil {
		log.Warn("scan workers did not stop in time", slog.String("error", err.Error()))
	}
	return nil
}

// buildEngines returns the engines enabled by cfg. Nuclei is always
// present; a missing binary only fails its launches.
func buildEngines(cfg config.Config, log *slog.Logger) ([]ports.Engine, error) {
	ec := cfg.Engines
	engines := []ports.Engine{
		nuclei.New(nuclei.Config{Path: ec.Nuclei.Path, Severity: ec.Nuclei.Severity, Logger: log}),
	}
	if ec.ZAP.URL != "" {
		z, err := zap.New(zap.Config{URL: ec.ZAP.URL, APIKey: ec.ZAP.APIKey, InsecureTLS: ec.InsecureTLS, Logger: log})
		if err != nil {
			return nil, err
		}
		engines = append(engines, z)
	}
	if ec.Acunetix.URL != "" {
		a, err := acunetix.New(acunetix.Config{
			URL:         ec.Acunetix.URL,
			APIKey:      ec.Acunetix.APIKey,
			ProfileID:   ec.Acunetix.ProfileID,
			InsecureTLS: ec.InsecureTLS,
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		engines = append(engines, a)
	}
	if ec.Mock {
		engines = append(engines, mock.Demo(10*time.Second))
	}
	return engines, nil
}
