// Package httpadapter exposes the scan manager over a JSON HTTP API.
package httpadapter

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dastor/internal/ports"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 10 * time.Minute
	maxBodyBytes       = 1 << 16
)

type Options struct {
	// APIKey is compared against the X-API-Key header. Empty disables auth.
	APIKey string
	// SubmitRatePerMinute caps scan submissions per client address. Zero
	// disables the limit.
	SubmitRatePerMinute int
	Logger              *slog.Logger
}

// Server holds the handlers for the scan API.
type Server struct {
	scanner ports.Scanner
	guard   ports.TargetValidator
	apiKey  string
	limiter *clientLimiter
	log     *slog.Logger
}

func New(scanner ports.Scanner, guard ports.TargetValidator, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		scanner: scanner,
		guard:   guard,
		apiKey:  opts.APIKey,
		log:     opts.Logger.With(slog.String("component", "http")),
	}
	if opts.SubmitRatePerMinute > 0 {
		s.limiter = newClientLimiter(opts.SubmitRatePerMinute)
	}
	return s
}

// Routes returns the router serving every endpoint.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.With(s.throttle).Post("/scan", s.submitScan)
		r.Get("/scans", s.listScans)
		r.Route("/scan/{scanId}", func(r chi.Router) {
			r.Get("/", s.getScan)
			r.Get("/logs", s.getLogs)
			r.Get("/findings", s.getFindings)
			r.Get("/findings/grouped", s.getGroupedFindings)
			r.Get("/summary", s.getSummary)
			r.Post("/abort", s.abortScan)
			r.Post("/pause", s.pauseScan)
			r.Post("/resume", s.resumeScan)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
