// Package acunetix drives an Acunetix appliance over its v1 REST API. It is
// the one engine able to resume a stopped scan.
package acunetix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dastor/internal/adapters/engines/enginehttp"
	"dastor/internal/domain"
	"dastor/internal/normalize"
	"dastor/internal/ports"
)

const (
	Name = "acunetix"

	// DefaultProfileID is the built-in "Full Scan" profile.
	DefaultProfileID = "11111111-1111-1111-1111-111111111111"

	defaultPollInterval = 10 * time.Second
	authHeader          = "X-Auth"
)

type Config struct {
	URL          string
	APIKey       string
	ProfileID    string
	InsecureTLS  bool
	PollInterval time.Duration
	Logger       *slog.Logger
}

type run struct {
	target  string
	scanID  string
	base    context.Context
	sink    ports.Sink
	status  ports.EngineStatus
	stopped bool
	seen    map[string]bool
	cancel  context.CancelFunc
}

// Engine implements ports.Engine and ports.Resumer for Acunetix.
type Engine struct {
	api     *enginehttp.Client
	profile string
	poll    time.Duration
	log     *slog.Logger

	mu   sync.Mutex
	runs map[ports.Ref]*run
}

var (
	_ ports.Engine  = (*Engine)(nil)
	_ ports.Resumer = (*Engine)(nil)
)

func New(cfg Config) (*Engine, error) {
	api, err := enginehttp.New(enginehttp.Config{
		BaseURL:     cfg.URL,
		AuthHeader:  authHeader,
		AuthValue:   cfg.APIKey,
		InsecureTLS: cfg.InsecureTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("acunetix: %w", err)
	}
	if cfg.ProfileID == "" {
		cfg.ProfileID = DefaultProfileID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		api:     api,
		profile: cfg.ProfileID,
		poll:    cfg.PollInterval,
		log:     cfg.Logger.With(slog.String("engine", Name)),
		runs:    make(map[ports.Ref]*run),
	}, nil
}

func (e *Engine) Name() string { return Name }

type scanSchedule struct {
	Disable       bool    `json:"disable"`
	StartDate     *string `json:"start_date"`
	TimeSensitive bool    `json:"time_sensitive"`
}

type scanSession struct {
	Status        string `json:"status"`
	ScanSessionID string `json:"scan_session_id"`
}

type scanInfo struct {
	CurrentSession scanSession `json:"current_session"`
}

// Start registers the target, launches a scan on it and starts a monitor
// that pushes vulnerabilities as the appliance reports them.
func (e *Engine) Start(ctx context.Context, target string, sink ports.Sink) (ports.Ref, error) {
	var created struct {
		TargetID string `json:"target_id"`
	}
	_, err := e.api.Post(ctx, "api/v1/targets", map[string]string{
		"address":     target,
		"description": "dastor audit",
	}, &created)
	if err != nil {
		return "", fmt.Errorf("acunetix: create target: %w", err)
	}
	if created.TargetID == "" {
		return "", errors.New("acunetix: target id missing from response")
	}

	var started struct {
		ScanID string `json:"scan_id"`
	}
	hdr, err := e.api.Post(ctx, "api/v1/scans", map[string]any{
		"target_id":  created.TargetID,
		"profile_id": e.profile,
		"schedule":   scanSchedule{},
	}, &started)
	if err != nil {
		return "", fmt.Errorf("acunetix: start scan: %w", err)
	}
	scanID := started.ScanID
	if scanID == "" && hdr.Get("Location") != "" {
		scanID = path.Base(hdr.Get("Location"))
	}
	if scanID == "" {
		return "", errors.New("acunetix: scan id missing from response")
	}

	ref := ports.Ref(uuid.NewString())
	r := &run{
		target: target,
		scanID: scanID,
		base:   ctx,
		sink:   sink,
		status: ports.EngineRunning,
		seen:   make(map[string]bool),
	}
	e.mu.Lock()
	e.runs[ref] = r
	e.watchLocked(r)
	e.mu.Unlock()

	sink.Logf("acunetix: scan %s started", scanID)
	return ref, nil
}

// watchLocked starts the realtime monitor for r. e.mu must be held.
func (e *Engine) watchLocked(r *run) {
	ctx, cancel := context.WithCancel(r.base)
	r.cancel = cancel
	go e.monitor(ctx, r)
}

func (e *Engine) monitor(ctx context.Context, r *run) {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		info, err := e.scan(ctx, r.scanID)
		if err != nil {
			if ctx.Err() == nil {
				e.log.Warn("monitor poll failed", slog.String("scan", r.scanID), slog.String("error", err.Error()))
			}
			continue
		}
		if sid := info.CurrentSession.ScanSessionID; sid != "" {
			vulns, err := e.vulnerabilities(ctx, r.scanID, sid)
			if err != nil {
				e.log.Warn("fetch vulnerabilities failed", slog.String("scan", r.scanID), slog.String("error", err.Error()))
			}
			for _, v := range vulns {
				if v.VulnID == "" || !e.firstSighting(r, v.VulnID) {
					continue
				}
				r.sink.Emit(v.finding())
			}
		}
		if remoteTerminal(info.CurrentSession.Status) {
			return
		}
	}
}

func (e *Engine) firstSighting(r *run, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.seen[id] {
		return false
	}
	r.seen[id] = true
	return true
}

func remoteTerminal(status string) bool {
	switch status {
	case "completed", "failed", "aborted", "stop", "stopped":
		return true
	}
	return false
}

func (e *Engine) scan(ctx context.Context, scanID string) (scanInfo, error) {
	var info scanInfo
	err := e.api.Get(ctx, "api/v1/scans/"+scanID, nil, &info)
	return info, err
}

func (e *Engine) vulnerabilities(ctx context.Context, scanID, sessionID string) ([]vulnerability, error) {
	var resp struct {
		Vulnerabilities []vulnerability `json:"vulnerabilities"`
	}
	err := e.api.Get(ctx, "api/v1/scans/"+scanID+"/results/"+sessionID+"/vulnerabilities", nil, &resp)
	return resp.Vulnerabilities, err
}

// Status asks the appliance for the run's state. A run stopped through Stop
// reports stopped regardless of what the appliance says.
func (e *Engine) Status(ctx context.Context, ref ports.Ref) (ports.EngineStatus, error) {
	e.mu.Lock()
	r, ok := e.runs[ref]
	if !ok {
		e.mu.Unlock()
		return ports.EngineUnknown, nil
	}
	if r.stopped || r.status.Terminal() {
		st := r.status
		e.mu.Unlock()
		return st, nil
	}
	scanID := r.scanID
	e.mu.Unlock()

	info, err := e.scan(ctx, scanID)
	if err != nil {
		return "", fmt.Errorf("acunetix: scan status: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.stopped {
		return r.status, nil
	}
	switch info.CurrentSession.Status {
	case "completed":
		r.status = ports.EngineCompleted
	case "failed", "aborted":
		r.status = ports.EngineFailed
	}
	return r.status, nil
}

func (e *Engine) Results(ctx context.Context, ref ports.Ref) ([]domain.Finding, error) {
	e.mu.Lock()
	r, ok := e.runs[ref]
	var scanID string
	completed := ok && r.status == ports.EngineCompleted
	if ok {
		scanID = r.scanID
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("acunetix: unknown run %s", ref)
	}
	if !completed {
		return nil, nil
	}

	info, err := e.scan(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("acunetix: scan info: %w", err)
	}
	sid := info.CurrentSession.ScanSessionID
	if sid == "" {
		return nil, errors.New("acunetix: completed scan has no result session")
	}
	vulns, err := e.vulnerabilities(ctx, scanID, sid)
	if err != nil {
		return nil, fmt.Errorf("acunetix: fetch vulnerabilities: %w", err)
	}
	out := make([]domain.Finding, 0, len(vulns))
	for _, v := range vulns {
		out = append(out, v.finding())
	}
	return out, nil
}

func (e *Engine) Stop(ctx context.Context, ref ports.Ref) (bool, error) {
	e.mu.Lock()
	r, ok := e.runs[ref]
	if !ok || r.stopped || r.status != ports.EngineRunning {
		e.mu.Unlock()
		return false, nil
	}
	scanID := r.scanID
	e.mu.Unlock()

	if _, err := e.api.Post(ctx, "api/v1/scans/"+scanID+"/abort", nil, nil); err != nil {
		return false, fmt.Errorf("acunetix: abort: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	r.stopped = true
	r.status = ports.EngineStopped
	r.cancel()
	return true, nil
}

// Resume continues a run previously stopped through Stop.
func (e *Engine) Resume(ctx context.Context, ref ports.Ref) (bool, error) {
	e.mu.Lock()
	r, ok := e.runs[ref]
	if !ok || !r.stopped {
		e.mu.Unlock()
		return false, nil
	}
	scanID := r.scanID
	e.mu.Unlock()

	if _, err := e.api.Post(ctx, "api/v1/scans/"+scanID+"/resume", nil, nil); err != nil {
		return false, fmt.Errorf("acunetix: resume: %w", err)
	}

	e.mu.Lock()
	if !r.stopped {
		e.mu.Unlock()
		return false, nil
	}
	r.stopped = false
	r.status = ports.EngineRunning
	e.watchLocked(r)
	e.mu.Unlock()

	r.sink.Logf("acunetix: scan %s resumed", scanID)
	return true, nil
}

type vulnerability struct {
	VulnID      string          `json:"vuln_id"`
	Name        string          `json:"vt_name"`
	Severity    json.RawMessage `json:"severity"`
	AffectsURL  string          `json:"affects_url"`
	Description string          `json:"description"`
	CWEID       json.RawMessage `json:"cwe_id"`
	CVSSScore   *float64        `json:"cvss_score"`
}

func (v vulnerability) finding() domain.Finding {
	name := v.Name
	if name == "" {
		name = "Unknown"
	}
	f := domain.NewFinding(Name, name, severity(v.Severity), v.AffectsURL).
		WithDescription(v.Description).
		WithCWE(normalize.CWE(rawString(v.CWEID)))
	if v.CVSSScore != nil {
		f = f.WithCVSS(*v.CVSSScore)
	}
	return f
}

var levels = map[int]domain.Severity{
	4: domain.SeverityCritical,
	3: domain.SeverityHigh,
	2: domain.SeverityMedium,
	1: domain.SeverityLow,
	0: domain.SeverityInfo,
}

// severity accepts both the numeric levels of the v1 API and textual labels.
func severity(raw json.RawMessage) domain.Severity {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		if s, ok := levels[n]; ok {
			return s
		}
		return domain.SeverityInfo
	}
	return normalize.Severity(rawString(raw))
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `" `)
}
