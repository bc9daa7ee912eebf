// Package nuclei runs the nuclei CLI as a subprocess and turns its JSONL
// output into findings as they are printed.
package nuclei

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dastor/internal/domain"
	"dastor/internal/normalize"
	"dastor/internal/ports"
)

const (
	Name = "nuclei"

	defaultPath     = "nuclei"
	defaultSeverity = "medium,high,critical"
	maxLine         = 4 << 20
	maxStderr       = 8 << 10
	waitDelay       = 2 * time.Second
)

type Config struct {
	// Path is the binary, looked up in PATH when not absolute.
	Path     string
	Severity string
	Logger   *slog.Logger
}

type run struct {
	target   string
	status   ports.EngineStatus
	results  []domain.Finding
	stopping bool
	cancel   context.CancelFunc
}

// Engine implements ports.Engine on top of the nuclei binary.
type Engine struct {
	path     string
	severity string
	log      *slog.Logger

	mu   sync.Mutex
	runs map[ports.Ref]*run
}

var _ ports.Engine = (*Engine)(nil)

func New(cfg Config) *Engine {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.Severity == "" {
		cfg.Severity = defaultSeverity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		path:     cfg.Path,
		severity: cfg.Severity,
		log:      cfg.Logger.With(slog.String("engine", Name)),
		runs:     make(map[ports.Ref]*run),
	}
}

func (e *Engine) Name() string { return Name }

// Start spawns nuclei against target. The process outlives the call; its
// output is consumed on a separate goroutine.
func (e *Engine) Start(ctx context.Context, target string, sink ports.Sink) (ports.Ref, error) {
	bin, err := exec.LookPath(e.path)
	if err != nil {
		return "", fmt.Errorf("nuclei: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, bin, "-u", target, "-severity", e.severity, "-jsonl", "-silent")
	cmd.WaitDelay = waitDelay
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return "", fmt.Errorf("nuclei: %w", err)
	}
	stderr := &limitedBuffer{max: maxStderr}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("nuclei: start: %w", err)
	}

	ref := ports.Ref(uuid.NewString())
	r := &run{target: target, status: ports.EngineRunning, cancel: cancel}
	e.mu.Lock()
	e.runs[ref] = r
	e.mu.Unlock()

	e.log.Info("process started", slog.String("ref", string(ref)), slog.Int("pid", cmd.Process.Pid))
	sink.Logf("nuclei: scanning %s", target)
	go e.consume(ref, r, cmd, stdout, stderr, sink)
	return ref, nil
}

func (e *Engine) consume(ref ports.Ref, r *run, cmd *exec.Cmd, stdout io.Reader, stderr *limitedBuffer, sink ports.Sink) {
	var found []domain.Finding
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var res result
		if err := json.Unmarshal(line, &res); err != nil {
			continue
		}
		f := res.finding()
		found = append(found, f)
		sink.Logf("nuclei: found %s (%s) at %s", f.Name, f.Severity, f.URL)
		sink.Emit(f)
	}
	if err := sc.Err(); err != nil {
		e.log.Warn("reading output failed", slog.String("ref", string(ref)), slog.String("error", err.Error()))
		sink.Logf("nuclei: output unreadable, later results dropped: %v", err)
		// Keep the pipe flowing so the process can exit.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	e.mu.Lock()
	r.cancel()
	switch {
	case r.stopping:
		r.status = ports.EngineStopped
	case waitErr == nil:
		r.status = ports.EngineCompleted
		r.results = found
	default:
		r.status = ports.EngineFailed
	}
	status := r.status
	e.mu.Unlock()

	switch status {
	case ports.EngineCompleted:
		e.log.Info("process finished", slog.String("ref", string(ref)), slog.Int("findings", len(found)))
		sink.Logf("nuclei: scan completed with %d results", len(found))
	case ports.EngineFailed:
		msg := strings.TrimSpace(stderr.String())
		e.log.Error("process failed", slog.String("ref", string(ref)), slog.String("error", waitErr.Error()), slog.String("stderr", msg))
		sink.Logf("nuclei: scan failed: %v: %s", waitErr, msg)
	}
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

// Results returns what the process printed, once it exited cleanly.
func (e *Engine) Results(ctx context.Context, ref ports.Ref) ([]domain.Finding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[ref]
	if !ok {
		return nil, fmt.Errorf("nuclei: unknown run %s", ref)
	}
	if r.status != ports.EngineCompleted {
		return nil, nil
	}
	return append([]domain.Finding(nil), r.results...), nil
}

// Stop kills the process. Runs that already exited report false.
func (e *Engine) Stop(ctx context.Context, ref ports.Ref) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[ref]
	if !ok || r.status != ports.EngineRunning {
		return false, nil
	}
	r.stopping = true
	r.status = ports.EngineStopped
	r.cancel()
	return true, nil
}

type result struct {
	Info struct {
		Name           string `json:"name"`
		Severity       string `json:"severity"`
		Description    string `json:"description"`
		Classification struct {
			CWEID     []string `json:"cwe-id"`
			CVSSScore *float64 `json:"cvss-score"`
		} `json:"classification"`
	} `json:"info"`
	MatchedAt string `json:"matched-at"`
	Host      string `json:"host"`
}

func (r result) finding() domain.Finding {
	name := r.Info.Name
	if name == "" {
		name = "Unknown"
	}
	url := r.MatchedAt
	if url == "" {
		url = r.Host
	}
	f := domain.NewFinding(Name, name, normalize.Severity(r.Info.Severity), url).
		WithDescription(strings.TrimSpace(r.Info.Description))
	if ids := r.Info.Classification.CWEID; len(ids) > 0 {
		f = f.WithCWE(normalize.CWE(ids[0]))
	}
	if s := r.Info.Classification.CVSSScore; s != nil {
		f = f.WithCVSS(*s)
	}
	return f
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
