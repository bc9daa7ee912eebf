// Package mock is a scripted engine. It backs the manager tests and the
// MOCK_ENGINE mode used to exercise the API without real scanners.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dastor/internal/domain"
	"dastor/internal/ports"
)

// Options scripts the engine's behaviour.
type Options struct {
	Name string
	// Findings are returned by Results once a run completed. An empty URL is
	// replaced by the run's target.
	Findings []domain.Finding
	// Realtime findings are emitted through the sink right after Start.
	Realtime []domain.Finding
	// AutoComplete finishes each run after the delay. Zero leaves runs
	// running until Finish is called.
	AutoComplete time.Duration
	// StartGate, when set, holds Start until it is closed.
	StartGate <-chan struct{}
	// HoldResults makes Results block until its context ends.
	HoldResults bool

	StartErr     error
	StatusErr    error
	ResultsErr   error
	PanicOnStart bool
}

type run struct {
	target string
	status ports.EngineStatus
	timer  *time.Timer
}

// Engine is a ports.Engine without resume support.
type Engine struct {
	opts Options

	mu      sync.Mutex
	seq     int
	runs    map[ports.Ref]*run
	order   []ports.Ref
	starts  int
	stops   int
	resumes int
	fetches int
}

// Resumable adds resume support to Engine.
type Resumable struct {
	*Engine
}

var (
	_ ports.Engine  = (*Engine)(nil)
	_ ports.Resumer = Resumable{}
)

// New returns a non-resumable scripted engine.
func New(opts Options) *Engine {
	if opts.Name == "" {
		opts.Name = "mock"
	}
	return &Engine{opts: opts, runs: make(map[ports.Ref]*run)}
}

// NewResumable returns a scripted engine that accepts resume requests for
// stopped runs.
func NewResumable(opts Options) Resumable {
	return Resumable{Engine: New(opts)}
}

func (e *Engine) Name() string { return e.opts.Name }

func (e *Engine) Start(ctx context.Context, target string, sink ports.Sink) (ports.Ref, error) {
	if e.opts.PanicOnStart {
		panic(e.opts.Name + ": scripted panic")
	}
	if e.opts.StartErr != nil {
		return "", e.opts.StartErr
	}
	if e.opts.StartGate != nil {
		select {
		case <-e.opts.StartGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	e.mu.Lock()
	e.seq++
	e.starts++
	ref := ports.Ref(fmt.Sprintf("%s-%d", e.opts.Name, e.seq))
	r := &run{target: target, status: ports.EngineRunning}
	e.runs[ref] = r
	e.order = append(e.order, ref)
	e.arm(ref, r)
	e.mu.Unlock()

	sink.Logf("%s: scanning %s", e.opts.Name, target)
	for _, f := range e.opts.Realtime {
		sink.Emit(e.fill(f, target))
	}
	return ref, nil
}

func (e *Engine) Status(ctx context.Context, ref ports.Ref) (ports.EngineStatus, error) {
	if e.opts.StatusErr != nil {
		return "", e.opts.StatusErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[ref]
	if !ok {
		return ports.EngineUnknown, nil
	}
	return r.status, nil
}

func (e *Engine) Results(ctx context.Context, ref ports.Ref) ([]domain.Finding, error) {
	e.mu.Lock()
	e.fetches++
	e.mu.Unlock()
	if e.opts.ResultsErr != nil {
		return nil, e.opts.ResultsErr
	}
	if e.opts.HoldResults {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[ref]
	if !ok {
		return nil, errors.New(e.opts.Name + ": unknown run " + string(ref))
	}
	if r.status != ports.EngineCompleted {
		return nil, nil
	}
	out := make([]domain.Finding, 0, len(e.opts.Findings))
	for _, f := range e.opts.Findings {
		out = append(out, e.fill(f, r.target))
	}
	return out, nil
}

func (e *Engine) Stop(ctx context.Context, ref ports.Ref) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	r, ok := e.runs[ref]
	if !ok || r.status != ports.EngineRunning {
		return false, nil
	}
	r.status = ports.EngineStopped
	if r.timer != nil {
		r.timer.Stop()
	}
	return true, nil
}

// Resume continues a stopped run.
func (r Resumable) Resume(ctx context.Context, ref ports.Ref) (bool, error) {
	e := r.Engine
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumes++
	rn, ok := e.runs[ref]
	if !ok || rn.status != ports.EngineStopped {
		return false, nil
	}
	rn.status = ports.EngineRunning
	e.arm(ref, rn)
	return true, nil
}

// Finish completes the run.
func (e *Engine) Finish(ref ports.Ref) { e.set(ref, ports.EngineCompleted) }

// Fail marks the run failed.
func (e *Engine) Fail(ref ports.Ref) { e.set(ref, ports.EngineFailed) }

// Forget drops the run so Status reports it unknown.
func (e *Engine) Forget(ref ports.Ref) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, ref)
}

// FinishAll completes every running run.
func (e *Engine) FinishAll() {
	for _, ref := range e.Refs() {
		e.Finish(ref)
	}
}

// Refs lists run handles in start order.
func (e *Engine) Refs() []ports.Ref {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ports.Ref(nil), e.order...)
}

// RunStatus reports a run's status without going through Status.
func (e *Engine) RunStatus(ref ports.Ref) ports.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[ref]; ok {
		return r.status
	}
	return ports.EngineUnknown
}

func (e *Engine) Starts() int { return e.count(&e.starts) }
func (e *Engine) Stops() int { return e.count(&e.stops) }
func (e *Engine) Resumes() int { return e.count(&e.resumes) }
func (e *Engine) Fetches() int { return e.count(&e.fetches) }

func (e *Engine) count(n *int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *n
}

func (e *Engine) set(ref ports.Ref, status ports.EngineStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[ref]; ok && r.status == ports.EngineRunning {
		r.status = status
	}
}

// arm schedules auto completion. e.mu must be held.
func (e *Engine) arm(ref ports.Ref, r *run) {
	if e.opts.AutoComplete <= 0 {
		return
	}
	r.timer = time.AfterFunc(e.opts.AutoComplete, func() { e.Finish(ref) })
}

func (e *Engine) fill(f domain.Finding, target string) domain.Finding {
	if f.Scanner == "" {
		f.Scanner = e.opts.Name
	}
	if f.URL == "" {
		f.URL = target
	}
	return f
}

// Demo returns the engine used in MOCK_ENGINE mode: it reports a fixed set
// of findings against the scanned target after delay.
func Demo(delay time.Duration) Resumable {
	return NewResumable(Options{
		Name:         "mock",
		AutoComplete: delay,
		Findings: []domain.Finding{
			domain.NewFinding("mock", "Reflected Cross-Site Scripting", domain.SeverityHigh, "").
				WithCWE("CWE-79").
				WithDescription("User input is reflected in the response without encoding."),
			domain.NewFinding("mock", "Missing Content-Security-Policy header", domain.SeverityLow, "").
				WithCWE("CWE-693"),
			domain.NewFinding("mock", "Server version disclosure", domain.SeverityInfo, ""),
		},
	})
}
