package ports

import (
	"context"
	"fmt"

	"dastor/internal/domain"
)

// EngineStatus is an engine's own view of one run.
type EngineStatus string

const (
	EngineRunning   EngineStatus = "running"
	EngineCompleted EngineStatus = "completed"
	EngineFailed    EngineStatus = "failed"
	EngineStopped   EngineStatus = "stopped"
	EngineUnknown   EngineStatus = "unknown"
)

// Terminal reports whether the run has finished one way or another.
func (s EngineStatus) Terminal() bool {
	return s == EngineCompleted || s == EngineFailed || s == EngineStopped
}

// Ref is the opaque handle an engine returns from Start.
type Ref string

// Engine is the capability set every scanning engine implements.
//
// Start must return as soon as the scan has been requested; long-running work
// belongs on the engine's own goroutines, which must end once Stop is called
// or ctx is done. Status is idempotent and reports EngineUnknown for refs it
// does not know. Results returns nothing until the run is terminal.
type Engine interface {
	Name() string
	Start(ctx context.Context, target string, sink Sink) (Ref, error)
	Status(ctx context.Context, ref Ref) (EngineStatus, error)
	Results(ctx context.Context, ref Ref) ([]domain.Finding, error)
	Stop(ctx context.Context, ref Ref) (bool, error)
}

// Resumer is implemented by engines that can continue a stopped run.
type Resumer interface {
	Resume(ctx context.Context, ref Ref) (bool, error)
}

// SupportsResume reports whether e can continue stopped runs.
func SupportsResume(e Engine) bool {
	_, ok := e.(Resumer)
	return ok
}

// Resume continues a stopped run, reporting false for engines without the
// capability.
func Resume(ctx context.Context, e Engine, ref Ref) (bool, error) {
	r, ok := e.(Resumer)
	if !ok {
		return false, nil
	}
	return r.Resume(ctx, ref)
}

// EventKind tells a log line from a finding.
type EventKind int

const (
	EventLog EventKind = iota
	EventFinding
)

// Event is one realtime message from an engine.
type Event struct {
	Kind    EventKind
	Message string
	Finding domain.Finding
}

// Sink carries realtime events from an engine to the scan that started it.
// Sends block while the consumer is behind and are dropped once done is
// closed. The zero Sink discards everything.
type Sink struct {
	events chan<- Event
	done   <-chan struct{}
}

// NewSink returns a sink writing to events until done is closed.
func NewSink(events chan<- Event, done <-chan struct{}) Sink {
	return Sink{events: events, done: done}
}

// Logf emits a progress line.
func (s Sink) Logf(format string, args ...any) {
	s.send(Event{Kind: EventLog, Message: fmt.Sprintf(format, args...)})
}

// Emit pushes a finding discovered before the run is over.
func (s Sink) Emit(f domain.Finding) {
	s.send(Event{Kind: EventFinding, Finding: f})
}

func (s Sink) send(ev Event) {
	if s.events == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
