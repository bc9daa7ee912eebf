package scanrunner

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one unit of scan work. A returned error is logged; tasks record
// their own outcome on the scan.
type Task func(ctx context.Context) error

// Pool runs scan workflows with bounded concurrency and keeps track of every
// goroutine it starts so shutdown can wait for them.
type Pool struct {
	slots chan struct{}
	wg    sync.WaitGroup
	log   *slog.Logger
}

// New returns a pool allowing concurrency simultaneous tasks.
func New(concurrency int, log *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{slots: make(chan struct{}, concurrency), log: log}
}

// Submit schedules task without blocking the caller. The task waits for a
// free slot; if ctx ends first it never runs and dropped, when not nil, is
// called with ctx's error so the owner can settle the work.
func (p *Pool) Submit(ctx context.Context, name string, task Task, dropped func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		acquired := false
		select {
		case p.slots <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}
		if err := ctx.Err(); err != nil {
			if acquired {
				<-p.slots
			}
			p.log.Debug("task dropped before start", slog.String("task", name))
			if dropped != nil {
				dropped(err)
			}
			return
		}
		defer func() { <-p.slots }()
		if err := task(ctx); err != nil {
			p.log.Error("task failed", slog.String("task", name), slog.String("error", err.Error()))
		}
	}()
}

// Go runs fn on a tracked goroutine outside the concurrency limit. It is
// meant for light helpers that live as long as a scan, such as event drains.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}

// Wait blocks until all tracked goroutines return or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Every calls fn on each tick of interval until ctx is done. It returns
// ctx.Err() so callers can tell cancellation from completion when fn reports
// done by returning false.
func Every(ctx context.Context, interval time.Duration, fn func() bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !fn() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
