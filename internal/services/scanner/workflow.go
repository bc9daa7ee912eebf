package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dastor/internal/domain"
	"dastor/internal/normalize"
	"dastor/internal/ports"
	"dastor/internal/workers/scanrunner"
)

// runWorkflow drives one scan from started to a terminal status: it starts
// every engine, polls the runs that started, collects and deduplicates their
// results. Engine errors only drop that engine; anything else ends the scan
// as failed.
func (m *Manager) runWorkflow(ctx context.Context, j *job, epoch uint64) {
	ctx, span := m.tracer.Start(ctx, "scan.workflow", trace.WithAttributes(attribute.String("scan.id", j.id.String())))
	defer span.End()
	defer m.recoverTask(j, epoch, span)

	monitorCtx, cancel, ok := j.begin(ctx, epoch, m.now())
	if !ok {
		return
	}
	defer cancel()
	defer m.metrics.WorkflowStarted()()
	m.persist(j)

	runs, err := m.launch(ctx, j, epoch)
	if err != nil {
		m.fail(j, epoch, err, span)
		return
	}
	if len(runs) == 0 {
		j.logf(epoch, m.now(), "no engine could be started")
	}
	if !j.activate(epoch, runs) {
		m.log.Info("scan aborted while engines were starting", slog.String("scan_id", j.id.String()))
		m.stopRuns(j, epoch, runs)
		return
	}
	if err := m.track(monitorCtx, j, epoch, false); err != nil {
		m.fail(j, epoch, err, span)
	}
}

// runMonitor takes over polling after a resume. Scans continued from stopped
// merge the new results into the findings already held.
func (m *Manager) runMonitor(ctx context.Context, j *job, epoch uint64) {
	ctx, span := m.tracer.Start(ctx, "scan.monitor", trace.WithAttributes(attribute.String("scan.id", j.id.String())))
	defer span.End()
	defer m.recoverTask(j, epoch, span)

	monitorCtx, cancel, merge, ok := j.attach(ctx, epoch)
	if !ok {
		return
	}
	defer cancel()
	defer m.metrics.WorkflowStarted()()

	if err := m.track(monitorCtx, j, epoch, merge); err != nil {
		m.fail(j, epoch, err, span)
	}
}

// interrupted fails a scan whose task was dropped before it could run.
func (m *Manager) interrupted(j *job, epoch uint64, cause error) {
	m.fail(j, epoch, fmt.Errorf("scan interrupted: %w", cause), trace.SpanFromContext(context.Background()))
}

func (m *Manager) recoverTask(j *job, epoch uint64, span trace.Span) {
	if r := recover(); r != nil {
		m.fail(j, epoch, &panicError{value: r}, span)
	}
}

// launch starts every engine concurrently and returns the runs that started,
// in engine order.
func (m *Manager) launch(ctx context.Context, j *job, epoch uint64) ([]tracked, error) {
	sink := ports.NewSink(j.events, j.drained)
	target := j.rec.Target

	started := make([]*tracked, len(m.engines))
	panics := make([]error, len(m.engines))
	var wg sync.WaitGroup
	for i, e := range m.engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			panics[i] = capture(func() {
				sctx, span := m.tracer.Start(ctx, "engine.start", trace.WithAttributes(attribute.String("engine", e.Name())))
				defer span.End()
				ref, err := e.Start(sctx, target, sink)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
					m.engineError(j, epoch, e, "start", err)
					return
				}
				j.logf(epoch, m.now(), "%s: started", e.Name())
				started[i] = &tracked{engine: e, ref: ref}
			})
		}()
	}
	wg.Wait()

	if err := errors.Join(panics...); err != nil {
		return nil, err
	}
	runs := make([]tracked, 0, len(started))
	for _, t := range started {
		if t != nil {
			runs = append(runs, *t)
		}
	}
	return runs, nil
}

// track polls the active runs until all of them are terminal, then finishes
// the scan. It returns nil when the scan completed, was released while
// paused or the task went stale.
func (m *Manager) track(ctx context.Context, j *job, epoch uint64, merge bool) error {
	for {
		runs, ok, err := m.poll(ctx, j, epoch)
		if err != nil || !ok {
			return err
		}
		findings, err := m.collect(ctx, j, epoch, runs)
		if err != nil {
			return err
		}
		result, rec := j.finish(epoch, findings, merge, normalize.Deduplicate, m.now())
		switch result {
		case finishPaused:
			continue
		case finishStale:
			return nil
		}
		for _, f := range rec.Vulnerabilities {
			m.metrics.FindingStored(f.Scanner, f.Severity.String())
		}
		m.metrics.ScanFinished(string(domain.StatusCompleted))
		m.log.Info("scan completed",
			slog.String("scan_id", j.id.String()),
			slog.Int("findings", len(rec.Vulnerabilities)))
		m.persist(j)
		return nil
	}
}

// poll waits until every active run is terminal and returns the ones whose
// results should be collected. Runs whose status cannot be read, or which
// the engine no longer knows, are dropped. ok is false when the task went
// stale, the scan was stopped or it was paused; a paused scan is released
// so its pool slot serves other scans until Resume starts a new monitor.
func (m *Manager) poll(ctx context.Context, j *job, epoch uint64) (collect []tracked, ok bool, err error) {
	runs, live := j.activeRuns(epoch)
	if !live {
		return nil, false, nil
	}
	pending := make([]bool, len(runs))
	keep := make([]bool, len(runs))
	for i := range pending {
		pending[i] = true
	}

	err = scanrunner.Every(ctx, m.interval, func() bool {
		status, current := j.current(epoch)
		if !current || status.Settled() {
			return false
		}
		if status == domain.StatusPaused {
			if j.detach(epoch) {
				m.log.Debug("scan paused, monitor released", slog.String("scan_id", j.id.String()))
				return false
			}
			return true
		}
		done := true
		for i, t := range runs {
			if !pending[i] {
				continue
			}
			st, err := t.engine.Status(ctx, t.ref)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					break
				}
				m.engineError(j, epoch, t.engine, "status", err)
				pending[i] = false
			case st == ports.EngineUnknown:
				m.log.Warn("engine lost track of run",
					slog.String("scan_id", j.id.String()),
					slog.String("engine", t.engine.Name()))
				j.logf(epoch, m.now(), "%s: run unknown to engine, dropping it", t.engine.Name())
				pending[i] = false
			case st.Terminal():
				j.logf(epoch, m.now(), "%s: %s", t.engine.Name(), st)
				pending[i] = false
				keep[i] = true
			}
			if pending[i] {
				done = false
			}
		}
		if !done {
			return true
		}
		collect = make([]tracked, 0, len(runs))
		for i, t := range runs {
			if keep[i] {
				collect = append(collect, t)
			}
		}
		ok = true
		return false
	})
	if err != nil {
		if _, current := j.current(epoch); !current {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("scan interrupted: %w", err)
	}
	return collect, ok, nil
}

// collect fetches results from every run concurrently and concatenates them
// in engine order. A run whose results cannot be fetched contributes nothing.
func (m *Manager) collect(ctx context.Context, j *job, epoch uint64, runs []tracked) ([]domain.Finding, error) {
	ctx, span := m.tracer.Start(ctx, "scan.collect")
	defer span.End()

	per := make([][]domain.Finding, len(runs))
	panics := make([]error, len(runs))
	var wg sync.WaitGroup
	for i, t := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			panics[i] = capture(func() {
				fs, err := t.engine.Results(ctx, t.ref)
				if err != nil {
					if ctx.Err() == nil {
						m.engineError(j, epoch, t.engine, "results", err)
					}
					return
				}
				per[i] = fs
			})
		}()
	}
	wg.Wait()

	if err := errors.Join(panics...); err != nil {
		return nil, err
	}
	var out []domain.Finding
	for _, fs := range per {
		out = append(out, fs...)
	}
	return out, nil
}

// fail marks the scan failed on behalf of the task started for epoch and
// stops whatever engine runs were still active.
func (m *Manager) fail(j *job, epoch uint64, cause error, span trace.Span) {
	runs, ok := j.fail(epoch, cause, m.now())
	if !ok {
		return
	}
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	m.log.Error("scan failed", slog.String("scan_id", j.id.String()), slog.String("error", cause.Error()))
	m.metrics.ScanFinished(string(domain.StatusFailed))
	m.stopRuns(j, epoch, runs)
	m.persist(j)
}

// stopRuns asks each engine to stop its run. Errors are logged only, and
// reach the record only while epoch is current.
func (m *Manager) stopRuns(j *job, epoch uint64, runs []tracked) {
	if len(runs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	for _, t := range runs {
		var stopped bool
		err := capture(func() {
			var err error
			stopped, err = t.engine.Stop(ctx, t.ref)
			if err != nil {
				m.engineError(j, epoch, t.engine, "stop", err)
			}
		})
		if err != nil {
			m.engineError(j, epoch, t.engine, "stop", err)
			continue
		}
		if !stopped {
			m.log.Debug("engine run was not running", slog.String("scan_id", j.id.String()), slog.String("engine", t.engine.Name()))
		}
	}
}
