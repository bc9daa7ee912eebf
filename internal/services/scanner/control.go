package scanner

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"dastor/internal/domain"
	"dastor/internal/ports"
)

// Abort stops a scan that is not yet settled. Every active engine run is
// moved to the paused table and asked to stop; stop failures are logged and
// do not undo the abort.
func (m *Manager) Abort(ctx context.Context, id uuid.UUID) error {
	j, ok := m.job(id)
	if !ok {
		return m.missing(ctx, id)
	}

	j.mu.Lock()
	now := m.now()
	if !j.setStatusLocked(domain.StatusStopped, now) {
		j.mu.Unlock()
		return ErrInvalidState
	}
	j.appendLogLocked(now, "scan aborted")
	runs := j.active
	j.paused = append(j.paused, runs...)
	j.active = nil
	j.epoch++
	epoch := j.epoch
	if j.stopMonitor != nil {
		j.stopMonitor()
		j.stopMonitor = nil
	}
	j.mu.Unlock()

	m.log.Info("scan aborted", slog.String("scan_id", id.String()), slog.Int("engines", len(runs)))
	m.stopRuns(j, epoch, runs)
	m.metrics.ScanAborted()
	m.persist(j)
	return nil
}

// Pause suspends tracking of a running scan. Engines keep working; the scan
// is neither polled nor finalized until it is resumed, and its monitor gives
// up its pool slot in the meantime.
func (m *Manager) Pause(ctx context.Context, id uuid.UUID) error {
	j, ok := m.job(id)
	if !ok {
		return m.missing(ctx, id)
	}

	j.mu.Lock()
	now := m.now()
	if !j.setStatusLocked(domain.StatusPaused, now) {
		j.mu.Unlock()
		return ErrInvalidState
	}
	j.appendLogLocked(now, "scan paused")
	j.mu.Unlock()

	m.log.Info("scan paused", slog.String("scan_id", id.String()))
	m.persist(j)
	return nil
}

// Resume continues a paused or stopped scan. A paused scan goes back to
// running without engine calls; if its monitor was already released a new
// one is scheduled. For a stopped scan every parked engine run is offered a
// resume; if at least one accepts, the parked runs become active again and a
// fresh monitor merges their results with the findings already held. If
// none accepts, ErrNotResumable is returned and the scan is left as it was.
func (m *Manager) Resume(ctx context.Context, id uuid.UUID) error {
	j, ok := m.job(id)
	if !ok {
		return m.missing(ctx, id)
	}

	j.mu.Lock()
	switch {
	case j.rec.Status == domain.StatusPaused:
		now := m.now()
		j.setStatusLocked(domain.StatusRunning, now)
		j.appendLogLocked(now, "scan resumed")
		released := j.stopMonitor == nil
		if released {
			j.epoch++
		}
		epoch := j.epoch
		j.mu.Unlock()
		m.log.Info("scan resumed", slog.String("scan_id", id.String()))
		m.persist(j)
		if released {
			m.monitor(j, epoch)
		}
		return nil
	case j.rec.Status != domain.StatusStopped || j.resuming:
		j.mu.Unlock()
		return ErrInvalidState
	case len(j.paused) == 0:
		j.mu.Unlock()
		return ErrNotResumable
	}
	runs := append([]tracked(nil), j.paused...)
	j.resuming = true
	epoch := j.epoch
	j.mu.Unlock()

	accepted := 0
	for _, t := range runs {
		var ok bool
		err := capture(func() {
			var err error
			ok, err = ports.Resume(ctx, t.engine, t.ref)
			if err != nil {
				m.engineError(j, epoch, t.engine, "resume", err)
			}
		})
		if err != nil {
			m.engineError(j, epoch, t.engine, "resume", err)
			continue
		}
		if ok {
			accepted++
		}
	}

	j.mu.Lock()
	j.resuming = false
	if accepted == 0 {
		j.mu.Unlock()
		m.log.Info("resume refused by every engine", slog.String("scan_id", id.String()))
		return ErrNotResumable
	}
	j.active = runs
	j.paused = nil
	j.merge = true
	j.epoch++
	epoch = j.epoch
	now := m.now()
	j.setStatusLocked(domain.StatusRunning, now)
	j.appendLogLocked(now, "scan resumed")
	j.mu.Unlock()

	m.log.Info("scan resumed", slog.String("scan_id", id.String()), slog.Int("accepted", accepted))
	m.persist(j)
	m.monitor(j, epoch)
	return nil
}

func (m *Manager) monitor(j *job, epoch uint64) {
	m.pool.Submit(m.ctx, "monitor "+j.id.String(), func(ctx context.Context) error {
		m.runMonitor(ctx, j, epoch)
		return nil
	}, func(err error) { m.interrupted(j, epoch, err) })
}

// missing distinguishes a persisted but no longer live scan, whose state can
// no longer change, from an unknown id.
func (m *Manager) missing(ctx context.Context, id uuid.UUID) error {
	if m.repo == nil {
		return ErrNotFound
	}
	if _, err := m.repo.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidState
}
