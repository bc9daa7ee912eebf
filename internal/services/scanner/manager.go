// Package scanner is the scan manager: it fans a target out to every
// configured engine, watches the runs, normalizes what they report and
// exposes abort, pause and resume on the live scan.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"

	"dastor/internal/domain"
	"dastor/internal/metrics"
	"dastor/internal/ports"
	"dastor/internal/telemetry"
	"dastor/internal/workers/scanrunner"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultEventBuffer  = 64
	saveTimeout         = 5 * time.Second
	stopTimeout         = 30 * time.Second
	listLimit           = 100
)

// Options tunes a Manager. Zero values pick defaults.
type Options struct {
	PollInterval  time.Duration
	MaxConcurrent int
	EventBuffer   int
	Logger        *slog.Logger
	Metrics       *metrics.Collector
	Now           func() time.Time
}

// Manager owns every live scan. All methods are safe for concurrent use.
type Manager struct {
	engines     []ports.Engine
	repo        ports.ScanRepository
	pool        *scanrunner.Pool
	metrics     *metrics.Collector
	log         *slog.Logger
	tracer      trace.Tracer
	interval    time.Duration
	eventBuffer int
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[uuid.UUID]*job
}

var _ ports.Scanner = (*Manager)(nil)

// New returns a manager scanning with engines. repo may be nil, in which
// case scans live only in memory.
func New(engines []ports.Engine, repo ports.ScanRepository, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	log := opts.Logger.With(slog.String("component", "scanner"))
	return &Manager{
		engines:     engines,
		repo:        repo,
		pool:        scanrunner.New(opts.MaxConcurrent, log),
		metrics:     opts.Metrics,
		log:         log,
		tracer:      telemetry.Tracer(),
		interval:    opts.PollInterval,
		eventBuffer: opts.EventBuffer,
		now:         opts.Now,
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(map[uuid.UUID]*job),
	}
}

// Submit registers a scan of target and schedules its workflow. It returns
// as soon as the scan is recorded; engines are contacted in the background.
func (m *Manager) Submit(ctx context.Context, target string) (uuid.UUID, error) {
	u, err := url.Parse(target)
	if err != nil {
		return uuid.Nil, err
	}
	if m.ctx.Err() != nil {
		return uuid.Nil, errors.New("scanner: manager is shut down")
	}

	now := m.now()
	id := uuid.New()
	j := newJob(domain.ScanRecord{
		ID:        id,
		Status:    domain.StatusStarted,
		Target:    target,
		Domain:    registrableDomain(u.Hostname()),
		CreatedAt: now,
		UpdatedAt: now,
	}, m.eventBuffer)
	j.appendLogLocked(now, "scan created for "+target)

	m.mu.Lock()
	m.jobs[id] = j
	m.mu.Unlock()

	m.metrics.ScanCreated()
	m.persist(j)
	m.log.Info("scan submitted", slog.String("scan_id", id.String()), slog.String("target", target))

	m.pool.Go(func() { m.drain(j) })
	m.pool.Submit(m.ctx, "workflow "+id.String(), func(ctx context.Context) error {
		m.runWorkflow(ctx, j, 0)
		return nil
	}, func(err error) { m.interrupted(j, 0, err) })
	return id, nil
}

func registrableDomain(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return registrable
}

// Get returns a snapshot of the scan, falling back to the repository for
// scans that are no longer live.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (domain.ScanRecord, error) {
	if j, ok := m.job(id); ok {
		return j.snapshot(), nil
	}
	if m.repo == nil {
		return domain.ScanRecord{}, ErrNotFound
	}
	rec, err := m.repo.Get(ctx, id)
	if err != nil {
		return domain.ScanRecord{}, err
	}
	return rec, nil
}

// List returns live scans and recently persisted ones, newest first.
func (m *Manager) List(ctx context.Context) ([]domain.ScanRecord, error) {
	m.mu.RLock()
	live := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		live = append(live, j)
	}
	m.mu.RUnlock()

	seen := make(map[uuid.UUID]bool, len(live))
	out := make([]domain.ScanRecord, 0, len(live))
	for _, j := range live {
		rec := j.snapshot()
		seen[rec.ID] = true
		out = append(out, rec)
	}
	if m.repo != nil {
		stored, err := m.repo.List(ctx, listLimit)
		if err != nil {
			return nil, err
		}
		for _, rec := range stored {
			if !seen[rec.ID] {
				out = append(out, rec)
			}
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

// Await blocks until the scan is completed, failed or stopped, or ctx ends.
// On ctx expiry the latest snapshot is returned along with ctx.Err().
func (m *Manager) Await(ctx context.Context, id uuid.UUID) (domain.ScanRecord, error) {
	j, ok := m.job(id)
	if !ok {
		return m.Get(ctx, id)
	}
	for {
		j.mu.Lock()
		rec := j.snapshotLocked()
		changed := j.changed
		j.mu.Unlock()
		if rec.Status.Settled() {
			return rec, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return rec, ctx.Err()
		}
	}
}

// Close stops scheduling, fails running and queued workflows with "scan
// interrupted" and waits for every background task to return or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	return m.pool.Wait(ctx)
}

func (m *Manager) job(id uuid.UUID) (*job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok
}

// drain applies realtime engine events to the scan until it is terminal.
func (m *Manager) drain(j *job) {
	defer close(j.drained)
	for {
		select {
		case ev := <-j.events:
			j.apply(m.now(), ev)
		case <-j.done:
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// persist writes the current snapshot. Failures are logged and otherwise
// ignored; the live record stays authoritative.
func (m *Manager) persist(j *job) {
	if m.repo == nil {
		return
	}
	j.saveMu.Lock()
	defer j.saveMu.Unlock()
	rec := j.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := m.repo.Save(ctx, rec); err != nil {
		m.log.Warn("persist scan failed", slog.String("scan_id", rec.ID.String()), slog.String("error", err.Error()))
	}
}

// engineError reports a failed engine call. It reaches the scan's log only
// while epoch is current.
func (m *Manager) engineError(j *job, epoch uint64, e ports.Engine, op string, err error) {
	m.metrics.EngineError(e.Name(), op)
	m.log.Warn("engine call failed",
		slog.String("scan_id", j.id.String()),
		slog.String("engine", e.Name()),
		slog.String("op", op),
		slog.String("error", err.Error()))
	j.logf(epoch, m.now(), "%s: %s failed: %v", e.Name(), op, err)
}
