package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dastor/internal/domain"
	"dastor/internal/ports"
)

const logTimeLayout = "2006-01-02 15:04:05"

// tracked is one engine run the scan is waiting on.
type tracked struct {
	engine ports.Engine
	ref    ports.Ref
}

// job is the live state of one scan. Every field below mu is guarded by it.
//
// epoch is bumped by abort and by a successful resume. Workflow and monitor
// tasks remember the epoch they were started for and make no change to the
// record once it moved on, so an orphaned poll loop cannot write past
// stopped.
type job struct {
	id     uuid.UUID
	events chan ports.Event
	done   chan struct{} // closed when the scan becomes terminal

	// drained is closed once nobody reads events any more, which releases
	// engines blocked on the sink.
	drained chan struct{}

	saveMu sync.Mutex

	mu          sync.Mutex
	rec         domain.ScanRecord
	active      []tracked
	paused      []tracked
	epoch       uint64
	resuming    bool
	merge       bool // set once a resume continued the scan from stopped
	stopMonitor context.CancelFunc
	changed     chan struct{} // closed and replaced on every status change
}

func newJob(rec domain.ScanRecord, buffer int) *job {
	return &job{
		id:      rec.ID,
		events:  make(chan ports.Event, buffer),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
		rec:     rec,
		changed: make(chan struct{}),
	}
}

func (j *job) snapshot() domain.ScanRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

// snapshotLocked derives the summary from the findings held at this moment,
// so it always matches the histogram of Vulnerabilities.
func (j *job) snapshotLocked() domain.ScanRecord {
	out := j.rec.Clone()
	out.Summary = domain.Summarize(out.Vulnerabilities)
	return out
}

// setStatusLocked moves the record to s. It reports false, changing
// nothing, when the state machine does not allow the step.
func (j *job) setStatusLocked(s domain.ScanStatus, now time.Time) bool {
	if !j.rec.Status.CanTransition(s) {
		return false
	}
	j.rec.Status = s
	j.rec.UpdatedAt = now
	close(j.changed)
	j.changed = make(chan struct{})
	if s.Terminal() {
		close(j.done)
	}
	return true
}

func (j *job) appendLogLocked(now time.Time, msg string) {
	j.rec.Logs = append(j.rec.Logs, fmt.Sprintf("[%s] %s", now.Format(logTimeLayout), msg))
	j.rec.UpdatedAt = now
}

// logf appends a log line on behalf of the task started for epoch. Stale
// tasks and terminal scans leave the record untouched.
func (j *job) logf(epoch uint64, now time.Time, format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.epoch != epoch || j.rec.Status.Terminal() {
		return
	}
	j.appendLogLocked(now, fmt.Sprintf(format, args...))
}

// apply records one realtime event. Events arriving after the scan became
// terminal are dropped: the final finding set is authoritative.
func (j *job) apply(now time.Time, ev ports.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.rec.Status.Terminal() {
		return
	}
	switch ev.Kind {
	case ports.EventLog:
		j.appendLogLocked(now, ev.Message)
	case ports.EventFinding:
		j.rec.Vulnerabilities = append(j.rec.Vulnerabilities, ev.Finding)
		j.rec.UpdatedAt = now
	}
}

// begin moves a freshly created scan to running on behalf of the workflow
// started for epoch and returns the context its poll loop runs under.
func (j *job) begin(ctx context.Context, epoch uint64, now time.Time) (context.Context, context.CancelFunc, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.epoch != epoch || j.rec.Status != domain.StatusStarted {
		return nil, nil, false
	}
	j.setStatusLocked(domain.StatusRunning, now)
	j.appendLogLocked(now, "scan running")
	j.merge = false
	mctx, cancel := context.WithCancel(ctx)
	j.stopMonitor = cancel
	return mctx, cancel, true
}

// attach registers a monitor task resumed for epoch. merge tells it whether
// the findings on the record must be kept alongside the collected ones.
func (j *job) attach(ctx context.Context, epoch uint64) (mctx context.Context, cancel context.CancelFunc, merge, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.epoch != epoch || j.rec.Status.Settled() {
		return nil, nil, false, false
	}
	mctx, cancel = context.WithCancel(ctx)
	j.stopMonitor = cancel
	return mctx, cancel, j.merge, true
}

// detach releases the scan from the task started for epoch while it is
// paused. A later resume starts a new monitor.
func (j *job) detach(epoch uint64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.epoch != epoch || j.rec.Status != domain.StatusPaused {
		return false
	}
	j.stopMonitor = nil
	return true
}

// activate records the engines that started. If the scan was aborted while
// they were starting, the runs are parked in the paused table instead so a
// later resume can pick them up, and false is returned.
func (j *job) activate(epoch uint64, runs []tracked) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.epoch != epoch {
		j.paused = append(j.paused, runs...)
		return false
	}
	j.active = runs
	return true
}

// current reports the status as seen by the task started for epoch; ok is
// false once that task is stale.
func (j *job) current(epoch uint64) (status domain.ScanStatus, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec.Status, j.epoch == epoch
}

func (j *job) activeRuns(epoch uint64) ([]tracked, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.epoch != epoch {
		return nil, false
	}
	return append([]tracked(nil), j.active...), true
}

type finishResult int

const (
	finishDone finishResult = iota
	finishPaused
	finishStale
)

// finish stores the deduplicated result set and completes the scan. With
// merge set the findings already on the record are kept after the collected
// ones, so the engines' final copies win over earlier realtime pushes.
func (j *job) finish(epoch uint64, collected []domain.Finding, merge bool, dedup func([]domain.Finding) []domain.Finding, now time.Time) (finishResult, domain.ScanRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.epoch != epoch {
		return finishStale, domain.ScanRecord{}
	}
	switch j.rec.Status {
	case domain.StatusRunning:
	case domain.StatusPaused:
		return finishPaused, domain.ScanRecord{}
	default:
		return finishStale, domain.ScanRecord{}
	}

	all := collected
	if merge {
		all = append(append([]domain.Finding(nil), collected...), j.rec.Vulnerabilities...)
	}
	j.rec.Vulnerabilities = dedup(all)
	j.active = nil
	j.appendLogLocked(now, fmt.Sprintf("scan completed with %d findings", len(j.rec.Vulnerabilities)))
	j.setStatusLocked(domain.StatusCompleted, now)
	return finishDone, j.snapshotLocked()
}

// fail marks the scan failed unless the task for epoch is stale or the scan
// already settled. It returns the runs that were still active.
func (j *job) fail(epoch uint64, cause error, now time.Time) ([]tracked, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.epoch != epoch || j.rec.Status.Settled() {
		return nil, false
	}
	runs := j.active
	j.active = nil
	j.appendLogLocked(now, "scan failed: "+cause.Error())
	j.setStatusLocked(domain.StatusFailed, now)
	return runs, true
}
