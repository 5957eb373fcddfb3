package polling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PixelForge-AI/generation_service/internal/logging"
	"github.com/PixelForge-AI/generation_service/services/generation"
)

const progressCeiling = 95

// Visibility reports whether the host is foregrounded. Ticks while hidden
// skip the network call and do not spend attempt budget.
type Visibility interface {
	Visible() bool
}

// VisibilityFunc adapts a function to the Visibility interface.
type VisibilityFunc func() bool

// Visible implements Visibility.
func (f VisibilityFunc) Visible() bool { return f() }

// Config holds controller settings.
type Config struct {
	// Interval is the fixed delay between poll ticks.
	Interval time.Duration
	// MaxAttempts is the tick ceiling before the controller gives up.
	MaxAttempts int
	// Freshness bounds how old persisted state may be and still resume.
	Freshness time.Duration
	// SessionID scopes persisted state; hosts reuse it across restarts.
	SessionID string
}

// Callbacks receive the single terminal outcome of a tracked job.
type Callbacks struct {
	OnComplete func(status *generation.StatusResponse)
	OnError    func(err error)
}

// TimeoutError is the client-inferred outcome when the attempt ceiling is
// exhausted. It is never a server-side state.
type TimeoutError struct {
	JobID    string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s: gave up after %d poll attempts", e.JobID, e.Attempts)
}

// JobFailedError is a terminal worker-reported failure.
type JobFailedError struct {
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Reason)
}

// Snapshot is the controller's observable state for UI binding.
type Snapshot struct {
	IsGenerating bool
	Status       State
	Progress     int
	CurrentJobID string
	Err          string
	RetryCount   int
}

// Controller polls a job until a terminal outcome, persisting resumable
// state on every transition and invoking exactly one terminal callback. All
// scheduling is cooperative: one timer, at most one in-flight request, and
// the next tick is armed only after the previous request settles.
type Controller struct {
	mu sync.Mutex

	client     StatusClient
	store      StateStore
	visibility Visibility
	callbacks  Callbacks
	logger     *logging.Logger

	interval    time.Duration
	maxAttempts int
	freshness   time.Duration
	sessionID   string

	now      func() time.Time
	schedule func(d time.Duration, f func()) (stop func())

	state        State
	jobID        string
	startedAt    time.Time
	progress     int
	retryCount   int
	errMsg       string
	attempts     int
	lastApplied  appliedMark
	stopTimer    func()
	cancelReq    context.CancelFunc
	inflight     bool
	terminalDone bool
	epoch        uint64
}

// appliedMark orders observed statuses: server attempts first, then status
// rank, so an out-of-order transport response never regresses the UI.
type appliedMark struct {
	attempts int
	rank     int
}

func statusRank(s generation.Status) int {
	switch s {
	case generation.StatusPending:
		return 0
	case generation.StatusProcessing:
		return 1
	default:
		return 2
	}
}

// New creates a controller. If persisted state for the session exists, is
// fresh and non-terminal, polling resumes immediately against the persisted
// job without a new StartGeneration call. vis may be nil (always visible).
func New(client StatusClient, store StateStore, vis Visibility, cfg Config, callbacks Callbacks, logger *logging.Logger) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 120
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = 10 * time.Minute
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if vis == nil {
		vis = VisibilityFunc(func() bool { return true })
	}
	if logger == nil {
		logger = logging.Default("polling")
	}

	c := &Controller{
		client:      client,
		store:       store,
		visibility:  vis,
		callbacks:   callbacks,
		logger:      logger,
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		freshness:   cfg.Freshness,
		sessionID:   cfg.SessionID,
		now:         time.Now,
		state:       StateIdle,
	}
	c.schedule = func(d time.Duration, f func()) func() {
		t := time.AfterFunc(d, f)
		return func() { t.Stop() }
	}

	c.resume()
	return c
}

func (c *Controller) stateKey() string {
	return "pollstate:" + c.sessionID
}

// resume restores a fresh, non-terminal persisted session.
func (c *Controller) resume() {
	persisted, err := c.store.Get(c.stateKey())
	if err != nil {
		c.logger.Warn("read persisted poll state failed", "err", err)
		return
	}
	if persisted == nil {
		return
	}

	updatedAt := persisted.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = persisted.StartedAt
	}
	if persisted.Status.Terminal() || c.now().Sub(updatedAt) > c.freshness {
		if err := c.store.Delete(c.stateKey()); err != nil {
			c.logger.Warn("clear stale poll state failed", "err", err)
		}
		return
	}

	c.mu.Lock()
	c.jobID = persisted.JobID
	c.startedAt = persisted.StartedAt
	c.progress = persisted.Progress
	c.retryCount = persisted.RetryCount
	c.state = StatePolling
	c.attempts = 0
	c.lastApplied = appliedMark{}
	c.armLocked(c.interval)
	c.mu.Unlock()

	c.logger.Info("resumed polling", "job_id", persisted.JobID, "progress", persisted.Progress)
}

// StartGeneration begins tracking jobID. Any previously tracked job is
// cancelled without callbacks.
func (c *Controller) StartGeneration(jobID string) {
	c.mu.Lock()
	c.resetLocked()

	c.jobID = jobID
	c.startedAt = c.now()
	c.state = StatePolling
	c.progress = 0
	c.retryCount = 0
	c.errMsg = ""
	c.attempts = 0
	c.terminalDone = false
	c.lastApplied = appliedMark{}

	c.persistLocked()
	c.armLocked(c.interval)
	c.mu.Unlock()
}

// CancelGeneration stops the timer, aborts any in-flight request, clears
// persisted state and resets observable fields. The server is not notified.
func (c *Controller) CancelGeneration() {
	c.mu.Lock()
	c.resetLocked()
	c.state = StateIdle
	c.jobID = ""
	c.progress = 0
	c.retryCount = 0
	c.errMsg = ""
	c.attempts = 0
	c.terminalDone = false
	c.mu.Unlock()

	if err := c.store.Delete(c.stateKey()); err != nil {
		c.logger.Warn("clear poll state failed", "err", err)
	}
}

// resetLocked invalidates outstanding timers and requests.
func (c *Controller) resetLocked() {
	c.epoch++
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	if c.cancelReq != nil {
		c.cancelReq()
		c.cancelReq = nil
	}
	c.inflight = false
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		IsGenerating: c.state == StatePolling || c.state == StateRetrying,
		Status:       c.state,
		Progress:     c.progress,
		CurrentJobID: c.jobID,
		Err:          c.errMsg,
		RetryCount:   c.retryCount,
	}
}

func (c *Controller) armLocked(d time.Duration) {
	epoch := c.epoch
	c.stopTimer = c.schedule(d, func() { c.tick(epoch) })
}

// tick runs one poll cycle. A tick from a cancelled epoch is a no-op.
func (c *Controller) tick(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || (c.state != StatePolling && c.state != StateRetrying) {
		c.mu.Unlock()
		return
	}
	if c.inflight {
		c.mu.Unlock()
		return
	}

	// Backgrounded hosts skip the network call without spending attempt
	// budget; the loop resumes checking at the next interval.
	if !c.visibility.Visible() {
		c.armLocked(c.interval)
		c.mu.Unlock()
		return
	}

	c.attempts++
	if c.attempts > c.maxAttempts {
		c.timeoutLocked()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReq = cancel
	c.inflight = true
	jobID := c.jobID
	c.mu.Unlock()

	status, err := c.client.GetStatus(ctx, jobID)
	cancel()

	c.mu.Lock()
	c.inflight = false
	c.cancelReq = nil
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}

	if err != nil {
		// Transport or parse failure: never a server-reported outcome.
		c.logger.Debug("transient poll error", "job_id", jobID, "err", err)
		c.persistLocked()
		c.armLocked(c.interval)
		c.mu.Unlock()
		return
	}

	c.applyLocked(status)
}

// timeoutLocked transitions to timeout and fires OnError once. Caller holds
// the lock; it is released here.
func (c *Controller) timeoutLocked() {
	c.state = StateTimeout
	c.errMsg = "timeout"
	err := &TimeoutError{JobID: c.jobID, Attempts: c.attempts - 1}
	fire := c.takeTerminalLocked()
	c.mu.Unlock()

	if delErr := c.store.Delete(c.stateKey()); delErr != nil {
		c.logger.Warn("clear poll state failed", "err", delErr)
	}
	c.logger.Warn("polling timed out", "job_id", err.JobID, "attempts", err.Attempts)

	if fire && c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}

// applyLocked folds a server status into the controller. Caller holds the
// lock; it is released here.
func (c *Controller) applyLocked(status *generation.StatusResponse) {
	mark := appliedMark{attempts: status.Attempts, rank: statusRank(status.Status)}
	if mark.attempts < c.lastApplied.attempts ||
		(mark.attempts == c.lastApplied.attempts && mark.rank < c.lastApplied.rank) {
		// Out-of-order response older than the last applied state.
		c.armLocked(c.interval)
		c.mu.Unlock()
		return
	}
	c.lastApplied = mark

	switch {
	case status.Status == generation.StatusCompleted:
		c.state = StateCompleted
		c.progress = 100
		fire := c.takeTerminalLocked()
		c.mu.Unlock()

		if err := c.store.Delete(c.stateKey()); err != nil {
			c.logger.Warn("clear poll state failed", "err", err)
		}
		if fire && c.callbacks.OnComplete != nil {
			c.callbacks.OnComplete(status)
		}

	case status.Status == generation.StatusFailed:
		c.state = StateFailed
		c.errMsg = status.Error
		err := &JobFailedError{JobID: status.JobID, Reason: status.Error}
		fire := c.takeTerminalLocked()
		c.mu.Unlock()

		if delErr := c.store.Delete(c.stateKey()); delErr != nil {
			c.logger.Warn("clear poll state failed", "err", delErr)
		}
		if fire && c.callbacks.OnError != nil {
			c.callbacks.OnError(err)
		}

	case status.Status == generation.StatusPending && status.Error != "" &&
		status.Attempts > 0 && status.Attempts < status.MaxAttempts:
		// Server-side retry in flight: distinct from both failed and timeout.
		c.state = StateRetrying
		c.retryCount = status.Attempts
		c.errMsg = status.Error
		c.progress = status.Progress
		c.persistLocked()
		c.armLocked(c.interval)
		c.mu.Unlock()

	default:
		c.state = StatePolling
		progress := status.Progress
		if progress > progressCeiling {
			progress = progressCeiling
		}
		if progress > c.progress {
			c.progress = progress
		}
		c.persistLocked()
		c.armLocked(c.interval)
		c.mu.Unlock()
	}
}

// takeTerminalLocked reports whether the terminal callback may fire, at most
// once per tracked job even against a still-in-flight duplicate tick.
func (c *Controller) takeTerminalLocked() bool {
	if c.terminalDone {
		return false
	}
	c.terminalDone = true
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	return true
}

func (c *Controller) persistLocked() {
	state := &PollState{
		JobID:      c.jobID,
		SessionID:  c.sessionID,
		StartedAt:  c.startedAt,
		UpdatedAt:  c.now(),
		Status:     c.state,
		Progress:   c.progress,
		RetryCount: c.retryCount,
	}
	if err := c.store.Put(c.stateKey(), state); err != nil {
		c.logger.Warn("persist poll state failed", "err", err)
	}
}
