package polling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PixelForge-AI/generation_service/internal/logging"
	"github.com/PixelForge-AI/generation_service/services/generation"
)

// scriptedClient serves a fixed sequence of responses, then repeats the last.
type scriptedClient struct {
	mu    sync.Mutex
	steps []scriptStep
	calls int
}

type scriptStep struct {
	status *generation.StatusResponse
	err    error
}

func (c *scriptedClient) GetStatus(_ context.Context, jobID string) (*generation.StatusResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	idx := c.calls - 1
	if idx >= len(c.steps) {
		idx = len(c.steps) - 1
	}
	step := c.steps[idx]
	if step.err != nil {
		return nil, step.err
	}
	cp := *step.status
	cp.JobID = jobID
	return &cp, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func processing(progress int) scriptStep {
	return scriptStep{status: &generation.StatusResponse{
		Status: generation.StatusProcessing, Progress: progress, MaxAttempts: 3,
	}}
}

func pendingRetry(attempts int, errMsg string) scriptStep {
	return scriptStep{status: &generation.StatusResponse{
		Status: generation.StatusPending, Attempts: attempts, MaxAttempts: 3, Error: errMsg,
	}}
}

func completed() scriptStep {
	return scriptStep{status: &generation.StatusResponse{
		Status: generation.StatusCompleted, Progress: 100, MaxAttempts: 3,
	}}
}

func failed(attempts int, errMsg string) scriptStep {
	return scriptStep{status: &generation.StatusResponse{
		Status: generation.StatusFailed, Attempts: attempts, MaxAttempts: 3, Error: errMsg,
	}}
}

// recorder counts terminal callbacks.
type recorder struct {
	mu        sync.Mutex
	completes []*generation.StatusResponse
	errors    []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnComplete: func(status *generation.StatusResponse) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes = append(r.completes, status)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, err)
		},
	}
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completes), len(r.errors)
}

type testEnv struct {
	controller *Controller
	client     *scriptedClient
	store      *MemoryStateStore
	rec        *recorder
	visible    bool
}

// newTestEnv builds a controller whose real timer never fires; tests drive
// ticks explicitly through fire.
func newTestEnv(steps []scriptStep, cfg Config) *testEnv {
	env := &testEnv{
		client:  &scriptedClient{steps: steps},
		store:   NewMemoryStateStore(),
		rec:     &recorder{},
		visible: true,
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "session-1"
	}
	env.controller = New(env.client, env.store, VisibilityFunc(func() bool { return env.visible }),
		cfg, env.rec.callbacks(), logging.New("test", "error", "json"))
	return env
}

func (env *testEnv) fire() {
	c := env.controller
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()
	c.tick(epoch)
}

func (env *testEnv) persisted() *PollState {
	state, _ := env.store.Get("pollstate:session-1")
	return state
}

func TestController_CompleteInvokesOnCompleteOnce(t *testing.T) {
	env := newTestEnv([]scriptStep{processing(40), completed()}, Config{})
	env.controller.StartGeneration("job-1")

	if env.persisted() == nil {
		t.Fatal("StartGeneration should persist poll state")
	}

	env.fire()
	snap := env.controller.Snapshot()
	if snap.Status != StatePolling || snap.Progress != 40 {
		t.Fatalf("after first tick: %+v", snap)
	}

	env.fire()
	env.fire() // duplicate tick after terminal is a no-op

	completes, errors := env.rec.counts()
	if completes != 1 {
		t.Errorf("OnComplete calls = %d, want exactly 1", completes)
	}
	if errors != 0 {
		t.Errorf("OnError calls = %d, want 0", errors)
	}

	snap = env.controller.Snapshot()
	if snap.Status != StateCompleted || snap.Progress != 100 {
		t.Errorf("terminal snapshot = %+v", snap)
	}
	if snap.IsGenerating {
		t.Error("IsGenerating should be false after completion")
	}
	if env.persisted() != nil {
		t.Error("persisted state should be cleared on completion")
	}
}

func TestController_RetrySequenceThenFailed(t *testing.T) {
	env := newTestEnv([]scriptStep{
		pendingRetry(1, "transient model error"),
		pendingRetry(2, "transient model error"),
		failed(3, "model backend gave up"),
	}, Config{})
	env.controller.StartGeneration("job-1")

	env.fire()
	snap := env.controller.Snapshot()
	if snap.Status != StateRetrying {
		t.Fatalf("status after first retry report = %s, want retrying", snap.Status)
	}
	if snap.RetryCount != 1 || snap.Err != "transient model error" {
		t.Errorf("retry snapshot = %+v", snap)
	}
	if !snap.IsGenerating {
		t.Error("retrying must still count as generating")
	}

	env.fire()
	if snap = env.controller.Snapshot(); snap.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", snap.RetryCount)
	}

	env.fire()
	completes, errs := env.rec.counts()
	if completes != 0 || errs != 1 {
		t.Fatalf("callbacks = (%d complete, %d error), want (0, 1)", completes, errs)
	}

	failedErr, ok := env.rec.errors[0].(*JobFailedError)
	if !ok {
		t.Fatalf("error type = %T, want *JobFailedError", env.rec.errors[0])
	}
	if failedErr.Reason != "model backend gave up" {
		t.Errorf("reason = %q, want final error", failedErr.Reason)
	}
	if env.controller.Snapshot().Status != StateFailed {
		t.Error("status should be failed, not timeout or retrying")
	}
	if env.persisted() != nil {
		t.Error("persisted state should be cleared on failure")
	}
}

func TestController_InvisibilityPreservesAttemptBudget(t *testing.T) {
	env := newTestEnv([]scriptStep{processing(10)}, Config{})
	env.controller.StartGeneration("job-1")

	env.visible = false
	for i := 0; i < 5; i++ {
		env.fire()
	}
	if env.client.callCount() != 0 {
		t.Fatalf("hidden ticks made %d network calls, want 0", env.client.callCount())
	}
	env.controller.mu.Lock()
	attempts := env.controller.attempts
	env.controller.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("hidden ticks advanced attempts to %d, want 0", attempts)
	}

	env.visible = true
	env.fire()
	if env.client.callCount() != 1 {
		t.Errorf("visible tick calls = %d, want 1", env.client.callCount())
	}
	env.controller.mu.Lock()
	attempts = env.controller.attempts
	env.controller.mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts after resuming visibility = %d, want 1", attempts)
	}
}

func TestController_TimeoutAfterAttemptCeiling(t *testing.T) {
	env := newTestEnv([]scriptStep{processing(10)}, Config{MaxAttempts: 3})
	env.controller.StartGeneration("job-1")

	for i := 0; i < 4; i++ {
		env.fire()
	}

	completes, errs := env.rec.counts()
	if completes != 0 || errs != 1 {
		t.Fatalf("callbacks = (%d, %d), want (0, 1)", completes, errs)
	}
	timeoutErr, ok := env.rec.errors[0].(*TimeoutError)
	if !ok {
		t.Fatalf("error type = %T, want *TimeoutError", env.rec.errors[0])
	}
	if timeoutErr.Attempts != 3 {
		t.Errorf("timeout attempts = %d, want 3", timeoutErr.Attempts)
	}
	if env.controller.Snapshot().Status != StateTimeout {
		t.Error("status should be timeout, distinct from failed")
	}
	if env.persisted() != nil {
		t.Error("persisted state should be cleared on timeout")
	}

	// Further ticks must not fire a second callback.
	env.fire()
	if _, errs = env.rec.counts(); errs != 1 {
		t.Errorf("duplicate tick added callbacks: %d", errs)
	}
}

func TestController_TransientErrorsNeverEscalate(t *testing.T) {
	env := newTestEnv([]scriptStep{
		{err: fmt.Errorf("connection reset")},
		{err: fmt.Errorf("unexpected end of JSON input")},
		completed(),
	}, Config{})
	env.controller.StartGeneration("job-1")

	env.fire()
	env.fire()

	if _, errs := env.rec.counts(); errs != 0 {
		t.Fatal("transient poll errors must not invoke OnError")
	}
	if snap := env.controller.Snapshot(); snap.Status != StatePolling {
		t.Fatalf("status during transient errors = %s, want polling", snap.Status)
	}

	env.fire()
	completes, errs := env.rec.counts()
	if completes != 1 || errs != 0 {
		t.Errorf("callbacks = (%d, %d), want (1, 0)", completes, errs)
	}
}

func TestController_ProgressClampedBeforeTerminal(t *testing.T) {
	env := newTestEnv([]scriptStep{processing(99)}, Config{})
	env.controller.StartGeneration("job-1")

	env.fire()
	if snap := env.controller.Snapshot(); snap.Progress != 95 {
		t.Errorf("progress = %d, want clamped to 95 until terminal", snap.Progress)
	}
}

func TestController_StaleResponseIgnored(t *testing.T) {
	env := newTestEnv([]scriptStep{
		processing(50),
		// Out-of-order response: same server attempts, earlier status.
		{status: &generation.StatusResponse{Status: generation.StatusPending, Progress: 10, MaxAttempts: 3}},
	}, Config{})
	env.controller.StartGeneration("job-1")

	env.fire()
	env.fire()

	snap := env.controller.Snapshot()
	if snap.Progress != 50 {
		t.Errorf("stale response regressed progress to %d, want 50", snap.Progress)
	}
	if snap.Status != StatePolling {
		t.Errorf("status = %s, want polling", snap.Status)
	}
}

func TestController_ResumesFreshState(t *testing.T) {
	store := NewMemoryStateStore()
	store.Put("pollstate:session-1", &PollState{
		JobID:     "job-7",
		SessionID: "session-1",
		StartedAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now().Add(-10 * time.Second),
		Status:    StatePolling,
		Progress:  30,
	})

	rec := &recorder{}
	client := &scriptedClient{steps: []scriptStep{completed()}}
	c := New(client, store, nil, Config{Interval: time.Hour, SessionID: "session-1"},
		rec.callbacks(), logging.New("test", "error", "json"))

	snap := c.Snapshot()
	if !snap.IsGenerating || snap.CurrentJobID != "job-7" {
		t.Fatalf("controller did not resume: %+v", snap)
	}
	if snap.Progress != 30 {
		t.Errorf("resumed progress = %d, want 30", snap.Progress)
	}

	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()
	c.tick(epoch)

	if completes, _ := rec.counts(); completes != 1 {
		t.Errorf("resumed poll did not reach completion: %d", completes)
	}
}

func TestController_DiscardsStaleOrTerminalState(t *testing.T) {
	store := NewMemoryStateStore()
	store.Put("pollstate:session-1", &PollState{
		JobID:     "job-7",
		SessionID: "session-1",
		StartedAt: time.Now().Add(-2 * time.Hour),
		UpdatedAt: time.Now().Add(-time.Hour),
		Status:    StatePolling,
	})

	c := New(&scriptedClient{steps: []scriptStep{processing(0)}}, store, nil,
		Config{Interval: time.Hour, SessionID: "session-1", Freshness: 10 * time.Minute},
		Callbacks{}, logging.New("test", "error", "json"))

	if snap := c.Snapshot(); snap.IsGenerating {
		t.Error("stale persisted state must not resume")
	}
	if state, _ := store.Get("pollstate:session-1"); state != nil {
		t.Error("stale persisted state should be deleted")
	}
}

func TestController_CancelResetsEverything(t *testing.T) {
	env := newTestEnv([]scriptStep{processing(60)}, Config{})
	env.controller.StartGeneration("job-1")
	env.fire()

	env.controller.CancelGeneration()

	snap := env.controller.Snapshot()
	if snap.Status != StateIdle || snap.IsGenerating || snap.CurrentJobID != "" || snap.Progress != 0 {
		t.Errorf("snapshot after cancel = %+v", snap)
	}
	if env.persisted() != nil {
		t.Error("cancel should clear persisted state")
	}

	// A tick from the cancelled epoch is inert.
	env.fire()
	if completes, errs := env.rec.counts(); completes != 0 || errs != 0 {
		t.Error("cancelled controller fired callbacks")
	}
}

func TestController_PersistsEveryTick(t *testing.T) {
	env := newTestEnv([]scriptStep{processing(20), processing(45)}, Config{})
	env.controller.StartGeneration("job-1")

	env.fire()
	state := env.persisted()
	if state == nil || state.Progress != 20 {
		t.Fatalf("state after tick 1 = %+v", state)
	}

	env.fire()
	state = env.persisted()
	if state == nil || state.Progress != 45 {
		t.Errorf("state after tick 2 = %+v", state)
	}
	if state.JobID != "job-1" || state.SessionID != "session-1" {
		t.Errorf("state identity = %+v", state)
	}
}
