package generation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/PixelForge-AI/generation_service/internal/logging"
)

func newTestService(maxAttempts int) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store, maxAttempts, logging.New("test", "error", "json"), nil)
	return svc, store
}

func enqueueOne(t *testing.T, svc *Service, count int) *EnqueueResult {
	t.Helper()
	result, err := svc.Enqueue(context.Background(), &GenerationRequest{
		Prompt: "a lighthouse at dusk",
		Type:   "image",
		Count:  count,
	}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return result
}

func TestEnqueue_ImmediateGet(t *testing.T) {
	svc, _ := newTestService(3)
	result := enqueueOne(t, svc, 2)

	if result.JobID == "" {
		t.Fatal("enqueue returned empty job ID")
	}
	if len(result.ExpectedOutputIDs) != 2 {
		t.Fatalf("output IDs = %d, want 2", len(result.ExpectedOutputIDs))
	}

	job, err := svc.Get(context.Background(), result.JobID)
	if err != nil {
		t.Fatalf("Get immediately after Enqueue: %v", err)
	}
	if job.Status != StatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", job.Attempts)
	}
	if job.Progress != 0 {
		t.Errorf("progress = %d, want 0", job.Progress)
	}
	if len(job.OutputIDs) != 2 {
		t.Errorf("stored output IDs = %d, want 2", len(job.OutputIDs))
	}
}

func TestGet_Unknown(t *testing.T) {
	svc, _ := newTestService(3)
	if _, err := svc.Get(context.Background(), "nope"); err != ErrJobNotFound {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestLifecycle_Complete(t *testing.T) {
	svc, _ := newTestService(3)
	ctx := context.Background()
	result := enqueueOne(t, svc, 1)

	job, err := svc.StartJob(ctx, result.JobID)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if job.Status != StatusProcessing {
		t.Fatalf("status after start = %s, want processing", job.Status)
	}
	if job.StartedAt == nil {
		t.Fatal("StartedAt not set")
	}

	if err := svc.UpdateProgress(ctx, result.JobID, 40); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	// A stale lower report is ignored, not an error.
	if err := svc.UpdateProgress(ctx, result.JobID, 20); err != nil {
		t.Fatalf("UpdateProgress regression: %v", err)
	}
	job, _ = svc.Get(ctx, result.JobID)
	if job.Progress != 40 {
		t.Errorf("progress = %d, want 40 (non-decreasing)", job.Progress)
	}

	payload := json.RawMessage(`{"output_ids":["a"]}`)
	if err := svc.CompleteJob(ctx, result.JobID, payload); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	job, _ = svc.Get(ctx, result.JobID)
	if job.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("progress = %d, want 100", job.Progress)
	}
	if job.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal status")
	}
}

func TestLifecycle_RetryThenFail(t *testing.T) {
	svc, _ := newTestService(3)
	ctx := context.Background()
	result := enqueueOne(t, svc, 1)

	// Attempt 1 and 2 reschedule; attempt 3 exhausts the budget.
	for attempt := 1; attempt <= 3; attempt++ {
		if _, err := svc.StartJob(ctx, result.JobID); err != nil {
			t.Fatalf("StartJob attempt %d: %v", attempt, err)
		}
		if err := svc.UpdateProgress(ctx, result.JobID, attempt*10); err != nil {
			t.Fatalf("UpdateProgress attempt %d: %v", attempt, err)
		}
		if err := svc.FailJob(ctx, result.JobID, "model backend unavailable"); err != nil {
			t.Fatalf("FailJob attempt %d: %v", attempt, err)
		}

		job, _ := svc.Get(ctx, result.JobID)
		if attempt < 3 {
			if job.Status != StatusPending {
				t.Fatalf("attempt %d status = %s, want pending retry", attempt, job.Status)
			}
			if job.Attempts != attempt {
				t.Errorf("attempt %d attempts = %d", attempt, job.Attempts)
			}
			if !job.Retrying() {
				t.Errorf("attempt %d should be observable as retrying", attempt)
			}
		} else {
			if job.Status != StatusFailed {
				t.Fatalf("final status = %s, want failed", job.Status)
			}
			if job.Error != "model backend unavailable" {
				t.Errorf("final error = %q", job.Error)
			}
			if job.Progress != 30 {
				t.Errorf("failed job progress = %d, want last value 30", job.Progress)
			}
			if job.CompletedAt == nil {
				t.Error("CompletedAt not set on failure")
			}
		}
	}
}

func TestStartJob_OnlyClaimsPending(t *testing.T) {
	svc, _ := newTestService(3)
	ctx := context.Background()
	result := enqueueOne(t, svc, 1)

	if _, err := svc.StartJob(ctx, result.JobID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := svc.StartJob(ctx, result.JobID); err != ErrNotClaimable {
		t.Errorf("second claim err = %v, want ErrNotClaimable", err)
	}
}

func TestCompleteJob_RequiresProcessing(t *testing.T) {
	svc, _ := newTestService(3)
	ctx := context.Background()
	result := enqueueOne(t, svc, 1)

	if err := svc.CompleteJob(ctx, result.JobID, nil); err == nil {
		t.Error("completing a pending job should error")
	}
}

func TestGetPendingJobs_PriorityOrder(t *testing.T) {
	svc, _ := newTestService(3)
	ctx := context.Background()

	low, err := svc.Enqueue(ctx, &GenerationRequest{Prompt: "low"}, EnqueueOptions{Priority: 0})
	if err != nil {
		t.Fatal(err)
	}
	high, err := svc.Enqueue(ctx, &GenerationRequest{Prompt: "high"}, EnqueueOptions{Priority: 5})
	if err != nil {
		t.Fatal(err)
	}

	pending, err := svc.GetPendingJobs(ctx, 10)
	if err != nil {
		t.Fatalf("GetPendingJobs: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != high.JobID || pending[1].ID != low.JobID {
		t.Error("pending jobs not ordered by priority desc")
	}
}

func TestStatusResponse_WireShape(t *testing.T) {
	svc, _ := newTestService(3)
	result := enqueueOne(t, svc, 1)

	job, _ := svc.Get(context.Background(), result.JobID)
	resp := job.StatusResponse()

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var wire map[string]interface{}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"jobId", "status", "progress", "createdAt", "outputIds"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("wire document missing %q", key)
		}
	}
	if _, ok := wire["completedAt"]; ok {
		t.Error("completedAt should be omitted before terminal status")
	}
}

func TestMemoryStore_ListStaleProcessing(t *testing.T) {
	svc, store := newTestService(3)
	ctx := context.Background()
	result := enqueueOne(t, svc, 1)

	if _, err := svc.StartJob(ctx, result.JobID); err != nil {
		t.Fatal(err)
	}

	stale, err := store.ListStaleProcessing(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Errorf("stale = %d, want 1", len(stale))
	}

	none, err := store.ListStaleProcessing(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("stale before start = %d, want 0", len(none))
	}
}
