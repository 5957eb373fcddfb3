package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PixelForge-AI/generation_service/internal/logging"
	"github.com/PixelForge-AI/generation_service/internal/metrics"
)

// Service owns the generation job queue: request handlers enqueue and read
// jobs through it, and the worker reports progress and completion through it.
// It is constructed explicitly by the composition root.
type Service struct {
	store       Store
	maxAttempts int
	logger      *logging.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewService creates a job queue service. m may be nil.
func NewService(store Store, maxAttempts int, logger *logging.Logger, m *metrics.Metrics) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = logging.Default("generation")
	}
	return &Service{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Enqueue creates a durable pending job with attempts=0 and pre-computed
// output identifiers, one per requested artifact, so callers can bind UI
// placeholders before completion.
func (s *Service) Enqueue(ctx context.Context, req *GenerationRequest, opts EnqueueOptions) (*EnqueueResult, error) {
	if req == nil || req.Prompt == "" {
		return nil, fmt.Errorf("generation request requires a prompt")
	}

	count := req.Count
	if count <= 0 {
		count = 1
	}
	outputIDs := make([]string, count)
	for i := range outputIDs {
		outputIDs[i] = uuid.NewString()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	jobType := req.Type
	if jobType == "" {
		jobType = "image"
	}

	job := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		GroupID:     opts.GroupID,
		Priority:    opts.Priority,
		Payload:     payload,
		OutputIDs:   outputIDs,
		Status:      StatusPending,
		Attempts:    0,
		MaxAttempts: s.maxAttempts,
		Progress:    0,
		CreatedAt:   s.now().UTC(),
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordJobEnqueued()
	}
	s.logger.Info("job enqueued", "job_id", job.ID, "type", job.Type, "outputs", count)

	return &EnqueueResult{JobID: job.ID, ExpectedOutputIDs: outputIDs}, nil
}

// Get returns the job, or ErrJobNotFound.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.store.Get(ctx, jobID)
}

// GetPendingJobs returns up to limit pending jobs for pull-based pickup.
func (s *Service) GetPendingJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.ListPending(ctx, limit)
}

// =============================================================================
// Worker-side mutators
// =============================================================================

// StartJob claims a pending job for processing. Attempts are preserved so a
// retried job keeps its count.
func (s *Service) StartJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.store.Claim(ctx, jobID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Debug("job started", "job_id", jobID, "attempt", job.Attempts)
	return job, nil
}

// UpdateProgress records progress for a processing job. Progress is clamped
// to [0,100] and never decreases; a stale lower report is ignored.
func (s *Service) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusProcessing {
		return fmt.Errorf("job %s is %s, not processing", jobID, job.Status)
	}

	if progress > 100 {
		progress = 100
	}
	if progress <= job.Progress {
		return nil
	}

	job.Progress = progress
	return s.store.Update(ctx, job)
}

// CompleteJob transitions a processing job to completed with its result.
// Progress is clamped to 100.
func (s *Service) CompleteJob(ctx context.Context, jobID string, result json.RawMessage) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusProcessing {
		return fmt.Errorf("job %s is %s, not processing", jobID, job.Status)
	}

	now := s.now().UTC()
	job.Status = StatusCompleted
	job.Progress = 100
	job.Result = result
	job.Error = ""
	job.CompletedAt = &now

	if err := s.store.Update(ctx, job); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordJobCompleted()
	}
	s.logger.Info("job completed", "job_id", jobID)
	return nil
}

// FailJob records a worker failure. While attempt budget remains the job
// returns to pending with attempts incremented and the error retained; the
// final failure is terminal and keeps the last progress value.
func (s *Service) FailJob(ctx context.Context, jobID string, jobErr string) error {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusProcessing {
		return fmt.Errorf("job %s is %s, not processing", jobID, job.Status)
	}

	job.Attempts++
	job.Error = jobErr

	if job.Attempts < job.MaxAttempts {
		job.Status = StatusPending
		job.StartedAt = nil
		if err := s.store.Update(ctx, job); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.RecordJobRetried()
		}
		s.logger.Warn("job retry scheduled",
			"job_id", jobID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts, "err", jobErr)
		return nil
	}

	now := s.now().UTC()
	job.Status = StatusFailed
	job.CompletedAt = &now

	if err := s.store.Update(ctx, job); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordJobFailed()
	}
	s.logger.Error("job failed", "job_id", jobID, "attempts", job.Attempts, "err", jobErr)
	return nil
}

// LogStaleProcessing logs processing jobs older than threshold. Clients infer
// timeouts themselves; the server only surfaces stale work for operators.
func (s *Service) LogStaleProcessing(ctx context.Context, threshold time.Duration) {
	stale, err := s.store.ListStaleProcessing(ctx, s.now().UTC().Add(-threshold))
	if err != nil {
		s.logger.Warn("stale job sweep failed", "err", err)
		return
	}
	for _, job := range stale {
		s.logger.Warn("job processing past threshold",
			"job_id", job.ID, "started_at", job.StartedAt, "threshold", threshold.String())
	}
}
