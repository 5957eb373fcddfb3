package generation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store errors.
var (
	ErrJobNotFound  = fmt.Errorf("job not found")
	ErrNotClaimable = fmt.Errorf("job is not pending")
)

// Store is the persistence contract for job records. Claim must be a
// conditional pending→processing transition so two workers cannot both take
// the same job.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	Claim(ctx context.Context, id string, startedAt time.Time) (*Job, error)
	ListPending(ctx context.Context, limit int) ([]*Job, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*Job, error)
}

// =============================================================================
// In-memory store
// =============================================================================

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Create inserts a new job record.
func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	cp := cloneJob(job)
	s.jobs[job.ID] = cp
	return nil
}

// Get returns the job, or ErrJobNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// Update overwrites the job record.
func (s *MemoryStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// Claim transitions the job from pending to processing atomically.
func (s *MemoryStore) Claim(_ context.Context, id string, startedAt time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status != StatusPending {
		return nil, ErrNotClaimable
	}
	job.Status = StatusProcessing
	started := startedAt
	job.StartedAt = &started
	return cloneJob(job), nil
}

// ListPending returns up to limit pending jobs ordered by priority descending
// then creation time ascending.
func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Job
	for _, job := range s.jobs {
		if job.Status == StatusPending {
			pending = append(pending, cloneJob(job))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// ListStaleProcessing returns processing jobs whose work started before olderThan.
func (s *MemoryStore) ListStaleProcessing(_ context.Context, olderThan time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*Job
	for _, job := range s.jobs {
		if job.Status == StatusProcessing && job.StartedAt != nil && job.StartedAt.Before(olderThan) {
			stale = append(stale, cloneJob(job))
		}
	}
	return stale, nil
}

func cloneJob(job *Job) *Job {
	cp := *job
	if job.OutputIDs != nil {
		cp.OutputIDs = append([]string(nil), job.OutputIDs...)
	}
	if job.Payload != nil {
		cp.Payload = append([]byte(nil), job.Payload...)
	}
	if job.Result != nil {
		cp.Result = append([]byte(nil), job.Result...)
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		cp.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
