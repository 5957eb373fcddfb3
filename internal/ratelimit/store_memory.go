package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore is an in-process CounterStore for tests and single-node
// deployments. The window resets atomically under the store lock on expiry.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*memoryCounter
	now     func() time.Time
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		entries: make(map[string]*memoryCounter),
		now:     time.Now,
	}
}

// SetClock overrides the store clock. Tests only.
func (s *MemoryCounterStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Incr implements CounterStore.
func (s *MemoryCounterStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ent, ok := s.entries[key]
	if !ok || !now.Before(ent.expiresAt) {
		ent = &memoryCounter{expiresAt: now.Add(window)}
		s.entries[key] = ent
	}
	ent.count++

	return ent.count, ent.expiresAt.Sub(now), nil
}
