package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLimitNotFound is returned when a client has no quota limit row.
var ErrLimitNotFound = fmt.Errorf("quota limit not found")

// Store is the persistence contract for quota limits, usage and audits.
//
// IncrUsage must be an atomic relative increment at the storage layer, not a
// read-modify-write in the application, so concurrent requests by the same
// client cannot lose updates.
type Store interface {
	GetLimit(ctx context.Context, clientID string) (*QuotaLimit, error)
	CreateLimit(ctx context.Context, limit *QuotaLimit) error
	SetLimit(ctx context.Context, clientID string, monthlyLimit int64) error

	GetUsage(ctx context.Context, clientID, period string) (*UsageRecord, error)
	IncrUsage(ctx context.Context, clientID, period string, units int64) error
	ResetUsage(ctx context.Context, clientID, period string) error

	CreateAudit(ctx context.Context, record *AuditRecord) error
}

// =============================================================================
// In-memory store
// =============================================================================

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	mu     sync.Mutex
	limits map[string]*QuotaLimit
	usage  map[string]*UsageRecord // keyed by clientID + "/" + period
	audits []*AuditRecord
}

// NewMemoryStore creates an empty in-memory quota store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limits: make(map[string]*QuotaLimit),
		usage:  make(map[string]*UsageRecord),
	}
}

// GetLimit returns the client's limit, or ErrLimitNotFound.
func (s *MemoryStore) GetLimit(_ context.Context, clientID string) (*QuotaLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit, ok := s.limits[clientID]
	if !ok {
		return nil, ErrLimitNotFound
	}
	cp := *limit
	return &cp, nil
}

// CreateLimit inserts a new quota limit.
func (s *MemoryStore) CreateLimit(_ context.Context, limit *QuotaLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.limits[limit.ClientID]; ok {
		return fmt.Errorf("quota limit already exists for %s", limit.ClientID)
	}
	cp := *limit
	s.limits[limit.ClientID] = &cp
	return nil
}

// SetLimit updates the client's monthly limit.
func (s *MemoryStore) SetLimit(_ context.Context, clientID string, monthlyLimit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit, ok := s.limits[clientID]
	if !ok {
		return ErrLimitNotFound
	}
	limit.MonthlyLimit = monthlyLimit
	limit.UpdatedAt = time.Now().UTC()
	return nil
}

// GetUsage returns the usage record for the period; a zero record when none exists.
func (s *MemoryStore) GetUsage(_ context.Context, clientID, period string) (*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.usage[clientID+"/"+period]
	if !ok {
		return &UsageRecord{ClientID: clientID, Period: period}, nil
	}
	cp := *rec
	return &cp, nil
}

// IncrUsage atomically adds units to the period's consumed count.
func (s *MemoryStore) IncrUsage(_ context.Context, clientID, period string, units int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := clientID + "/" + period
	rec, ok := s.usage[key]
	if !ok {
		rec = &UsageRecord{ClientID: clientID, Period: period}
		s.usage[key] = rec
	}
	rec.ConsumedUnits += units
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ResetUsage zeroes the period's consumed count.
func (s *MemoryStore) ResetUsage(_ context.Context, clientID, period string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := clientID + "/" + period
	if rec, ok := s.usage[key]; ok {
		rec.ConsumedUnits = 0
		rec.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// CreateAudit appends an audit record.
func (s *MemoryStore) CreateAudit(_ context.Context, record *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	cp := *record
	s.audits = append(s.audits, &cp)
	return nil
}

// Audits returns a copy of the audit log. Tests only.
func (s *MemoryStore) Audits() []*AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*AuditRecord, len(s.audits))
	copy(out, s.audits)
	return out
}
