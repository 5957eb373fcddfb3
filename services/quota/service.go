package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/PixelForge-AI/generation_service/internal/logging"
	"github.com/PixelForge-AI/generation_service/internal/metrics"
)

// Service enforces credit quotas ahead of billable work. It is constructed
// explicitly by the composition root; there is no shared global instance.
type Service struct {
	store        Store
	defaultLimit int64
	logger       *logging.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewService creates a quota service. m may be nil.
func NewService(store Store, defaultLimit int64, logger *logging.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logging.Default("quota")
	}
	return &Service{
		store:        store,
		defaultLimit: defaultLimit,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// CheckQuota reports whether the client may consume requestedUnits this
// period. A non-nil Denial means the request must be rejected; the check
// never mutates usage state. A missing limit row is lazily created with the
// default allotment.
func (s *Service) CheckQuota(ctx context.Context, clientID string, requestedUnits int64) (*Denial, error) {
	if requestedUnits <= 0 {
		return nil, fmt.Errorf("requested units must be positive")
	}

	limit, err := s.getOrCreateLimit(ctx, clientID)
	if err != nil {
		return nil, err
	}

	period := PeriodFor(s.now())
	usage, err := s.store.GetUsage(ctx, clientID, period)
	if err != nil {
		return nil, fmt.Errorf("fetch usage: %w", err)
	}

	if usage.ConsumedUnits+requestedUnits > limit.MonthlyLimit {
		if s.metrics != nil {
			s.metrics.RecordQuotaDenial()
		}
		s.logger.Info("quota denied",
			"client_id", clientID,
			"used", usage.ConsumedUnits,
			"requested", requestedUnits,
			"limit", limit.MonthlyLimit)

		remaining := limit.MonthlyLimit - usage.ConsumedUnits
		if remaining < 0 {
			remaining = 0
		}
		return &Denial{
			ClientID:  clientID,
			Used:      usage.ConsumedUnits,
			Limit:     limit.MonthlyLimit,
			Requested: requestedUnits,
			Remaining: remaining,
		}, nil
	}

	return nil, nil
}

// ConsumeCredits records units against the client's current period. Callers
// must invoke this only after the corresponding work has been durably
// enqueued: a crash between admission and enqueue never double-charges, and a
// crash between enqueue and consumption under-charges rather than over-charges.
func (s *Service) ConsumeCredits(ctx context.Context, clientID string, units int64) error {
	if units <= 0 {
		return fmt.Errorf("units must be positive")
	}
	if err := s.store.IncrUsage(ctx, clientID, PeriodFor(s.now()), units); err != nil {
		return fmt.Errorf("consume credits: %w", err)
	}
	return nil
}

// GetUsage returns the client's consumption view for the current period.
func (s *Service) GetUsage(ctx context.Context, clientID string) (*Usage, error) {
	limit, err := s.getOrCreateLimit(ctx, clientID)
	if err != nil {
		return nil, err
	}

	period := PeriodFor(s.now())
	usage, err := s.store.GetUsage(ctx, clientID, period)
	if err != nil {
		return nil, fmt.Errorf("fetch usage: %w", err)
	}

	remaining := limit.MonthlyLimit - usage.ConsumedUnits
	if remaining < 0 {
		remaining = 0
	}
	return &Usage{
		ClientID:  clientID,
		Period:    period,
		Used:      usage.ConsumedUnits,
		Limit:     limit.MonthlyLimit,
		Remaining: remaining,
	}, nil
}

// GrantCredits sets a new monthly limit for the client and records an audit
// entry naming the actor and reason.
func (s *Service) GrantCredits(ctx context.Context, actor, clientID string, newLimit int64, reason string) error {
	if newLimit <= 0 {
		return fmt.Errorf("new limit must be positive")
	}

	limit, err := s.getOrCreateLimit(ctx, clientID)
	if err != nil {
		return err
	}

	if err := s.store.SetLimit(ctx, clientID, newLimit); err != nil {
		return fmt.Errorf("set limit: %w", err)
	}

	audit := &AuditRecord{
		Actor:         actor,
		Action:        ActionGrantCredits,
		ClientID:      clientID,
		PreviousValue: limit.MonthlyLimit,
		NewValue:      newLimit,
		Reason:        reason,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateAudit(ctx, audit); err != nil {
		return fmt.Errorf("audit grant: %w", err)
	}

	s.logger.Info("credits granted",
		"actor", actor, "client_id", clientID,
		"previous", limit.MonthlyLimit, "new", newLimit)
	return nil
}

// ResetUsage zeroes the client's current-period consumption and records an
// audit entry.
func (s *Service) ResetUsage(ctx context.Context, actor, clientID, reason string) error {
	period := PeriodFor(s.now())
	usage, err := s.store.GetUsage(ctx, clientID, period)
	if err != nil {
		return fmt.Errorf("fetch usage: %w", err)
	}

	if err := s.store.ResetUsage(ctx, clientID, period); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}

	audit := &AuditRecord{
		Actor:         actor,
		Action:        ActionResetUsage,
		ClientID:      clientID,
		PreviousValue: usage.ConsumedUnits,
		NewValue:      0,
		Reason:        reason,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateAudit(ctx, audit); err != nil {
		return fmt.Errorf("audit reset: %w", err)
	}

	s.logger.Info("usage reset", "actor", actor, "client_id", clientID, "previous", usage.ConsumedUnits)
	return nil
}

func (s *Service) getOrCreateLimit(ctx context.Context, clientID string) (*QuotaLimit, error) {
	limit, err := s.store.GetLimit(ctx, clientID)
	if err == nil {
		return limit, nil
	}
	if err != ErrLimitNotFound {
		return nil, fmt.Errorf("fetch quota limit: %w", err)
	}

	now := s.now().UTC()
	limit = &QuotaLimit{
		ClientID:     clientID,
		MonthlyLimit: s.defaultLimit,
		PeriodStart:  PeriodStartFor(now),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateLimit(ctx, limit); err != nil {
		return nil, fmt.Errorf("create default quota limit: %w", err)
	}
	// Re-read so a concurrent creator's row wins consistently.
	created, err := s.store.GetLimit(ctx, clientID)
	if err != nil {
		return limit, nil
	}
	return created, nil
}
