package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresStore implements Store on PostgreSQL via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a store on an existing connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetLimit returns the client's limit, or ErrLimitNotFound.
func (s *PostgresStore) GetLimit(ctx context.Context, clientID string) (*QuotaLimit, error) {
	var limit QuotaLimit
	err := s.db.GetContext(ctx, &limit,
		`SELECT client_id, monthly_limit, period_start, created_at, updated_at
		 FROM quota_limits WHERE client_id = $1`, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLimitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quota limit: %w", err)
	}
	return &limit, nil
}

// CreateLimit inserts a new quota limit. A concurrent insert for the same
// client is tolerated; the first writer wins.
func (s *PostgresStore) CreateLimit(ctx context.Context, limit *QuotaLimit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_limits (client_id, monthly_limit, period_start, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (client_id) DO NOTHING`,
		limit.ClientID, limit.MonthlyLimit, limit.PeriodStart, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create quota limit: %w", err)
	}
	return nil
}

// SetLimit updates the client's monthly limit.
func (s *PostgresStore) SetLimit(ctx context.Context, clientID string, monthlyLimit int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quota_limits SET monthly_limit = $2, updated_at = $3 WHERE client_id = $1`,
		clientID, monthlyLimit, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set quota limit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLimitNotFound
	}
	return nil
}

// GetUsage returns the usage record for the period; a zero record when none exists.
func (s *PostgresStore) GetUsage(ctx context.Context, clientID, period string) (*UsageRecord, error) {
	var rec UsageRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT client_id, period, consumed_units, updated_at
		 FROM usage_records WHERE client_id = $1 AND period = $2`, clientID, period)
	if errors.Is(err, sql.ErrNoRows) {
		return &UsageRecord{ClientID: clientID, Period: period}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return &rec, nil
}

// IncrUsage adds units to the period's consumed count as a single relative
// UPDATE, so concurrent consumers cannot lose increments.
func (s *PostgresStore) IncrUsage(ctx context.Context, clientID, period string, units int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (client_id, period, consumed_units, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (client_id, period)
		 DO UPDATE SET consumed_units = usage_records.consumed_units + EXCLUDED.consumed_units,
		               updated_at = EXCLUDED.updated_at`,
		clientID, period, units, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

// ResetUsage zeroes the period's consumed count.
func (s *PostgresStore) ResetUsage(ctx context.Context, clientID, period string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE usage_records SET consumed_units = 0, updated_at = $3
		 WHERE client_id = $1 AND period = $2`,
		clientID, period, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	return nil
}

// CreateAudit inserts an audit record.
func (s *PostgresStore) CreateAudit(ctx context.Context, record *AuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_audits (id, actor, action, client_id, previous_value, new_value, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.Actor, record.Action, record.ClientID,
		record.PreviousValue, record.NewValue, record.Reason, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("create audit: %w", err)
	}
	return nil
}
