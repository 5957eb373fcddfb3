package generation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a store on an existing connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type jobRow struct {
	ID          string         `db:"id"`
	Type        string         `db:"type"`
	GroupID     sql.NullString `db:"group_id"`
	Priority    int            `db:"priority"`
	Payload     []byte         `db:"payload"`
	OutputIDs   pq.StringArray `db:"output_ids"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	Progress    int            `db:"progress"`
	Result      []byte         `db:"result"`
	Error       sql.NullString `db:"error"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   *time.Time     `db:"started_at"`
	CompletedAt *time.Time     `db:"completed_at"`
}

func (r *jobRow) toJob() *Job {
	return &Job{
		ID:          r.ID,
		Type:        r.Type,
		GroupID:     r.GroupID.String,
		Priority:    r.Priority,
		Payload:     r.Payload,
		OutputIDs:   []string(r.OutputIDs),
		Status:      Status(r.Status),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		Progress:    r.Progress,
		Result:      r.Result,
		Error:       r.Error.String,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

const jobColumns = `id, type, group_id, priority, payload, output_ids, status,
	attempts, max_attempts, progress, result, error, created_at, started_at, completed_at`

// Create inserts a new job record. The returned job ID supports an immediate
// subsequent Get with no eventual-consistency window.
func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generation_jobs
		 (id, type, group_id, priority, payload, output_ids, status, attempts, max_attempts, progress, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Type, job.GroupID, job.Priority, []byte(job.Payload),
		pq.StringArray(job.OutputIDs), string(job.Status), job.Attempts,
		job.MaxAttempts, job.Progress, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get returns the job, or ErrJobNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toJob(), nil
}

// Update overwrites the mutable job fields.
func (s *PostgresStore) Update(ctx context.Context, job *Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE generation_jobs
		 SET status = $2, attempts = $3, progress = $4, result = $5,
		     error = NULLIF($6, ''), started_at = $7, completed_at = $8
		 WHERE id = $1`,
		job.ID, string(job.Status), job.Attempts, job.Progress,
		[]byte(job.Result), job.Error, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Claim transitions the job from pending to processing in one conditional
// UPDATE, so two workers cannot both claim it.
func (s *PostgresStore) Claim(ctx context.Context, id string, startedAt time.Time) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`UPDATE generation_jobs
		 SET status = 'processing', started_at = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+jobColumns, id, startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return row.toJob(), nil
}

// ListPending returns up to limit pending jobs, highest priority first, then
// oldest first.
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM generation_jobs
		 WHERE status = 'pending'
		 ORDER BY priority DESC, created_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toJob())
	}
	return jobs, nil
}

// ListStaleProcessing returns processing jobs started before olderThan.
func (s *PostgresStore) ListStaleProcessing(ctx context.Context, olderThan time.Time) ([]*Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM generation_jobs
		 WHERE status = 'processing' AND started_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toJob())
	}
	return jobs, nil
}
