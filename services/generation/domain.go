// Package generation implements the durable generation job queue and the
// worker runner that drains it.
package generation

import (
	"encoding/json"
	"time"
)

// Status is a job's lifecycle state. Transitions only move forward, except
// that a worker-scheduled retry returns a job to pending with attempts
// incremented and the last error retained.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a durable generation job record.
type Job struct {
	ID          string          `json:"id" db:"id"`
	Type        string          `json:"type" db:"type"`
	GroupID     string          `json:"group_id,omitempty" db:"group_id"`
	Priority    int             `json:"priority" db:"priority"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	OutputIDs   []string        `json:"output_ids" db:"-"`
	Status      Status          `json:"status" db:"status"`
	Attempts    int             `json:"attempts" db:"attempts"`
	MaxAttempts int             `json:"max_attempts" db:"max_attempts"`
	Progress    int             `json:"progress" db:"progress"`
	Result      json.RawMessage `json:"result,omitempty" db:"result"`
	Error       string          `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Retrying reports whether the job is in the observable retry pseudostate:
// pending again after a worker failure, with budget left.
func (j *Job) Retrying() bool {
	return j.Status == StatusPending && j.Error != "" &&
		j.Attempts > 0 && j.Attempts < j.MaxAttempts
}

// EnqueueOptions control placement of a new job.
type EnqueueOptions struct {
	Priority int    `json:"priority"`
	GroupID  string `json:"group_id"`
}

// EnqueueResult is returned from Enqueue. ExpectedOutputIDs are pre-computed
// so callers can bind UI placeholders before the job completes.
type EnqueueResult struct {
	JobID             string   `json:"job_id"`
	ExpectedOutputIDs []string `json:"expected_output_ids"`
}

// GenerationRequest is the payload for image/asset generation jobs.
type GenerationRequest struct {
	Prompt string            `json:"prompt"`
	Type   string            `json:"type"`
	Count  int               `json:"count"`
	Params map[string]string `json:"params,omitempty"`
}

// StatusResponse is the wire contract served to polling clients.
type StatusResponse struct {
	JobID       string          `json:"jobId"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	OutputIDs   []string        `json:"outputIds,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// StatusResponse builds the wire view of the job.
func (j *Job) StatusResponse() *StatusResponse {
	return &StatusResponse{
		JobID:       j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		OutputIDs:   j.OutputIDs,
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
