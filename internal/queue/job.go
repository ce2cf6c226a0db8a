package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campaign-platform/internal/retry"
)

var (
	// ErrContention marks an expected "not yet" outcome, such as another
	// campaign holding the org's active slot. It retries like any other error
	// but is logged and counted separately.
	ErrContention = errors.New("queue: contention")

	ErrJobNotFound = errors.New("queue: job not found")
	ErrNoHandler   = errors.New("queue: no handler for job kind")
)

// Permanent marks err so the worker fails the job without retrying.
func Permanent(err error) error { return retry.Permanent(err) }

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Retention of finished job records.
const (
	CompletedRetention = time.Hour
	FailedRetention    = 24 * time.Hour
)

// Job is one unit of delayed work. ID is caller chosen; enqueueing an ID that
// is still pending or active is a no-op.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      Status          `json:"status"`
	LastError   string          `json:"last_error,omitempty"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	DueAt      time.Time  `json:"due_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewJob builds a pending job with a JSON payload.
func NewJob(kind, id string, payload any, maxAttempts int) (Job, error) {
	if kind == "" || id == "" {
		return Job{}, errors.New("queue: kind and id are required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("queue: payload: %w", err)
	}
	return Job{
		ID:          id,
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		Status:      StatusPending,
	}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return errors.New("queue: empty payload")
	}
	return json.Unmarshal(j.Payload, v)
}

func (j Job) finished() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Backend stores jobs and hands out due ones.
//
// Claim must be atomic across processes: a job is returned to at most one
// caller until it is retried, completed, failed, or its lease expires.
type Backend interface {
	Enqueue(ctx context.Context, job Job, at time.Time) error
	Claim(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Retry(ctx context.Context, job Job, at time.Time) error
	Complete(ctx context.Context, job Job) error
	Fail(ctx context.Context, job Job, reason string) error
	Get(ctx context.Context, id string) (Job, error)
}
