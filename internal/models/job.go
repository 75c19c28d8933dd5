package models

import (
	"time"
)

// Job states persisted in Postgres. pending -> started may repeat across
// retries; success, failure and revoked are terminal.
const (
	StatePending = "pending"
	StateStarted = "started"
	StateSuccess = "success"
	StateFailure = "failure"
	StateRevoked = "revoked"
)

// Terminal reports whether a state admits no further transitions.
func Terminal(state string) bool {
	return state == StateSuccess || state == StateFailure || state == StateRevoked
}

// Job is one unit of asynchronous report work.
type Job struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Queue          string         `json:"queue"`
	Payload        map[string]any `json:"payload"`
	State          string         `json:"state"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	NextRunAt      time.Time      `json:"next_run_at"`
	Result         *string        `json:"result,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	WorkerID       *string        `json:"worker_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
