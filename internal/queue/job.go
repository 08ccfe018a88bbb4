package queue

import (
	"encoding/json"
	"time"
)

// Job states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

// Job is one queued command, usually a solve. Kind names the command and
// Payload carries its JSON arguments; Result holds the command result once
// the job finished.
type Job struct {
	ID                string          `json:"id"`
	Kind              string          `json:"kind"`
	Payload           json.RawMessage `json:"payload"`
	Priority          int             `json:"priority"`
	Attempts          int             `json:"attempts"`
	MaxAttempts       int             `json:"max_attempts"`
	State             string          `json:"state"`
	NextRunAt         time.Time       `json:"next_run_at"`
	VisibilityTimeout int             `json:"visibility_timeout"` // seconds
	IdempotencyKey    *string         `json:"idempotency_key,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Lease is how long a leased job stays invisible to other workers.
type Lease struct{ Until time.Time }

// Plan enqueues a job of Kind with Payload on every tick of CronExpr. It
// drives periodic re-planning.
type Plan struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     bool            `json:"enabled"`
	LastRun     *time.Time      `json:"last_run,omitempty"`
	NextRun     time.Time       `json:"next_run"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
