package jobs

import (
	"encoding/json"
	"time"
)

// Job status values. Claiming (queued -> processing) is the only contended
// transition; completed and failed are terminal and never left automatically.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job types handled by the built-in worker handlers.
const (
	TypeNotifyUser = "notify_user"
	TypeEcho       = "echo_job"
	TypeHello      = "hello_job"
)

// DefaultMaxAttempts caps recoverable retries when a job is inserted
// without an explicit ceiling.
const DefaultMaxAttempts = 3

// Job is one row of the shared job table.
//
// Attempts counts recoverable failures, not executions: it increments each
// time a transient failure requeues the job, so a job may execute up to
// MaxAttempts+1 times before it is marked failed.
type Job struct {
	ID          string          `db:"id" json:"id"`
	Type        string          `db:"type" json:"type"`
	Status      string          `db:"status" json:"status"`
	Payload     json.RawMessage `db:"payload" json:"payload,omitempty"`
	Result      json.RawMessage `db:"result" json:"result,omitempty"`
	Platform    string          `db:"platform" json:"platform,omitempty"`
	ChatID      string          `db:"chat_id" json:"chat_id,omitempty"`
	SessionID   string          `db:"session_id" json:"session_id,omitempty"`
	ParentJobID string          `db:"parent_job_id" json:"parent_job_id,omitempty"`
	Attempts    int             `db:"attempts" json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	Error       string          `db:"error" json:"error,omitempty"`
	ClaimedBy   string          `db:"claimed_by" json:"claimed_by,omitempty"`
	RunAfter    *time.Time      `db:"run_after" json:"run_after,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
	ProcessedAt *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// NewJob carries the caller-supplied fields for inserting a job.
// The store assigns the id, timestamps, and the queued status.
type NewJob struct {
	Type        string
	Payload     json.RawMessage
	Platform    string
	ChatID      string
	SessionID   string
	ParentJobID string
	MaxAttempts int // 0 means DefaultMaxAttempts
	RunAfter    *time.Time
}

// Update is a partial job update. Nil fields are left untouched. Stores set
// processed_at themselves when Status moves to a terminal value.
type Update struct {
	Status   *string
	Result   json.RawMessage
	Error    *string
	Attempts *int
	RunAfter *time.Time
}

// Completed builds the terminal update for a successful execution. The
// stored error is cleared so earlier transient failures leave no residue.
func Completed(result json.RawMessage) Update {
	status := StatusCompleted
	empty := ""
	return Update{Status: &status, Result: result, Error: &empty}
}

// Failed builds the terminal update for a permanent failure.
func Failed(errMsg string) Update {
	status := StatusFailed
	return Update{Status: &status, Error: &errMsg}
}

// FailedAfterRetries is Failed with the attempt counter recorded, used when
// a transient failure pushes the job past its retry ceiling.
func FailedAfterRetries(errMsg string, attempts int) Update {
	upd := Failed(errMsg)
	upd.Attempts = &attempts
	return upd
}

// Requeued builds the update that puts a transiently failed job back in the
// queue: attempts incremented and eligibility gated by runAfter.
func Requeued(attempts int, runAfter time.Time) Update {
	status := StatusQueued
	return Update{Status: &status, Attempts: &attempts, RunAfter: &runAfter}
}
