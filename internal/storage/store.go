// Package storage persists jobs, sessions, and session memories. The
// Postgres implementation backs deployed services; the in-memory
// implementation backs tests and local runs without a database.
package storage

import (
	"context"
	"time"

	"github.com/visiodeibc/omnirelay/internal/jobs"
	"github.com/visiodeibc/omnirelay/internal/session"
)

// JobFilter narrows ListJobs. Zero values leave that column unfiltered.
type JobFilter struct {
	Status    string
	Type      string
	Platform  string
	SessionID string
	PageSize  int
	Cursor    *JobCursor
}

// JobCursor marks a position in the (created_at, id) descending order used
// for pagination.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Store is the persistence surface shared by the gateway and the worker.
type Store interface {
	// InsertJob persists a new queued job and returns it with the
	// store-assigned id and timestamps.
	InsertJob(ctx context.Context, in jobs.NewJob) (*jobs.Job, error)

	// GetJob returns jobs.ErrNotFound when no row matches.
	GetJob(ctx context.Context, jobID string) (*jobs.Job, error)

	// ListJobs returns up to PageSize+1 jobs, newest first, so callers can
	// detect whether another page exists.
	ListJobs(ctx context.Context, filter JobFilter) ([]jobs.Job, error)

	// FetchQueued returns up to limit runnable queued jobs, oldest first.
	// Jobs whose run_after lies in the future are skipped.
	FetchQueued(ctx context.Context, limit int) ([]jobs.Job, error)

	// TryClaim atomically moves a queued job to processing on behalf of
	// workerID. A false result means another worker won the claim or the
	// job already left the queue.
	TryClaim(ctx context.Context, jobID, workerID string) (bool, error)

	// UpdateJob applies a partial update, stamping processed_at when the
	// status moves to a terminal value. Returns jobs.ErrNotFound when no
	// row matches.
	UpdateJob(ctx context.Context, jobID string, update jobs.Update) error

	// CountStaleProcessing counts jobs sitting in processing for longer
	// than olderThan, the operational signal for crashed workers.
	CountStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error)

	// EnsureSession get-or-creates the session keyed by
	// (platform, platform_user_id) and refreshes its activity fields.
	EnsureSession(ctx context.Context, in session.Ensure) (*session.Session, error)

	// GetSession returns session.ErrNotFound when no row matches.
	GetSession(ctx context.Context, platform, platformUserID string) (*session.Session, error)

	// GetSessionByID returns session.ErrNotFound when no row matches.
	GetSessionByID(ctx context.Context, sessionID string) (*session.Session, error)

	// AppendSessionMemory records one conversational entry.
	AppendSessionMemory(ctx context.Context, mem session.Memory) error
}
