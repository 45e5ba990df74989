package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/visiodeibc/omnirelay/internal/jobs"
	"github.com/visiodeibc/omnirelay/internal/session"
	"github.com/visiodeibc/omnirelay/shared/postgresql"
)

// Postgres implements Store on top of a shared PostgreSQL pool.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres store backed by the given client.
func NewPostgres(pg *postgresql.Client, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// jsonArg converts a raw JSON document into a driver-friendly argument.
// lib/pq encodes []byte as bytea, which jsonb columns reject, so documents
// go over the wire as text.
func jsonArg(j json.RawMessage) interface{} {
	if len(j) == 0 {
		return nil
	}
	return string(j)
}

func (s *Postgres) InsertJob(ctx context.Context, in jobs.NewJob) (*jobs.Job, error) {
	job := &jobs.Job{
		ID:          uuid.New().String(),
		Type:        in.Type,
		Status:      jobs.StatusQueued,
		Payload:     in.Payload,
		Platform:    in.Platform,
		ChatID:      in.ChatID,
		SessionID:   in.SessionID,
		ParentJobID: in.ParentJobID,
		MaxAttempts: in.MaxAttempts,
		RunAfter:    in.RunAfter,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = jobs.DefaultMaxAttempts
	}

	query := `
		INSERT INTO jobs (
			id, type, status, payload, platform, chat_id,
			session_id, parent_job_id, max_attempts, run_after,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`

	err := s.db.QueryRowContext(
		ctx,
		query,
		job.ID,
		job.Type,
		job.Status,
		jsonArg(job.Payload),
		job.Platform,
		job.ChatID,
		job.SessionID,
		job.ParentJobID,
		job.MaxAttempts,
		job.RunAfter,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	s.logger.Info("Job inserted",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
	)

	return job, nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	var job jobs.Job
	query := `
		SELECT
			id, type, status, payload, result, platform, chat_id,
			session_id, parent_job_id, attempts, max_attempts, error,
			claimed_by, run_after, created_at, updated_at, processed_at
		FROM jobs
		WHERE id = $1
	`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

func (s *Postgres) ListJobs(ctx context.Context, filter JobFilter) ([]jobs.Job, error) {
	query := `
		SELECT
			id, type, status, payload, result, platform, chat_id,
			session_id, parent_job_id, attempts, max_attempts, error,
			claimed_by, run_after, created_at, updated_at, processed_at
		FROM jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}

	if filter.Platform != "" {
		query += fmt.Sprintf(" AND platform = $%d", argIdx)
		args = append(args, filter.Platform)
		argIdx++
	}

	if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, id DESC for consistent pagination
	query += " ORDER BY created_at DESC, id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var list []jobs.Job
	err := s.db.SelectContext(ctx, &list, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return list, nil
}

func (s *Postgres) FetchQueued(ctx context.Context, limit int) ([]jobs.Job, error) {
	query := `
		SELECT
			id, type, status, payload, result, platform, chat_id,
			session_id, parent_job_id, attempts, max_attempts, error,
			claimed_by, run_after, created_at, updated_at, processed_at
		FROM jobs
		WHERE status = $1
		  AND (run_after IS NULL OR run_after <= NOW())
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`

	var list []jobs.Job
	err := s.db.SelectContext(ctx, &list, query, jobs.StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch queued jobs: %w", err)
	}

	return list, nil
}

// TryClaim uses a conditional update as an optimistic lock: only the worker
// whose update moves the row out of queued owns the job.
func (s *Postgres) TryClaim(ctx context.Context, jobID, workerID string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    claimed_by = $2,
		    updated_at = NOW()
		WHERE id = $3
		  AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, jobs.StatusProcessing, workerID, jobID, jobs.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Debug("Claim lost - job already claimed or not queued",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
		)
		return false, nil
	}

	return true, nil
}

func (s *Postgres) UpdateJob(ctx context.Context, jobID string, update jobs.Update) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{}
	argIdx := 1

	if update.Status != nil {
		sets = append(sets, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *update.Status)
		argIdx++

		switch *update.Status {
		case jobs.StatusCompleted, jobs.StatusFailed:
			sets = append(sets, "processed_at = NOW()")
		case jobs.StatusQueued:
			// Requeued jobs drop their claim so the row reads cleanly.
			sets = append(sets, "claimed_by = ''")
		}
	}

	if update.Result != nil {
		sets = append(sets, fmt.Sprintf("result = $%d", argIdx))
		args = append(args, jsonArg(update.Result))
		argIdx++
	}

	if update.Error != nil {
		sets = append(sets, fmt.Sprintf("error = $%d", argIdx))
		args = append(args, *update.Error)
		argIdx++
	}

	if update.Attempts != nil {
		sets = append(sets, fmt.Sprintf("attempts = $%d", argIdx))
		args = append(args, *update.Attempts)
		argIdx++
	}

	if update.RunAfter != nil {
		sets = append(sets, fmt.Sprintf("run_after = $%d", argIdx))
		args = append(args, *update.RunAfter)
		argIdx++
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d", strings.Join(sets, ", "), argIdx)
	args = append(args, jobID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return jobs.ErrNotFound
	}

	if update.Status != nil {
		s.logger.Info("Job status updated",
			slog.String("job_id", jobID),
			slog.String("status", *update.Status),
		)
	}

	return nil
}

func (s *Postgres) CountStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	var count int
	query := `SELECT COUNT(*) FROM jobs WHERE status = $1 AND updated_at < $2`

	err := s.db.GetContext(ctx, &count, query, jobs.StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale processing jobs: %w", err)
	}

	return count, nil
}

func (s *Postgres) EnsureSession(ctx context.Context, in session.Ensure) (*session.Session, error) {
	query := `
		INSERT INTO sessions (
			id, platform, platform_user_id, platform_chat_id,
			last_message_at, metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			NOW(), $5, NOW(), NOW()
		)
		ON CONFLICT (platform, platform_user_id) DO UPDATE
		SET platform_chat_id = COALESCE(NULLIF(EXCLUDED.platform_chat_id, ''), sessions.platform_chat_id),
		    last_message_at = NOW(),
		    updated_at = NOW()
		RETURNING id, platform, platform_user_id, platform_chat_id,
		          last_message_at, metadata, created_at, updated_at
	`

	var sess session.Session
	err := s.db.GetContext(
		ctx,
		&sess,
		query,
		uuid.New().String(),
		in.Platform,
		in.PlatformUserID,
		in.PlatformChatID,
		jsonArg(in.Metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure session: %w", err)
	}

	return &sess, nil
}

func (s *Postgres) GetSession(ctx context.Context, platform, platformUserID string) (*session.Session, error) {
	var sess session.Session
	query := `
		SELECT id, platform, platform_user_id, platform_chat_id,
		       last_message_at, metadata, created_at, updated_at
		FROM sessions
		WHERE platform = $1 AND platform_user_id = $2
	`

	err := s.db.GetContext(ctx, &sess, query, platform, platformUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &sess, nil
}

func (s *Postgres) GetSessionByID(ctx context.Context, sessionID string) (*session.Session, error) {
	var sess session.Session
	query := `
		SELECT id, platform, platform_user_id, platform_chat_id,
		       last_message_at, metadata, created_at, updated_at
		FROM sessions
		WHERE id = $1
	`

	err := s.db.GetContext(ctx, &sess, query, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &sess, nil
}

func (s *Postgres) AppendSessionMemory(ctx context.Context, mem session.Memory) error {
	query := `
		INSERT INTO session_memories (session_id, role, kind, content, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	_, err := s.db.ExecContext(ctx, query, mem.SessionID, mem.Role, mem.Kind, jsonArg(mem.Content))
	if err != nil {
		return fmt.Errorf("failed to append session memory: %w", err)
	}

	return nil
}
