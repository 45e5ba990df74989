// Package dto defines the request and response shapes of the gateway's
// HTTP surface, kept separate from the storage models so the wire format
// can evolve without touching the store.
package dto

import (
	"encoding/json"
	"time"

	"github.com/visiodeibc/omnirelay/internal/jobs"
)

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	Type        string          `json:"type" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	Platform    string          `json:"platform"`
	ChatID      string          `json:"chat_id"`
	SessionID   string          `json:"session_id"`
	MaxAttempts int             `json:"max_attempts"`
	RunAfter    *time.Time      `json:"run_after"`
}

// IngestMessageRequest is the body of POST /api/message, the unified test
// ingress that feeds a raw platform payload through the adapter without
// signature validation.
type IngestMessageRequest struct {
	Platform string          `json:"platform" binding:"required"`
	Payload  json.RawMessage `json:"payload" binding:"required"`
}

// ListJobsRequest carries the query parameters of GET /api/v1/jobs.
type ListJobsRequest struct {
	Status    string `form:"status"`
	Type      string `form:"type"`
	Platform  string `form:"platform"`
	SessionID string `form:"session_id"`
	PageSize  int    `form:"page_size"`
	Cursor    string `form:"cursor"`
}

// ListJobsResponse is a page of jobs plus the cursor for the next page.
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the wire form of a job row.
type JobDTO struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Platform    string          `json:"platform,omitempty"`
	ChatID      string          `json:"chat_id,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	ParentJobID string          `json:"parent_job_id,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Error       string          `json:"error,omitempty"`
	RunAfter    string          `json:"run_after,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	ProcessedAt string          `json:"processed_at,omitempty"`
}

// FromJob converts a job row to its wire form, timestamps as RFC 3339.
func FromJob(job *jobs.Job) JobDTO {
	dto := JobDTO{
		ID:          job.ID,
		Type:        job.Type,
		Status:      job.Status,
		Payload:     job.Payload,
		Result:      job.Result,
		Platform:    job.Platform,
		ChatID:      job.ChatID,
		SessionID:   job.SessionID,
		ParentJobID: job.ParentJobID,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   job.UpdatedAt.Format(time.RFC3339),
	}
	if job.RunAfter != nil {
		dto.RunAfter = job.RunAfter.Format(time.RFC3339)
	}
	if job.ProcessedAt != nil {
		dto.ProcessedAt = job.ProcessedAt.Format(time.RFC3339)
	}
	return dto
}
