package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/visiodeibc/omnirelay/internal/gateway/dto"
	"github.com/visiodeibc/omnirelay/internal/jobs"
	"github.com/visiodeibc/omnirelay/internal/platform"
	"github.com/visiodeibc/omnirelay/internal/storage"
)

// CreateJob handles POST /api/v1/jobs: manual enqueue for operators and
// internal tooling.
func (h *Handler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	targetPlatform := strings.ToLower(req.Platform)
	if targetPlatform != "" && !platform.Platform(targetPlatform).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown platform"})
		return
	}

	job, err := h.store.InsertJob(c.Request.Context(), jobs.NewJob{
		Type:        req.Type,
		Payload:     req.Payload,
		Platform:    targetPlatform,
		ChatID:      req.ChatID,
		SessionID:   req.SessionID,
		MaxAttempts: req.MaxAttempts,
		RunAfter:    req.RunAfter,
	})
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	h.nudgeWorker(c.Request.Context(), job.ID)
	c.JSON(http.StatusCreated, dto.FromJob(job))
}

// GetJob handles GET /api/v1/jobs/:job_id.
func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id must be a valid UUID"})
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case err != nil:
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
	default:
		c.JSON(http.StatusOK, dto.FromJob(job))
	}
}

// ListJobs handles GET /api/v1/jobs with filtering and cursor pagination.
func (h *Handler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return
	}

	switch req.Status {
	case "", jobs.StatusQueued, jobs.StatusProcessing, jobs.StatusCompleted, jobs.StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	filter := storage.JobFilter{
		Status:    req.Status,
		Type:      req.Type,
		Platform:  strings.ToLower(req.Platform),
		SessionID: req.SessionID,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	}

	list, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	// The store fetches one extra row; its presence means another page.
	hasMore := len(list) > req.PageSize
	if hasMore {
		list = list[:req.PageSize]
	}

	page := make([]dto.JobDTO, len(list))
	for i := range list {
		page[i] = dto.FromJob(&list[i])
	}

	var nextCursor string
	if hasMore {
		last := list[len(list)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       page,
		NextCursor: nextCursor,
	})
}
