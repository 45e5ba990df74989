// Package handler implements the gateway's HTTP handlers: platform
// webhooks, the subscription handshakes, and the jobs ops API. Handlers
// are thin wrappers; everything durable happens in the store.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/visiodeibc/omnirelay/internal/platform"
	"github.com/visiodeibc/omnirelay/internal/storage"
	"github.com/visiodeibc/omnirelay/shared/postgresql"
)

// NudgePublisher pokes the worker queue after a job insert so the next poll
// happens immediately instead of on the interval. *rabbitmq.Client
// satisfies it.
type NudgePublisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds everything the HTTP handlers need.
type Dependencies struct {
	Logger   *slog.Logger
	Store    storage.Store
	Registry *platform.Registry

	// DB, when set, backs the database probe on /health.
	DB *postgresql.Client

	// Nudge, when set, notifies the worker after each job insert. Nil
	// means the worker relies on polling alone.
	Nudge NudgePublisher
}

// Handler serves the gateway's HTTP surface.
type Handler struct {
	logger   *slog.Logger
	store    storage.Store
	registry *platform.Registry
	db       *postgresql.Client
	nudge    NudgePublisher
}

// New creates a Handler from its dependencies.
func New(deps *Dependencies) *Handler {
	return &Handler{
		logger:   deps.Logger,
		store:    deps.Store,
		registry: deps.Registry,
		db:       deps.DB,
		nudge:    deps.Nudge,
	}
}

// Health handles GET /health. With a database client configured it degrades
// to 503 when the database is unreachable.
func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"service": "relay-gateway",
	}

	if h.db != nil {
		if err := h.db.HealthCheck(c.Request.Context()); err != nil {
			h.logger.Error("Database health check failed",
				slog.String("error", err.Error()),
			)
			resp["status"] = "degraded"
			resp["database"] = "unreachable"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp["database"] = "ok"
	}

	c.JSON(http.StatusOK, resp)
}

// nudgeWorker is best effort: on failure the worker still finds the job on
// its next poll, so the error is only logged.
func (h *Handler) nudgeWorker(ctx context.Context, jobID string) {
	if h.nudge == nil {
		return
	}

	body, err := json.Marshal(map[string]string{"job_id": jobID})
	if err != nil {
		return
	}

	if err := h.nudge.Publish(ctx, body, "application/json"); err != nil {
		h.logger.Warn("Failed to nudge worker",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
