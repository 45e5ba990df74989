package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/visiodeibc/omnirelay/internal/gateway/dto"
	"github.com/visiodeibc/omnirelay/internal/jobs"
	"github.com/visiodeibc/omnirelay/internal/platform"
	"github.com/visiodeibc/omnirelay/internal/session"
)

// TelegramWebhook handles POST /api/tg.
func (h *Handler) TelegramWebhook(c *gin.Context) {
	h.platformWebhook(c, platform.Telegram)
}

// InstagramWebhook handles POST /api/instagram.
func (h *Handler) InstagramWebhook(c *gin.Context) {
	h.platformWebhook(c, platform.Instagram)
}

// InstagramVerify handles Meta's GET subscription handshake. On success the
// challenge is echoed back as plain text, which is what the Graph API
// expects.
func (h *Handler) InstagramVerify(c *gin.Context) {
	verifier, ok := h.subscriptionVerifier(c, platform.Instagram)
	if !ok {
		return
	}

	challenge, err := verifier.VerifySubscription(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
	)
	if err != nil {
		h.logger.Warn("Instagram subscription verification failed",
			slog.String("mode", c.Query("hub.mode")),
			slog.String("ip", c.ClientIP()),
		)
		c.JSON(http.StatusForbidden, gin.H{"error": "verification failed"})
		return
	}

	c.String(http.StatusOK, challenge)
}

// TikTokWebhook handles POST /api/tiktok.
func (h *Handler) TikTokWebhook(c *gin.Context) {
	h.platformWebhook(c, platform.TikTok)
}

// TikTokVerify handles TikTok's GET challenge echo.
func (h *Handler) TikTokVerify(c *gin.Context) {
	verifier, ok := h.subscriptionVerifier(c, platform.TikTok)
	if !ok {
		return
	}

	challenge, err := verifier.VerifySubscription("", "", c.Query("challenge"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing challenge"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"challenge": challenge})
}

// IngestMessage handles POST /api/message, the unified ingress that feeds a
// raw platform payload through the adapter's parser without signature
// validation. It exists for local testing and internal tooling; the public
// webhook routes are the authenticated path.
func (h *Handler) IngestMessage(c *gin.Context) {
	var req dto.IngestMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	p := platform.Platform(strings.ToLower(req.Platform))
	if !p.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown platform %q", req.Platform)})
		return
	}

	adapter, err := h.registry.Get(p)
	if err != nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": fmt.Sprintf("%s adapter not configured", p)})
		return
	}

	msg, err := adapter.ParseIncoming(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if msg == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	h.respondIngested(c, msg)
}

// platformWebhook is the shared webhook path: authenticate the raw body
// before any parsing, normalize it, then persist. Platform surfaces only
// ever see generic error bodies.
func (h *Handler) platformWebhook(c *gin.Context, p platform.Platform) {
	adapter, err := h.registry.Get(p)
	if err != nil {
		h.logger.Warn("Webhook for unconfigured platform",
			slog.String("platform", p.String()),
		)
		c.JSON(http.StatusNotImplemented, gin.H{"error": fmt.Sprintf("%s adapter not configured", p)})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if err := adapter.ValidateWebhook(c.Request.Header, body); err != nil {
		h.logger.Warn("Webhook authentication failed",
			slog.String("platform", p.String()),
			slog.String("ip", c.ClientIP()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	msg, err := adapter.ParseIncoming(body)
	if err != nil {
		h.logger.Error("Failed to parse webhook payload",
			slog.String("platform", p.String()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if msg == nil {
		// Non-message event: acknowledged so the platform stops retrying.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	h.respondIngested(c, msg)
}

func (h *Handler) respondIngested(c *gin.Context, msg *platform.IncomingMessage) {
	sess, job, err := h.ingest(c.Request.Context(), msg)
	if err != nil {
		h.logger.Error("Failed to ingest message",
			slog.String("platform", msg.Platform.String()),
			slog.String("message_id", msg.MessageID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process message"})
		return
	}

	if job == nil {
		c.JSON(http.StatusOK, gin.H{"status": "stored", "session_id": sess.ID})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "queued",
		"session_id": sess.ID,
		"job_id":     job.ID,
	})
}

// ingest persists one inbound message: session upsert, history append, and
// an echo_job for the worker. Messages without text (stickers, bare media)
// update the session but enqueue nothing, since the echo handler has
// nothing to send back.
func (h *Handler) ingest(ctx context.Context, msg *platform.IncomingMessage) (*session.Session, *jobs.Job, error) {
	metadata, err := json.Marshal(map[string]string{
		"username":     msg.User.Username,
		"display_name": msg.User.DisplayName(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode session metadata: %w", err)
	}

	sess, err := h.store.EnsureSession(ctx, session.Ensure{
		Platform:       msg.Platform.String(),
		PlatformUserID: msg.User.ID,
		PlatformChatID: msg.Chat.ID,
		Metadata:       metadata,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ensure session: %w", err)
	}

	h.appendInboundMemory(ctx, sess.ID, msg)

	if msg.Text == "" {
		return sess, nil, nil
	}

	payload, err := json.Marshal(map[string]string{"text": msg.Text})
	if err != nil {
		return nil, nil, fmt.Errorf("encode job payload: %w", err)
	}

	job, err := h.store.InsertJob(ctx, jobs.NewJob{
		Type:      jobs.TypeEcho,
		Payload:   payload,
		Platform:  msg.Platform.String(),
		ChatID:    msg.Chat.ID,
		SessionID: sess.ID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("insert job: %w", err)
	}

	h.logger.Info("Inbound message queued",
		slog.String("platform", msg.Platform.String()),
		slog.String("session_id", sess.ID),
		slog.String("job_id", job.ID),
	)

	h.nudgeWorker(ctx, job.ID)
	return sess, job, nil
}

// appendInboundMemory records the message in the session history. Failures
// are logged and swallowed: history is not worth rejecting a webhook over.
func (h *Handler) appendInboundMemory(ctx context.Context, sessionID string, msg *platform.IncomingMessage) {
	record := map[string]string{
		"text":       msg.Text,
		"message_id": msg.MessageID,
		"source":     msg.Platform.String(),
	}
	if msg.MediaType != "" {
		record["media_type"] = msg.MediaType
	}

	content, err := json.Marshal(record)
	if err != nil {
		return
	}

	if err := h.store.AppendSessionMemory(ctx, session.Memory{
		SessionID: sessionID,
		Role:      session.RoleUser,
		Kind:      session.KindMessage,
		Content:   content,
	}); err != nil {
		h.logger.Warn("Failed to append session memory",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// subscriptionVerifier resolves the adapter for p and asserts it handles
// GET verification handshakes, writing the error response itself when not.
func (h *Handler) subscriptionVerifier(c *gin.Context, p platform.Platform) (platform.SubscriptionVerifier, bool) {
	adapter, err := h.registry.Get(p)
	if err != nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": fmt.Sprintf("%s adapter not configured", p)})
		return nil, false
	}

	verifier, ok := adapter.(platform.SubscriptionVerifier)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": fmt.Sprintf("%s does not verify subscriptions", p)})
		return nil, false
	}

	return verifier, true
}
