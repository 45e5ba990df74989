package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/visiodeibc/omnirelay/internal/jobs"
	"github.com/visiodeibc/omnirelay/internal/platform"
	"github.com/visiodeibc/omnirelay/internal/session"
)

// RegisterBuiltins installs the stock handlers for the relay job types.
func (w *Worker) RegisterBuiltins() {
	w.Register(jobs.TypeNotifyUser, w.handleNotifyUser)
	w.Register(jobs.TypeEcho, w.handleEcho)
	w.Register(jobs.TypeHello, w.handleHello)
}

type notifyPayload struct {
	Message   string          `json:"message"`
	Text      string          `json:"text"`
	Platform  string          `json:"platform"`
	ParseMode string          `json:"parse_mode"`
	Buttons   []payloadButton `json:"buttons"`
}

type echoPayload struct {
	Text     string `json:"text"`
	Message  string `json:"message"`
	Platform string `json:"platform"`
}

type payloadButton struct {
	Label string `json:"label"`
	Data  string `json:"data"`
	URL   string `json:"url"`
}

// handleNotifyUser delivers the payload message to the job's chat on the
// resolved platform.
func (w *Worker) handleNotifyUser(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var payload notifyPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", jobs.ErrInvalidPayload, err)
		}
	}

	text := payload.Message
	if text == "" {
		text = payload.Text
	}
	if text == "" {
		return nil, fmt.Errorf("%w: notify_user requires payload.message", jobs.ErrInvalidPayload)
	}
	if job.ChatID == "" {
		return nil, fmt.Errorf("%w: notify_user requires a chat id", jobs.ErrInvalidPayload)
	}

	target, err := w.resolvePlatform(ctx, job, payload.Platform)
	if err != nil {
		return nil, err
	}

	result, err := w.deliver(ctx, target, platform.OutgoingMessage{
		ChatID:    job.ChatID,
		Text:      text,
		ParseMode: payload.ParseMode,
		Buttons:   toButtons(payload.Buttons),
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, deliveryError(target, result)
	}

	out := map[string]string{
		"delivered_at": time.Now().UTC().Format(time.RFC3339),
		"platform":     target.String(),
	}
	if result.MessageID != "" {
		out["message_id"] = result.MessageID
	}
	return encodeResult(out)
}

// handleEcho sends the payload text verbatim back to the originating chat.
func (w *Worker) handleEcho(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	var payload echoPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", jobs.ErrInvalidPayload, err)
		}
	}

	text := payload.Text
	if text == "" {
		text = payload.Message
	}
	if text == "" {
		return nil, fmt.Errorf("%w: echo_job requires payload.text", jobs.ErrInvalidPayload)
	}
	if job.ChatID == "" {
		return nil, fmt.Errorf("%w: echo_job requires a chat id", jobs.ErrInvalidPayload)
	}

	target, err := w.resolvePlatform(ctx, job, payload.Platform)
	if err != nil {
		return nil, err
	}

	result, err := w.deliver(ctx, target, platform.OutgoingMessage{
		ChatID: job.ChatID,
		Text:   text,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, deliveryError(target, result)
	}

	return encodeResult(map[string]string{
		"processed_message": text,
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"platform":          target.String(),
	})
}

// handleHello composes a greeting, appends it to the session history, and
// enqueues a notify_user follow-up job that delivers it.
func (w *Worker) handleHello(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	target, err := w.resolvePlatform(ctx, job, "")
	if err != nil {
		return nil, err
	}

	greeting := fmt.Sprintf("👋 Hello from the relay worker! Timestamp: %s",
		time.Now().UTC().Format(time.RFC3339))

	if job.SessionID != "" {
		content, err := json.Marshal(map[string]string{
			"text":   greeting,
			"source": "worker",
		})
		if err != nil {
			return nil, fmt.Errorf("encode memory content: %w", err)
		}

		mem := session.Memory{
			SessionID: job.SessionID,
			Role:      session.RoleAssistant,
			Kind:      session.KindMessage,
			Content:   content,
		}
		if err := w.store.AppendSessionMemory(ctx, mem); err != nil {
			w.logger.Warn("Failed to append session memory",
				slog.String("job_id", job.ID),
				slog.String("session_id", job.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}

	followPayload, err := json.Marshal(map[string]string{
		"message":  greeting,
		"platform": target.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode follow-up payload: %w", err)
	}

	follow, err := w.store.InsertJob(ctx, jobs.NewJob{
		Type:        jobs.TypeNotifyUser,
		Payload:     followPayload,
		Platform:    target.String(),
		ChatID:      job.ChatID,
		SessionID:   job.SessionID,
		ParentJobID: job.ID,
	})
	if err != nil {
		return nil, jobs.NewRetryableError(fmt.Errorf("enqueue follow-up notification: %w", err))
	}

	w.logger.Info("Follow-up notification enqueued",
		slog.String("job_id", job.ID),
		slog.String("follow_up_id", follow.ID),
	)

	return encodeResult(map[string]string{"message": greeting})
}

// resolvePlatform picks the delivery target: the job's platform column,
// then the payload hint, then the linked session. A job that names none of
// the three fails permanently rather than guessing.
func (w *Worker) resolvePlatform(ctx context.Context, job *jobs.Job, payloadPlatform string) (platform.Platform, error) {
	if job.Platform != "" {
		return platform.Platform(strings.ToLower(job.Platform)), nil
	}
	if payloadPlatform != "" {
		return platform.Platform(strings.ToLower(payloadPlatform)), nil
	}

	if job.SessionID != "" {
		sess, err := w.store.GetSessionByID(ctx, job.SessionID)
		switch {
		case err == nil:
			if sess.Platform != "" {
				return platform.Platform(strings.ToLower(sess.Platform)), nil
			}
		case errors.Is(err, session.ErrNotFound):
			// Fall through to the terminal error below.
		default:
			return "", jobs.NewRetryableError(fmt.Errorf("resolve session %s: %w", job.SessionID, err))
		}
	}

	return "", fmt.Errorf("unable to resolve target platform for job %s", job.ID)
}

// deliver fits the message to the adapter's capabilities and sends it.
func (w *Worker) deliver(ctx context.Context, target platform.Platform, msg platform.OutgoingMessage) (platform.DeliveryResult, error) {
	adapter, err := w.registry.Get(target)
	if err != nil {
		return platform.DeliveryResult{}, err
	}

	caps := adapter.Capabilities()
	msg.Text = caps.TrimToLimit(msg.Text)
	if !caps.Buttons {
		msg.Buttons = nil
	}
	if !caps.SupportsParseMode(msg.ParseMode) {
		msg.ParseMode = ""
	}

	result, err := adapter.SendMessage(ctx, msg)
	if err != nil {
		return platform.DeliveryResult{}, fmt.Errorf("send via %s: %w", target, err)
	}
	return result, nil
}

// deliveryError translates a failed DeliveryResult into the worker's retry
// taxonomy, trusting the adapter's transient-versus-permanent call.
func deliveryError(target platform.Platform, result platform.DeliveryResult) error {
	err := fmt.Errorf("failed to deliver message via %s: %s", target, result.Error)
	if result.Transient {
		return jobs.NewRetryableError(err)
	}
	return err
}

func toButtons(in []payloadButton) []platform.Button {
	if len(in) == 0 {
		return nil
	}
	out := make([]platform.Button, 0, len(in))
	for _, b := range in {
		out = append(out, platform.Button{Label: b.Label, Data: b.Data, URL: b.URL})
	}
	return out
}

func encodeResult(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}
