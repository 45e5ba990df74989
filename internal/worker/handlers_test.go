package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiodeibc/omnirelay/internal/jobs"
	"github.com/visiodeibc/omnirelay/internal/platform"
	"github.com/visiodeibc/omnirelay/internal/session"
	"github.com/visiodeibc/omnirelay/internal/storage"
)

func TestHandleNotifyUser(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers and records the result", func(t *testing.T) {
		store := storage.NewMemory()
		adapter := newScriptedAdapter(platform.Telegram,
			platform.DeliveryResult{Success: true, MessageID: "777"},
		)
		w := newTestWorker(t, store, adapter)

		raw, err := w.handleNotifyUser(ctx, &jobs.Job{
			ID:       "job-1",
			Type:     jobs.TypeNotifyUser,
			Platform: "telegram",
			ChatID:   "42",
			Payload: json.RawMessage(`{
				"message": "Deploy finished",
				"parse_mode": "markdown",
				"buttons": [
					{"label": "Logs", "url": "https://ci.example.com/42"},
					{"label": "Ack", "data": "ack"}
				]
			}`),
		})
		require.NoError(t, err)

		sent := adapter.sentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, "Deploy finished", sent[0].Text)
		assert.Equal(t, "42", sent[0].ChatID)
		assert.Equal(t, "markdown", sent[0].ParseMode)
		require.Len(t, sent[0].Buttons, 2)
		assert.Equal(t, "Logs", sent[0].Buttons[0].Label)
		assert.Equal(t, "https://ci.example.com/42", sent[0].Buttons[0].URL)
		assert.Equal(t, "ack", sent[0].Buttons[1].Data)

		var result map[string]string
		require.NoError(t, json.Unmarshal(raw, &result))
		assert.Equal(t, "telegram", result["platform"])
		assert.Equal(t, "777", result["message_id"])

		_, err = time.Parse(time.RFC3339, result["delivered_at"])
		assert.NoError(t, err)
	})

	t.Run("accepts text as a legacy alias", func(t *testing.T) {
		store := storage.NewMemory()
		adapter := newScriptedAdapter(platform.Telegram)
		w := newTestWorker(t, store, adapter)

		_, err := w.handleNotifyUser(ctx, &jobs.Job{
			ID:       "job-2",
			Platform: "telegram",
			ChatID:   "42",
			Payload:  json.RawMessage(`{"text": "fallback body"}`),
		})
		require.NoError(t, err)

		sent := adapter.sentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, "fallback body", sent[0].Text)
	})

	t.Run("rejects a payload without a message", func(t *testing.T) {
		w := newTestWorker(t, storage.NewMemory(), newScriptedAdapter(platform.Telegram))

		_, err := w.handleNotifyUser(ctx, &jobs.Job{
			ID:       "job-3",
			Platform: "telegram",
			ChatID:   "42",
			Payload:  json.RawMessage(`{}`),
		})
		require.ErrorIs(t, err, jobs.ErrInvalidPayload)
	})

	t.Run("rejects a job without a chat id", func(t *testing.T) {
		w := newTestWorker(t, storage.NewMemory(), newScriptedAdapter(platform.Telegram))

		_, err := w.handleNotifyUser(ctx, &jobs.Job{
			ID:       "job-4",
			Platform: "telegram",
			Payload:  json.RawMessage(`{"message": "hello"}`),
		})
		require.ErrorIs(t, err, jobs.ErrInvalidPayload)
		assert.Contains(t, err.Error(), "chat id")
	})

	t.Run("rejects a malformed payload", func(t *testing.T) {
		w := newTestWorker(t, storage.NewMemory(), newScriptedAdapter(platform.Telegram))

		_, err := w.handleNotifyUser(ctx, &jobs.Job{
			ID:       "job-5",
			Platform: "telegram",
			ChatID:   "42",
			Payload:  json.RawMessage(`{"message": 123}`),
		})
		require.ErrorIs(t, err, jobs.ErrInvalidPayload)
	})

	t.Run("transient delivery failure is retryable", func(t *testing.T) {
		adapter := newScriptedAdapter(platform.Telegram, failedDelivery("rate limited", true))
		w := newTestWorker(t, storage.NewMemory(), adapter)

		_, err := w.handleNotifyUser(ctx, &jobs.Job{
			ID:       "job-6",
			Platform: "telegram",
			ChatID:   "42",
			Payload:  json.RawMessage(`{"message": "hello"}`),
		})
		require.Error(t, err)

		var retryable *jobs.RetryableError
		require.ErrorAs(t, err, &retryable)
		assert.Contains(t, retryable.Err.Error(), "rate limited")
	})

	t.Run("permanent delivery failure is not retryable", func(t *testing.T) {
		adapter := newScriptedAdapter(platform.Telegram, failedDelivery("chat not found", false))
		w := newTestWorker(t, storage.NewMemory(), adapter)

		_, err := w.handleNotifyUser(ctx, &jobs.Job{
			ID:       "job-7",
			Platform: "telegram",
			ChatID:   "42",
			Payload:  json.RawMessage(`{"message": "hello"}`),
		})
		require.Error(t, err)

		var retryable *jobs.RetryableError
		assert.False(t, errors.As(err, &retryable))
		assert.Contains(t, err.Error(), "chat not found")
	})

	t.Run("unconfigured platform fails permanently", func(t *testing.T) {
		w := newTestWorker(t, storage.NewMemory(), newScriptedAdapter(platform.Telegram))

		_, err := w.handleNotifyUser(ctx, &jobs.Job{
			ID:       "job-8",
			Platform: "whatsapp",
			ChatID:   "42",
			Payload:  json.RawMessage(`{"message": "hello"}`),
		})
		require.ErrorIs(t, err, platform.ErrAdapterNotConfigured)
		assert.Contains(t, err.Error(), "whatsapp")
	})
}

func TestHandleEcho(t *testing.T) {
	ctx := context.Background()

	t.Run("prefers text over the message alias", func(t *testing.T) {
		adapter := newScriptedAdapter(platform.Telegram)
		w := newTestWorker(t, storage.NewMemory(), adapter)

		_, err := w.handleEcho(ctx, &jobs.Job{
			ID:       "echo-1",
			Platform: "telegram",
			ChatID:   "42",
			Payload:  json.RawMessage(`{"text": "primary", "message": "legacy"}`),
		})
		require.NoError(t, err)

		sent := adapter.sentMessages()
		require.Len(t, sent, 1)
		assert.Equal(t, "primary", sent[0].Text)
	})

	t.Run("rejects an empty payload", func(t *testing.T) {
		w := newTestWorker(t, storage.NewMemory(), newScriptedAdapter(platform.Telegram))

		_, err := w.handleEcho(ctx, &jobs.Job{
			ID:       "echo-2",
			Platform: "telegram",
			ChatID:   "42",
		})
		require.ErrorIs(t, err, jobs.ErrInvalidPayload)
	})
}

func TestHandleHelloEnqueuesFollowUp(t *testing.T) {
	store := storage.NewMemory()
	adapter := newScriptedAdapter(platform.Telegram)
	w := newTestWorker(t, store, adapter)
	ctx := context.Background()

	sess, err := store.EnsureSession(ctx, session.Ensure{
		Platform:       "telegram",
		PlatformUserID: "7001",
		PlatformChatID: "42",
	})
	require.NoError(t, err)

	job := mustInsert(t, store, jobs.NewJob{
		Type:      jobs.TypeHello,
		Platform:  "telegram",
		ChatID:    "42",
		SessionID: sess.ID,
	})

	w.processBatch(ctx)

	done := getJob(t, store, job.ID)
	require.Equal(t, jobs.StatusCompleted, done.Status)

	var result map[string]string
	require.NoError(t, json.Unmarshal(done.Result, &result))
	greeting := result["message"]
	assert.Contains(t, greeting, "Hello from the relay worker!")

	// The greeting lands in the session history.
	memories := store.SessionMemories(sess.ID)
	require.Len(t, memories, 1)
	assert.Equal(t, session.RoleAssistant, memories[0].Role)

	var content map[string]string
	require.NoError(t, json.Unmarshal(memories[0].Content, &content))
	assert.Equal(t, greeting, content["text"])
	assert.Equal(t, "worker", content["source"])

	// A notify_user follow-up is queued, linked to the hello job.
	children, err := store.ListJobs(ctx, storage.JobFilter{Type: jobs.TypeNotifyUser, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, children, 1)

	child := children[0]
	assert.Equal(t, jobs.StatusQueued, child.Status)
	assert.Equal(t, job.ID, child.ParentJobID)
	assert.Equal(t, "telegram", child.Platform)
	assert.Equal(t, "42", child.ChatID)
	assert.Equal(t, sess.ID, child.SessionID)

	var followPayload map[string]string
	require.NoError(t, json.Unmarshal(child.Payload, &followPayload))
	assert.Equal(t, greeting, followPayload["message"])

	// The next poll delivers the greeting.
	w.processBatch(ctx)

	sent := adapter.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, greeting, sent[0].Text)
	assert.Equal(t, "42", sent[0].ChatID)
	assert.Equal(t, jobs.StatusCompleted, getJob(t, store, child.ID).Status)
}

func TestResolvePlatform(t *testing.T) {
	store := storage.NewMemory()
	w := newTestWorker(t, store, newScriptedAdapter(platform.Telegram))
	ctx := context.Background()

	sess, err := store.EnsureSession(ctx, session.Ensure{
		Platform:       "instagram",
		PlatformUserID: "ig-1",
		PlatformChatID: "900",
	})
	require.NoError(t, err)

	t.Run("job column wins over the payload hint", func(t *testing.T) {
		target, err := w.resolvePlatform(ctx, &jobs.Job{ID: "r-1", Platform: "telegram"}, "instagram")
		require.NoError(t, err)
		assert.Equal(t, platform.Telegram, target)
	})

	t.Run("normalizes case", func(t *testing.T) {
		target, err := w.resolvePlatform(ctx, &jobs.Job{ID: "r-2", Platform: "Telegram"}, "")
		require.NoError(t, err)
		assert.Equal(t, platform.Telegram, target)
	})

	t.Run("payload hint wins over the session", func(t *testing.T) {
		target, err := w.resolvePlatform(ctx, &jobs.Job{ID: "r-3", SessionID: sess.ID}, "tiktok")
		require.NoError(t, err)
		assert.Equal(t, platform.TikTok, target)
	})

	t.Run("falls back to the session", func(t *testing.T) {
		target, err := w.resolvePlatform(ctx, &jobs.Job{ID: "r-4", SessionID: sess.ID}, "")
		require.NoError(t, err)
		assert.Equal(t, platform.Instagram, target)
	})

	t.Run("missing session falls through to an error", func(t *testing.T) {
		_, err := w.resolvePlatform(ctx, &jobs.Job{ID: "r-5", SessionID: "no-such-session"}, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unable to resolve target platform")

		var retryable *jobs.RetryableError
		assert.False(t, errors.As(err, &retryable))
	})

	t.Run("nothing to resolve is a permanent error", func(t *testing.T) {
		_, err := w.resolvePlatform(ctx, &jobs.Job{ID: "r-6"}, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unable to resolve target platform")
	})
}

func TestDeliverShapesMessageToCapabilities(t *testing.T) {
	store := storage.NewMemory()
	adapter := newScriptedAdapter(platform.Instagram)
	adapter.caps = platform.Capabilities{MaxMessageLength: 5}
	w := newTestWorker(t, store, adapter)
	ctx := context.Background()

	_, err := w.handleNotifyUser(ctx, &jobs.Job{
		ID:       "cap-1",
		Platform: "instagram",
		ChatID:   "900",
		Payload: json.RawMessage(`{
			"message": "hello world",
			"parse_mode": "markdown",
			"buttons": [{"label": "Yes", "data": "y"}]
		}`),
	})
	require.NoError(t, err)

	sent := adapter.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Text)
	assert.Empty(t, sent[0].ParseMode)
	assert.Empty(t, sent[0].Buttons)
}
