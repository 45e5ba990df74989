package telegram

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiodeibc/omnirelay/internal/platform"
)

func newTestAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()

	if cfg.BotToken == "" {
		cfg.BotToken = "test-token"
	}
	if cfg.SendPerSecond == 0 {
		cfg.SendPerSecond = 1000
	}

	adapter, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return adapter
}

func TestNewRequiresBotToken(t *testing.T) {
	_, err := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestValidateWebhook(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		header  string
		wantErr bool
	}{
		{
			name:   "matching secret",
			secret: "hunter2",
			header: "hunter2",
		},
		{
			name:    "wrong secret",
			secret:  "hunter2",
			header:  "hunter3",
			wantErr: true,
		},
		{
			name:    "missing header",
			secret:  "hunter2",
			wantErr: true,
		},
		{
			name:   "no secret configured skips validation",
			header: "anything",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, Config{WebhookSecret: tt.secret})

			header := http.Header{}
			if tt.header != "" {
				header.Set(secretTokenHeader, tt.header)
			}

			err := adapter.ValidateWebhook(header, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, platform.ErrWebhookAuth)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseIncoming(t *testing.T) {
	adapter := newTestAdapter(t, Config{})

	t.Run("text message", func(t *testing.T) {
		payload := []byte(`{
			"update_id": 10,
			"message": {
				"message_id": 55,
				"from": {"id": 777, "username": "alice", "first_name": "Alice", "language_code": "en"},
				"chat": {"id": -100123, "title": "Ops", "type": "group"},
				"date": 1718000000,
				"text": "hello there",
				"reply_to_message": {"message_id": 54}
			}
		}`)

		msg, err := adapter.ParseIncoming(payload)
		require.NoError(t, err)
		require.NotNil(t, msg)

		assert.Equal(t, platform.Telegram, msg.Platform)
		assert.Equal(t, "55", msg.MessageID)
		assert.Equal(t, "777", msg.User.ID)
		assert.Equal(t, "alice", msg.User.Username)
		assert.Equal(t, "-100123", msg.Chat.ID)
		assert.Equal(t, "group", msg.Chat.Type)
		assert.Equal(t, "hello there", msg.Text)
		assert.Equal(t, "54", msg.ReplyToID)
		assert.Equal(t, int64(1718000000), msg.Timestamp.Unix())
		assert.JSONEq(t, string(payload), string(msg.Raw))
	})

	t.Run("edited message", func(t *testing.T) {
		payload := []byte(`{
			"update_id": 11,
			"edited_message": {
				"message_id": 56,
				"from": {"id": 777},
				"chat": {"id": 777},
				"text": "fixed typo"
			}
		}`)

		msg, err := adapter.ParseIncoming(payload)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "fixed typo", msg.Text)
		assert.Equal(t, "private", msg.Chat.Type)
	})

	t.Run("photo with caption picks largest size", func(t *testing.T) {
		payload := []byte(`{
			"update_id": 12,
			"message": {
				"message_id": 57,
				"chat": {"id": 777, "type": "private"},
				"caption": "look at this",
				"photo": [
					{"file_id": "small", "width": 90, "height": 90},
					{"file_id": "large", "width": 800, "height": 800}
				]
			}
		}`)

		msg, err := adapter.ParseIncoming(payload)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "look at this", msg.Text)
		assert.Equal(t, "image", msg.MediaType)
		assert.Equal(t, []string{"large"}, msg.MediaURLs)
	})

	t.Run("non-message update is skipped", func(t *testing.T) {
		payload := []byte(`{"update_id": 13, "callback_query": {"id": "q1"}}`)

		msg, err := adapter.ParseIncoming(payload)
		require.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := adapter.ParseIncoming([]byte(`{"update_id":`))
		assert.Error(t, err)
	})
}

func TestSendMessage(t *testing.T) {
	t.Run("successful send", func(t *testing.T) {
		var captured sendMessageRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/bottest-token/sendMessage", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"message_id": 42},
			})
		}))
		defer srv.Close()

		adapter := newTestAdapter(t, Config{BaseURL: srv.URL})
		result, err := adapter.SendMessage(context.Background(), platform.OutgoingMessage{
			ChatID:    "777",
			Text:      "hi",
			ParseMode: "markdown",
			ReplyToID: "41",
			Buttons: []platform.Button{
				{Label: "Yes", Data: "yes"},
				{Label: "Docs", URL: "https://example.com"},
				{Label: "ignored"},
			},
		})

		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "42", result.MessageID)
		assert.Equal(t, "777", result.Metadata["chat_id"])

		assert.Equal(t, "777", captured.ChatID)
		assert.Equal(t, "Markdown", captured.ParseMode)
		assert.Equal(t, int64(41), captured.ReplyToMessageID)
		require.NotNil(t, captured.ReplyMarkup)
		require.Len(t, captured.ReplyMarkup.InlineKeyboard, 2)
		assert.Equal(t, "yes", captured.ReplyMarkup.InlineKeyboard[0][0].CallbackData)
		assert.Equal(t, "https://example.com", captured.ReplyMarkup.InlineKeyboard[1][0].URL)
	})

	t.Run("rate limited response is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"ok":          false,
				"error_code":  429,
				"description": "Too Many Requests",
			})
		}))
		defer srv.Close()

		adapter := newTestAdapter(t, Config{BaseURL: srv.URL})
		result, err := adapter.SendMessage(context.Background(), platform.OutgoingMessage{ChatID: "777", Text: "hi"})

		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.True(t, result.Transient)
		assert.Equal(t, "429", result.ErrorCode)
	})

	t.Run("client error is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"ok":          false,
				"error_code":  400,
				"description": "Bad Request: chat not found",
			})
		}))
		defer srv.Close()

		adapter := newTestAdapter(t, Config{BaseURL: srv.URL})
		result, err := adapter.SendMessage(context.Background(), platform.OutgoingMessage{ChatID: "bogus", Text: "hi"})

		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.False(t, result.Transient)
		assert.Equal(t, "400", result.ErrorCode)
		assert.Contains(t, result.Error, "chat not found")
	})

	t.Run("network failure is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		adapter := newTestAdapter(t, Config{BaseURL: srv.URL})
		result, err := adapter.SendMessage(context.Background(), platform.OutgoingMessage{ChatID: "777", Text: "hi"})

		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.True(t, result.Transient)
		assert.Equal(t, "network_error", result.ErrorCode)
	})
}

func TestInitialize(t *testing.T) {
	t.Run("valid token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/bottest-token/getMe", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"username": "relay_bot"},
			})
		}))
		defer srv.Close()

		adapter := newTestAdapter(t, Config{BaseURL: srv.URL})
		assert.NoError(t, adapter.Initialize(context.Background()))
	})

	t.Run("rejected token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"ok":          false,
				"description": "Unauthorized",
			})
		}))
		defer srv.Close()

		adapter := newTestAdapter(t, Config{BaseURL: srv.URL})
		err := adapter.Initialize(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Unauthorized")
	})
}

func TestCapabilities(t *testing.T) {
	adapter := newTestAdapter(t, Config{})
	caps := adapter.Capabilities()

	assert.True(t, caps.Buttons)
	assert.True(t, caps.Markdown)
	assert.Equal(t, 4096, caps.MaxMessageLength)
	assert.Contains(t, caps.MediaTypes, "sticker")
}
