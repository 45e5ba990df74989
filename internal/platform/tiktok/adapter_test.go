package tiktok

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiodeibc/omnirelay/internal/platform"
)

func newTestAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()

	if cfg.ClientKey == "" {
		cfg.ClientKey = "test-client-key"
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = "test-client-secret"
	}

	adapter, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return adapter
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestNewRequiresCredentials(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New(Config{ClientSecret: "s"}, logger)
	assert.Error(t, err)

	_, err = New(Config{ClientKey: "k"}, logger)
	assert.Error(t, err)
}

func TestValidateWebhook(t *testing.T) {
	body := []byte(`{"event":"comment"}`)

	tests := []struct {
		name      string
		signature string
		wantErr   bool
	}{
		{
			name:      "valid signature",
			signature: signBody("test-client-secret", body),
		},
		{
			name:      "wrong key",
			signature: signBody("other-secret", body),
			wantErr:   true,
		},
		{
			name:    "missing header",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, Config{})

			header := http.Header{}
			if tt.signature != "" {
				header.Set(signatureHeader, tt.signature)
			}

			err := adapter.ValidateWebhook(header, body)
			if tt.wantErr {
				assert.ErrorIs(t, err, platform.ErrWebhookAuth)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifySubscription(t *testing.T) {
	adapter := newTestAdapter(t, Config{})

	challenge, err := adapter.VerifySubscription("", "", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", challenge)

	_, err = adapter.VerifySubscription("", "", "")
	assert.ErrorIs(t, err, platform.ErrVerificationFailed)
}

func TestParseIncoming(t *testing.T) {
	adapter := newTestAdapter(t, Config{})

	t.Run("comment event", func(t *testing.T) {
		payload := []byte(`{
			"event": "comment",
			"data": {
				"video_id": "vid-9",
				"comment": {"comment_id": "c-1", "text": "nice video", "create_time": 1718000000},
				"user": {"open_id": "user-7", "display_name": "creator", "avatar_url": "https://cdn.example/a.png"}
			}
		}`)

		msg, err := adapter.ParseIncoming(payload)
		require.NoError(t, err)
		require.NotNil(t, msg)

		assert.Equal(t, platform.TikTok, msg.Platform)
		assert.Equal(t, "c-1", msg.MessageID)
		assert.Equal(t, "user-7", msg.User.ID)
		assert.Equal(t, "creator", msg.User.Username)
		assert.Equal(t, "vid-9", msg.Chat.ID)
		assert.Equal(t, "comment", msg.Chat.Type)
		assert.Equal(t, "nice video", msg.Text)
		assert.Equal(t, int64(1718000000), msg.Timestamp.Unix())
		assert.Equal(t, "comment", msg.Metadata["event_type"])
	})

	t.Run("direct message event", func(t *testing.T) {
		payload := []byte(`{
			"event": "direct_message",
			"data": {
				"message": {"message_id": "dm-3", "text": "hello"},
				"sender": {"open_id": "user-8", "display_name": "fan"}
			}
		}`)

		msg, err := adapter.ParseIncoming(payload)
		require.NoError(t, err)
		require.NotNil(t, msg)

		assert.Equal(t, "dm-3", msg.MessageID)
		assert.Equal(t, "user-8", msg.Chat.ID)
		assert.Equal(t, "private", msg.Chat.Type)
		assert.Equal(t, "hello", msg.Text)
		assert.Equal(t, "direct_message", msg.Metadata["event_type"])
	})

	t.Run("follow event is skipped", func(t *testing.T) {
		msg, err := adapter.ParseIncoming([]byte(`{"event": "follow", "data": {}}`))
		require.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := adapter.ParseIncoming([]byte(`{"event":`))
		assert.Error(t, err)
	})
}

func TestSendMessageNotImplemented(t *testing.T) {
	adapter := newTestAdapter(t, Config{})

	longText := strings.Repeat("x", 150)
	result, err := adapter.SendMessage(context.Background(), platform.OutgoingMessage{
		ChatID: "user-7",
		Text:   longText,
	})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.False(t, result.Transient)
	assert.Equal(t, "NOT_IMPLEMENTED", result.ErrorCode)
	assert.Equal(t, "user-7", result.Metadata["intended_recipient"])
	assert.Len(t, result.Metadata["message_preview"], 100)
}

func TestExchangeAuthCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/oauth/token/", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "test-client-key", r.PostForm.Get("client_key"))
		assert.Equal(t, "auth-code-1", r.PostForm.Get("code"))
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))

		json.NewEncoder(w).Encode(OAuthToken{
			AccessToken: "act.123",
			OpenID:      "user-7",
			ExpiresIn:   86400,
		})
	}))
	defer srv.Close()

	adapter := newTestAdapter(t, Config{BaseURL: srv.URL})
	token, err := adapter.ExchangeAuthCode(context.Background(), "auth-code-1", "https://example.com/cb")

	require.NoError(t, err)
	assert.Equal(t, "act.123", token.AccessToken)
	assert.Equal(t, "user-7", token.OpenID)
}
