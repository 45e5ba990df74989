package instagram

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
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

	if cfg.AccessToken == "" {
		cfg.AccessToken = "test-access-token"
	}
	if cfg.AccountID == "" {
		cfg.AccountID = "17840000000"
	}
	if cfg.SendPerSecond == 0 {
		cfg.SendPerSecond = 1000
	}

	adapter, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return adapter
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func TestNewRequiresCredentials(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New(Config{AccountID: "123"}, logger)
	assert.Error(t, err)

	_, err = New(Config{AccessToken: "tok"}, logger)
	assert.Error(t, err)
}

func TestValidateWebhook(t *testing.T) {
	body := []byte(`{"object":"instagram"}`)

	tests := []struct {
		name      string
		appSecret string
		signature string
		wantErr   bool
	}{
		{
			name:      "valid signature",
			appSecret: "s3cret",
			signature: signBody("s3cret", body),
		},
		{
			name:      "wrong key",
			appSecret: "s3cret",
			signature: signBody("other", body),
			wantErr:   true,
		},
		{
			name:      "missing prefix",
			appSecret: "s3cret",
			signature: strings.TrimPrefix(signBody("s3cret", body), signaturePrefix),
			wantErr:   true,
		},
		{
			name:      "absent header",
			appSecret: "s3cret",
			wantErr:   true,
		},
		{
			name:      "no secret configured skips validation",
			signature: "sha256=whatever",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newTestAdapter(t, Config{AppSecret: tt.appSecret})

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
	adapter := newTestAdapter(t, Config{VerifyToken: "verify-me"})

	t.Run("valid handshake echoes challenge", func(t *testing.T) {
		challenge, err := adapter.VerifySubscription("subscribe", "verify-me", "12345")
		require.NoError(t, err)
		assert.Equal(t, "12345", challenge)
	})

	t.Run("wrong token", func(t *testing.T) {
		_, err := adapter.VerifySubscription("subscribe", "nope", "12345")
		assert.ErrorIs(t, err, platform.ErrVerificationFailed)
	})

	t.Run("wrong mode", func(t *testing.T) {
		_, err := adapter.VerifySubscription("unsubscribe", "verify-me", "12345")
		assert.ErrorIs(t, err, platform.ErrVerificationFailed)
	})
}

func TestParseIncoming(t *testing.T) {
	adapter := newTestAdapter(t, Config{})

	t.Run("direct message", func(t *testing.T) {
		payload := []byte(`{
			"object": "instagram",
			"entry": [{
				"id": "17840000000",
				"time": 1718000000000,
				"messaging": [{
					"sender": {"id": "890123"},
					"recipient": {"id": "17840000000"},
					"timestamp": 1718000000123,
					"message": {"mid": "mid.abc", "text": "hey"}
				}]
			}]
		}`)

		msg, err := adapter.ParseIncoming(payload)
		require.NoError(t, err)
		require.NotNil(t, msg)

		assert.Equal(t, platform.Instagram, msg.Platform)
		assert.Equal(t, "mid.abc", msg.MessageID)
		assert.Equal(t, "890123", msg.User.ID)
		assert.Equal(t, "890123", msg.Chat.ID)
		assert.Equal(t, "private", msg.Chat.Type)
		assert.Equal(t, "17840000000", msg.Chat.Metadata["recipient_id"])
		assert.Equal(t, "hey", msg.Text)
		assert.Equal(t, int64(1718000000), msg.Timestamp.Unix())
	})

	t.Run("image attachment", func(t *testing.T) {
		payload := []byte(`{
			"entry": [{
				"messaging": [{
					"sender": {"id": "890123"},
					"message": {
						"mid": "mid.img",
						"attachments": [{"type": "image", "payload": {"url": "https://cdn.example/img.jpg"}}]
					}
				}]
			}]
		}`)

		msg, err := adapter.ParseIncoming(payload)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "image", msg.MediaType)
		assert.Equal(t, []string{"https://cdn.example/img.jpg"}, msg.MediaURLs)
	})

	t.Run("echo of our own send is skipped", func(t *testing.T) {
		payload := []byte(`{
			"entry": [{
				"messaging": [{
					"sender": {"id": "17840000000"},
					"message": {"mid": "mid.echo", "text": "hey", "is_echo": true}
				}]
			}]
		}`)

		msg, err := adapter.ParseIncoming(payload)
		require.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("read receipt is skipped", func(t *testing.T) {
		payload := []byte(`{
			"entry": [{
				"messaging": [{
					"sender": {"id": "890123"},
					"read": {"watermark": 1718000000000}
				}]
			}]
		}`)

		msg, err := adapter.ParseIncoming(payload)
		require.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := adapter.ParseIncoming([]byte(`{"entry": [`))
		assert.Error(t, err)
	})
}

func TestSendMessage(t *testing.T) {
	t.Run("successful send with quick replies", func(t *testing.T) {
		var captured sendRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/17840000000/messages", r.URL.Path)
			assert.Equal(t, "test-access-token", r.URL.Query().Get("access_token"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			json.NewEncoder(w).Encode(map[string]any{
				"recipient_id": "890123",
				"message_id":   "mid.out",
			})
		}))
		defer srv.Close()

		adapter := newTestAdapter(t, Config{BaseURL: srv.URL})

		buttons := make([]platform.Button, 0, 15)
		for i := 0; i < 15; i++ {
			buttons = append(buttons, platform.Button{
				Label: fmt.Sprintf("a very long button label %d", i),
				Data:  fmt.Sprintf("btn-%d", i),
			})
		}

		result, err := adapter.SendMessage(context.Background(), platform.OutgoingMessage{
			ChatID:  "890123",
			Text:    "hello",
			Buttons: buttons,
		})

		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "mid.out", result.MessageID)
		assert.Equal(t, "890123", result.Metadata["recipient_id"])

		assert.Equal(t, "890123", captured.Recipient.ID)
		assert.Equal(t, "hello", captured.Message.Text)
		require.Len(t, captured.Message.QuickReplies, maxQuickReplies)
		assert.Equal(t, "text", captured.Message.QuickReplies[0].ContentType)
		assert.Len(t, []rune(captured.Message.QuickReplies[0].Title), maxQuickReplyTitle)
		assert.Equal(t, "btn-0", captured.Message.QuickReplies[0].Payload)
	})

	t.Run("server error is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "upstream unavailable", "code": 2},
			})
		}))
		defer srv.Close()

		adapter := newTestAdapter(t, Config{BaseURL: srv.URL})
		result, err := adapter.SendMessage(context.Background(), platform.OutgoingMessage{ChatID: "890123", Text: "hi"})

		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.True(t, result.Transient)
		assert.Equal(t, "502", result.ErrorCode)
		assert.Contains(t, result.Error, "upstream unavailable")
	})

	t.Run("client error is permanent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "Invalid user id", "code": 100},
			})
		}))
		defer srv.Close()

		adapter := newTestAdapter(t, Config{BaseURL: srv.URL})
		result, err := adapter.SendMessage(context.Background(), platform.OutgoingMessage{ChatID: "bogus", Text: "hi"})

		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.False(t, result.Transient)
		assert.Equal(t, "400", result.ErrorCode)
	})

	t.Run("network failure is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		adapter := newTestAdapter(t, Config{BaseURL: srv.URL})
		result, err := adapter.SendMessage(context.Background(), platform.OutgoingMessage{ChatID: "890123", Text: "hi"})

		require.NoError(t, err)
		assert.True(t, result.Transient)
		assert.Equal(t, "network_error", result.ErrorCode)
	})
}
