// Package tiktok implements the platform.Adapter contract for TikTok.
// Webhooks for comments and direct messages are parsed and authenticated,
// but TikTok exposes no third-party direct messaging endpoint yet, so
// outbound sends report a permanent NOT_IMPLEMENTED failure.
package tiktok

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/visiodeibc/omnirelay/internal/platform"
)

const (
	defaultBaseURL = "https://open.tiktokapis.com/v2"

	signatureHeader = "X-TikTok-Signature"
)

// Config holds TikTok for Developers app credentials.
type Config struct {
	ClientKey    string
	ClientSecret string

	// AccessToken is the user token for API calls; unused until TikTok
	// opens a messaging endpoint.
	AccessToken string

	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
}

// Adapter handles TikTok webhook traffic.
type Adapter struct {
	cfg     Config
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.ClientKey == "" {
		return nil, fmt.Errorf("tiktok client key is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("tiktok client secret is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Adapter{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}, nil
}

func (a *Adapter) Platform() platform.Platform {
	return platform.TikTok
}

func (a *Adapter) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		Buttons:          false,
		Markdown:         false,
		HTML:             false,
		Media:            true,
		Replies:          false,
		Editing:          false,
		Deletion:         false,
		MaxMessageLength: 1000,
		MediaTypes:       []string{"video"},
	}
}

// ValidateWebhook checks the X-TikTok-Signature header against an
// HMAC-SHA256 of the raw body keyed with the client secret. TikTok sends
// the digest as bare hex, without a scheme prefix.
func (a *Adapter) ValidateWebhook(header http.Header, body []byte) error {
	sig := header.Get(signatureHeader)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", platform.ErrWebhookAuth, signatureHeader)
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.ClientSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(want)) {
		return fmt.Errorf("%w: signature mismatch", platform.ErrWebhookAuth)
	}
	return nil
}

// VerifySubscription answers TikTok's webhook registration ping, which
// only requires echoing the challenge back.
func (a *Adapter) VerifySubscription(mode, token, challenge string) (string, error) {
	if challenge == "" {
		return "", fmt.Errorf("%w: empty challenge", platform.ErrVerificationFailed)
	}
	return challenge, nil
}

// TikTok webhook shapes, limited to the fields the relay reads.
type webhookEvent struct {
	Event string    `json:"event"`
	Data  eventData `json:"data"`
}

type eventData struct {
	VideoID string          `json:"video_id"`
	Comment *commentData    `json:"comment"`
	User    *userData       `json:"user"`
	Message *directMessage  `json:"message"`
	Sender  *userData       `json:"sender"`
	Extra   json.RawMessage `json:"extra"`
}

type commentData struct {
	CommentID  string `json:"comment_id"`
	Text       string `json:"text"`
	CreateTime int64  `json:"create_time"`
}

type directMessage struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type userData struct {
	OpenID      string `json:"open_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// ParseIncoming handles comment and direct_message events. Follow events
// and other notification types return nil, nil.
func (a *Adapter) ParseIncoming(payload []byte) (*platform.IncomingMessage, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("parse tiktok webhook: %w", err)
	}

	switch event.Event {
	case "comment":
		if event.Data.Comment == nil {
			return nil, nil
		}

		incoming := &platform.IncomingMessage{
			Platform:  platform.TikTok,
			MessageID: event.Data.Comment.CommentID,
			// Comment threads are keyed by the video they belong to.
			Chat: platform.Chat{
				ID:       event.Data.VideoID,
				Type:     "comment",
				Metadata: map[string]string{"video_id": event.Data.VideoID},
			},
			Text:     event.Data.Comment.Text,
			Raw:      json.RawMessage(payload),
			Metadata: map[string]string{"event_type": "comment"},
		}

		if u := event.Data.User; u != nil {
			incoming.User = platform.User{
				ID:       u.OpenID,
				Username: u.DisplayName,
				Metadata: map[string]string{"avatar_url": u.AvatarURL},
			}
		}
		if ts := event.Data.Comment.CreateTime; ts > 0 {
			incoming.Timestamp = time.Unix(ts, 0).UTC()
		}

		return incoming, nil

	case "direct_message":
		if event.Data.Message == nil {
			return nil, nil
		}

		incoming := &platform.IncomingMessage{
			Platform:  platform.TikTok,
			MessageID: event.Data.Message.MessageID,
			Text:      event.Data.Message.Text,
			Raw:       json.RawMessage(payload),
			Metadata:  map[string]string{"event_type": "direct_message"},
		}

		if s := event.Data.Sender; s != nil {
			incoming.User = platform.User{
				ID:       s.OpenID,
				Username: s.DisplayName,
			}
			incoming.Chat = platform.Chat{
				ID:   s.OpenID,
				Type: "private",
			}
		}

		return incoming, nil
	}

	a.logger.Debug("unhandled TikTok event type",
		slog.String("event", event.Event),
	)
	return nil, nil
}

// SendMessage reports a permanent failure until TikTok ships a third-party
// messaging endpoint. The intent is logged so operators can deliver through
// an alternative channel.
func (a *Adapter) SendMessage(ctx context.Context, msg platform.OutgoingMessage) (platform.DeliveryResult, error) {
	a.logger.Info("TikTok message send requested",
		slog.String("chat_id", msg.ChatID),
		slog.String("preview", truncateRunes(msg.Text, 50)),
	)

	return platform.DeliveryResult{
		Success:   false,
		Error:     "TikTok direct messaging not yet implemented",
		ErrorCode: "NOT_IMPLEMENTED",
		Transient: false,
		Metadata: map[string]string{
			"note":               "TikTok DM API is limited. Messages logged for alternative delivery.",
			"intended_recipient": msg.ChatID,
			"message_preview":    truncateRunes(msg.Text, 100),
		},
	}, nil
}

func (a *Adapter) Initialize(ctx context.Context) error {
	a.logger.Info("TikTok adapter ready",
		slog.String("client_key", a.cfg.ClientKey),
	)
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

// OAuthToken is the response of the authorization-code exchange.
type OAuthToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	OpenID       string `json:"open_id"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// ExchangeAuthCode trades an OAuth authorization code for an access token.
// Used when a TikTok user authorizes the app.
func (a *Adapter) ExchangeAuthCode(ctx context.Context, code, redirectURI string) (*OAuthToken, error) {
	form := url.Values{
		"client_key":    {a.cfg.ClientKey},
		"client_secret": {a.cfg.ClientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {redirectURI},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/oauth/token/", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange auth code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("exchange auth code: unexpected status %d", resp.StatusCode)
	}

	var token OAuthToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &token, nil
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
