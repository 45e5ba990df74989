// Package instagram implements the platform.Adapter contract for Instagram
// Direct Messages through the Meta Graph API. Webhooks arrive in the
// Messenger platform format and are authenticated with an HMAC-SHA256
// signature over the raw body.
package instagram

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/visiodeibc/omnirelay/internal/platform"
)

const (
	defaultBaseURL = "https://graph.facebook.com/v18.0"

	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="

	// Graph API limits on quick replies.
	maxQuickReplies    = 13
	maxQuickReplyTitle = 20

	// defaultSendPerSecond keeps sends under the Graph API's
	// conversation-based messaging quotas.
	defaultSendPerSecond = 10
)

// Config holds Meta Graph API credentials.
type Config struct {
	// AccessToken is a page token with instagram_basic and
	// instagram_manage_messages permissions.
	AccessToken string

	// AccountID is the Instagram account messages are sent from.
	AccountID string

	// AppSecret signs webhook deliveries. Empty disables signature
	// checks, acceptable only in development.
	AppSecret string

	// VerifyToken answers the subscription handshake Meta performs
	// when the webhook URL is registered.
	VerifyToken string

	// BaseURL overrides the Graph API endpoint, used by tests.
	BaseURL string

	// SendPerSecond caps outbound send calls. Zero means the package
	// default.
	SendPerSecond float64
}

// Adapter talks to the Instagram Messaging API.
type Adapter struct {
	cfg     Config
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("instagram access token is required")
	}
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("instagram account id is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	perSecond := cfg.SendPerSecond
	if perSecond <= 0 {
		perSecond = defaultSendPerSecond
	}

	return &Adapter{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  logger,
	}, nil
}

func (a *Adapter) Platform() platform.Platform {
	return platform.Instagram
}

func (a *Adapter) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		Buttons:          true,
		Markdown:         false,
		HTML:             false,
		Media:            true,
		Replies:          true,
		Editing:          false,
		Deletion:         false,
		MaxMessageLength: 1000,
		MediaTypes:       []string{"image", "video", "audio"},
	}
}

// ValidateWebhook checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the raw body keyed with the app secret.
func (a *Adapter) ValidateWebhook(header http.Header, body []byte) error {
	if a.cfg.AppSecret == "" {
		a.logger.Warn("Instagram app secret not configured, accepting webhook unverified")
		return nil
	}

	sig := header.Get(signatureHeader)
	if !strings.HasPrefix(sig, signaturePrefix) {
		return fmt.Errorf("%w: malformed %s header", platform.ErrWebhookAuth, signatureHeader)
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.AppSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(strings.TrimPrefix(sig, signaturePrefix)), []byte(want)) {
		return fmt.Errorf("%w: signature mismatch", platform.ErrWebhookAuth)
	}
	return nil
}

// VerifySubscription answers Meta's webhook registration handshake.
func (a *Adapter) VerifySubscription(mode, token, challenge string) (string, error) {
	if mode != "subscribe" || token != a.cfg.VerifyToken {
		return "", fmt.Errorf("%w: mode %q", platform.ErrVerificationFailed, mode)
	}
	return challenge, nil
}

// Messenger platform webhook shapes, limited to the fields the relay reads.
type webhookPayload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []messagingEvent `json:"messaging"`
}

type messagingEvent struct {
	Sender    party           `json:"sender"`
	Recipient party           `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Message   *inboundMessage `json:"message"`
}

type party struct {
	ID string `json:"id"`
}

type inboundMessage struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

// ParseIncoming extracts the first direct message from a webhook delivery.
// Read receipts, typing indicators, and echoes of our own sends return
// nil, nil.
func (a *Adapter) ParseIncoming(payload []byte) (*platform.IncomingMessage, error) {
	var hook webhookPayload
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, fmt.Errorf("parse instagram webhook: %w", err)
	}

	for _, e := range hook.Entry {
		for _, event := range e.Messaging {
			if event.Message == nil || event.Message.IsEcho {
				continue
			}

			incoming := &platform.IncomingMessage{
				Platform:  platform.Instagram,
				MessageID: event.Message.MID,
				User: platform.User{
					ID:       event.Sender.ID,
					Metadata: map[string]string{"instagram_scoped_id": event.Sender.ID},
				},
				// For direct messages the conversation is keyed by the
				// sender's scoped id.
				Chat: platform.Chat{
					ID:       event.Sender.ID,
					Type:     "private",
					Metadata: map[string]string{"recipient_id": event.Recipient.ID},
				},
				Text: event.Message.Text,
				Raw:  json.RawMessage(payload),
			}

			if event.Timestamp > 0 {
				incoming.Timestamp = time.UnixMilli(event.Timestamp).UTC()
			}

			for _, att := range event.Message.Attachments {
				switch att.Type {
				case "image", "video", "audio":
					incoming.MediaType = att.Type
					incoming.MediaURLs = append(incoming.MediaURLs, att.Payload.URL)
				}
			}

			return incoming, nil
		}
	}

	return nil, nil
}

type sendRequest struct {
	Recipient party           `json:"recipient"`
	Message   outboundMessage `json:"message"`
}

type outboundMessage struct {
	Text         string       `json:"text"`
	QuickReplies []quickReply `json:"quick_replies,omitempty"`
}

type quickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
	Error       *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendMessage delivers msg as an Instagram direct message. Buttons map to
// quick replies, capped at the Graph API limits. 429 and 5xx responses are
// transient; other rejections are final.
func (a *Adapter) SendMessage(ctx context.Context, msg platform.OutgoingMessage) (platform.DeliveryResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return platform.DeliveryResult{
			Success:   false,
			Error:     err.Error(),
			ErrorCode: "canceled",
			Transient: true,
		}, nil
	}

	req := sendRequest{
		Recipient: party{ID: msg.ChatID},
		Message: outboundMessage{
			Text:         msg.Text,
			QuickReplies: buildQuickReplies(msg.Buttons),
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return platform.DeliveryResult{}, fmt.Errorf("encode instagram send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.sendURL(), bytes.NewReader(body))
	if err != nil {
		return platform.DeliveryResult{}, fmt.Errorf("build instagram send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return platform.DeliveryResult{
			Success:   false,
			Error:     err.Error(),
			ErrorCode: "network_error",
			Transient: true,
		}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return platform.DeliveryResult{
			Success:   false,
			Error:     err.Error(),
			ErrorCode: "bad_response",
			Transient: true,
		}, nil
	}

	var apiResp sendResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		apiResp = sendResponse{}
	}

	if resp.StatusCode != http.StatusOK {
		errMsg := strings.TrimSpace(string(raw))
		if apiResp.Error != nil {
			errMsg = apiResp.Error.Message
		}
		a.logger.Warn("Instagram send rejected",
			slog.Int("status", resp.StatusCode),
			slog.String("error", errMsg),
		)
		return platform.DeliveryResult{
			Success:   false,
			Error:     fmt.Sprintf("HTTP %d: %s", resp.StatusCode, errMsg),
			ErrorCode: fmt.Sprintf("%d", resp.StatusCode),
			Transient: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}, nil
	}

	return platform.DeliveryResult{
		Success:   true,
		MessageID: apiResp.MessageID,
		Metadata:  map[string]string{"recipient_id": apiResp.RecipientID},
	}, nil
}

// Initialize has no cheap remote check; credentials were validated at
// construction and bad tokens surface on the first send.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.logger.Info("Instagram adapter ready",
		slog.String("account_id", a.cfg.AccountID),
	)
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) sendURL() string {
	return fmt.Sprintf("%s/%s/messages?access_token=%s",
		a.baseURL, a.cfg.AccountID, url.QueryEscape(a.cfg.AccessToken))
}

func buildQuickReplies(buttons []platform.Button) []quickReply {
	if len(buttons) == 0 {
		return nil
	}
	if len(buttons) > maxQuickReplies {
		buttons = buttons[:maxQuickReplies]
	}

	replies := make([]quickReply, 0, len(buttons))
	for _, b := range buttons {
		title := []rune(b.Label)
		if len(title) > maxQuickReplyTitle {
			title = title[:maxQuickReplyTitle]
		}
		data := b.Data
		if data == "" {
			data = b.Label
		}
		replies = append(replies, quickReply{
			ContentType: "text",
			Title:       string(title),
			Payload:     data,
		})
	}
	return replies
}
