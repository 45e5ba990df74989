// Package telegram implements the platform.Adapter contract for the
// Telegram Bot API. Webhooks are authenticated with the secret token
// Telegram echoes back in a request header; outbound sends go through
// the sendMessage method with a client-side rate limit.
package telegram

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/visiodeibc/omnirelay/internal/platform"
)

const (
	defaultBaseURL = "https://api.telegram.org"

	// secretTokenHeader carries the value set at setWebhook time; Telegram
	// repeats it on every webhook delivery.
	secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

	// defaultSendPerSecond tracks the Bot API's global sending ceiling.
	defaultSendPerSecond = 30
)

// Config holds Telegram credentials and tuning knobs.
type Config struct {
	BotToken      string
	WebhookSecret string

	// BaseURL overrides the Bot API endpoint, used by tests.
	BaseURL string

	// SendPerSecond caps outbound sendMessage calls. Zero means the
	// Bot API default of 30.
	SendPerSecond float64
}

// Adapter talks to the Telegram Bot API.
type Adapter struct {
	cfg     Config
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New builds a Telegram adapter. The bot token is required; the webhook
// secret is optional but strongly recommended outside development.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
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
	return platform.Telegram
}

func (a *Adapter) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		Buttons:          true,
		Markdown:         true,
		HTML:             true,
		Media:            true,
		Replies:          true,
		Editing:          true,
		Deletion:         true,
		MaxMessageLength: 4096,
		MediaTypes:       []string{"image", "video", "audio", "document", "sticker"},
	}
}

// ValidateWebhook compares the secret token header against the configured
// secret in constant time. With no secret configured validation is skipped,
// which is only acceptable for local development.
func (a *Adapter) ValidateWebhook(header http.Header, body []byte) error {
	if a.cfg.WebhookSecret == "" {
		return nil
	}

	got := header.Get(secretTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.WebhookSecret)) != 1 {
		return fmt.Errorf("%w: secret token mismatch", platform.ErrWebhookAuth)
	}
	return nil
}

// Telegram Bot API wire shapes, limited to the fields the relay reads.
type update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *message `json:"message"`
	EditedMessage *message `json:"edited_message"`
}

type message struct {
	MessageID      int64       `json:"message_id"`
	From           *user       `json:"from"`
	Chat           chat        `json:"chat"`
	Date           int64       `json:"date"`
	Text           string      `json:"text"`
	Caption        string      `json:"caption"`
	Photo          []photoSize `json:"photo"`
	Video          *mediaFile  `json:"video"`
	Audio          *mediaFile  `json:"audio"`
	Document       *mediaFile  `json:"document"`
	ReplyToMessage *struct {
		MessageID int64 `json:"message_id"`
	} `json:"reply_to_message"`
}

type user struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	LanguageCode string `json:"language_code"`
}

type chat struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type photoSize struct {
	FileID string `json:"file_id"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type mediaFile struct {
	FileID string `json:"file_id"`
}

// ParseIncoming normalizes a Bot API update. Callback queries, channel
// posts, and other non-message updates return nil, nil.
func (a *Adapter) ParseIncoming(payload []byte) (*platform.IncomingMessage, error) {
	var upd update
	if err := json.Unmarshal(payload, &upd); err != nil {
		return nil, fmt.Errorf("parse telegram update: %w", err)
	}

	msg := upd.Message
	if msg == nil {
		msg = upd.EditedMessage
	}
	if msg == nil {
		return nil, nil
	}

	incoming := &platform.IncomingMessage{
		Platform:  platform.Telegram,
		MessageID: strconv.FormatInt(msg.MessageID, 10),
		Chat: platform.Chat{
			ID:    strconv.FormatInt(msg.Chat.ID, 10),
			Title: msg.Chat.Title,
			Type:  msg.Chat.Type,
		},
		Text: msg.Text,
		Raw:  json.RawMessage(payload),
	}

	if incoming.Chat.Type == "" {
		incoming.Chat.Type = "private"
	}
	if incoming.Text == "" {
		incoming.Text = msg.Caption
	}

	if msg.From != nil {
		incoming.User = platform.User{
			ID:           strconv.FormatInt(msg.From.ID, 10),
			Username:     msg.From.Username,
			FirstName:    msg.From.FirstName,
			LastName:     msg.From.LastName,
			LanguageCode: msg.From.LanguageCode,
		}
	}

	if msg.Date > 0 {
		incoming.Timestamp = time.Unix(msg.Date, 0).UTC()
	}
	if msg.ReplyToMessage != nil {
		incoming.ReplyToID = strconv.FormatInt(msg.ReplyToMessage.MessageID, 10)
	}

	// Media attachments carry Bot API file ids, resolvable later via getFile.
	switch {
	case len(msg.Photo) > 0:
		incoming.MediaType = "image"
		// Telegram lists photo sizes smallest first.
		incoming.MediaURLs = []string{msg.Photo[len(msg.Photo)-1].FileID}
	case msg.Video != nil:
		incoming.MediaType = "video"
		incoming.MediaURLs = []string{msg.Video.FileID}
	case msg.Audio != nil:
		incoming.MediaType = "audio"
		incoming.MediaURLs = []string{msg.Audio.FileID}
	case msg.Document != nil:
		incoming.MediaType = "document"
		incoming.MediaURLs = []string{msg.Document.FileID}
	}

	return incoming, nil
}

type sendMessageRequest struct {
	ChatID              string                `json:"chat_id"`
	Text                string                `json:"text"`
	ParseMode           string                `json:"parse_mode,omitempty"`
	ReplyToMessageID    int64                 `json:"reply_to_message_id,omitempty"`
	DisableNotification bool                  `json:"disable_notification,omitempty"`
	ReplyMarkup         *inlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

type inlineKeyboardMarkup struct {
	InlineKeyboard [][]inlineKeyboardButton `json:"inline_keyboard"`
}

type inlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// SendMessage delivers msg through the Bot API. Network failures and
// 429/5xx responses are reported as transient; other API rejections
// (bad chat id, blocked bot) are final.
func (a *Adapter) SendMessage(ctx context.Context, msg platform.OutgoingMessage) (platform.DeliveryResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return transientFailure("canceled", err), nil
	}

	req := sendMessageRequest{
		ChatID:              msg.ChatID,
		Text:                msg.Text,
		ParseMode:           apiParseMode(msg.ParseMode),
		DisableNotification: msg.DisableNotification,
	}

	if msg.ReplyToID != "" {
		if id, err := strconv.ParseInt(msg.ReplyToID, 10, 64); err == nil {
			req.ReplyToMessageID = id
		}
	}

	if markup := buildKeyboard(msg.Buttons); markup != nil {
		req.ReplyMarkup = markup
	}

	body, err := json.Marshal(req)
	if err != nil {
		return platform.DeliveryResult{}, fmt.Errorf("encode sendMessage request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.methodURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return platform.DeliveryResult{}, fmt.Errorf("build sendMessage request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return transientFailure("network_error", err), nil
	}
	defer resp.Body.Close()

	var apiResp sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return transientFailure("bad_response", err), nil
	}

	if !apiResp.OK {
		a.logger.Warn("Telegram send rejected",
			slog.Int("error_code", apiResp.ErrorCode),
			slog.String("description", apiResp.Description),
		)
		return platform.DeliveryResult{
			Success:   false,
			Error:     apiResp.Description,
			ErrorCode: strconv.Itoa(apiResp.ErrorCode),
			Transient: apiResp.ErrorCode == http.StatusTooManyRequests || apiResp.ErrorCode >= 500,
		}, nil
	}

	return platform.DeliveryResult{
		Success:   true,
		MessageID: strconv.FormatInt(apiResp.Result.MessageID, 10),
		Metadata:  map[string]string{"chat_id": msg.ChatID},
	}, nil
}

type getMeResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		Username string `json:"username"`
	} `json:"result"`
}

// Initialize verifies the bot token with getMe.
func (a *Adapter) Initialize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.methodURL("getMe"), nil)
	if err != nil {
		return fmt.Errorf("build getMe request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("call getMe: %w", err)
	}
	defer resp.Body.Close()

	var me getMeResponse
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return fmt.Errorf("decode getMe response: %w", err)
	}
	if !me.OK {
		return fmt.Errorf("getMe rejected: %s", me.Description)
	}

	a.logger.Info("Telegram bot verified",
		slog.String("username", me.Result.Username),
	)
	return nil
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", a.baseURL, a.cfg.BotToken, method)
}

func apiParseMode(mode string) string {
	switch mode {
	case "markdown":
		return "Markdown"
	case "html":
		return "HTML"
	}
	return ""
}

func buildKeyboard(buttons []platform.Button) *inlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}

	var rows [][]inlineKeyboardButton
	for _, b := range buttons {
		switch {
		case b.URL != "":
			rows = append(rows, []inlineKeyboardButton{{Text: b.Label, URL: b.URL}})
		case b.Data != "":
			rows = append(rows, []inlineKeyboardButton{{Text: b.Label, CallbackData: b.Data}})
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return &inlineKeyboardMarkup{InlineKeyboard: rows}
}

func transientFailure(code string, err error) platform.DeliveryResult {
	return platform.DeliveryResult{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: code,
		Transient: true,
	}
}
