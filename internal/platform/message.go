package platform

import (
	"encoding/json"
	"time"
)

// User is platform-agnostic sender information.
type User struct {
	ID           string            `json:"id"`
	Username     string            `json:"username,omitempty"`
	FirstName    string            `json:"first_name,omitempty"`
	LastName     string            `json:"last_name,omitempty"`
	LanguageCode string            `json:"language_code,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// DisplayName picks the best human-readable name available.
func (u User) DisplayName() string {
	if u.FirstName != "" {
		if u.LastName != "" {
			return u.FirstName + " " + u.LastName
		}
		return u.FirstName
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID       string            `json:"id"`
	Title    string            `json:"title,omitempty"`
	Type     string            `json:"type,omitempty"` // private, group, channel, comment
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IncomingMessage is the normalized form of a platform webhook event.
// Adapters produce it from their raw payloads; everything downstream of
// the webhook boundary works only with this shape.
type IncomingMessage struct {
	Platform  Platform `json:"platform"`
	MessageID string   `json:"message_id"`
	User      User     `json:"user"`
	Chat      Chat     `json:"chat"`
	Text      string   `json:"text,omitempty"`

	// Media attachments: platform URLs or file identifiers.
	MediaURLs []string `json:"media_urls,omitempty"`
	MediaType string   `json:"media_type,omitempty"` // image, video, audio, document

	ReplyToID string    `json:"reply_to_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Raw keeps the original payload for audit and debugging. It is never
	// re-parsed by the core.
	Raw json.RawMessage `json:"-"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Button is one inline action attached to an outgoing message. Either Data
// (a callback token) or URL is set, not both.
type Button struct {
	Label string `json:"label"`
	Data  string `json:"data,omitempty"`
	URL   string `json:"url,omitempty"`
}

// OutgoingMessage is a platform-neutral send request. The adapter translates
// it into platform API calls, dropping features the surface cannot render.
type OutgoingMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`

	ParseMode string   `json:"parse_mode,omitempty"` // markdown, html
	Buttons   []Button `json:"buttons,omitempty"`

	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`

	ReplyToID           string `json:"reply_to_id,omitempty"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

// DeliveryResult reports the outcome of a send attempt.
//
// Adapters own the transient-versus-permanent classification: a failed
// result with Transient set may be retried by the caller, anything else is
// final. Callers never second-guess the flag.
type DeliveryResult struct {
	Success   bool              `json:"success"`
	MessageID string            `json:"message_id,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Transient bool              `json:"transient,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
