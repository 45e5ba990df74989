// Package session holds the conversation records the relay keeps per
// platform user. Sessions are keyed by (platform, platform_user_id) and
// shared between the gateway, which upserts them on every inbound message,
// and the worker, which reads them to resolve delivery targets.
package session

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a session cannot be found in the store.
var ErrNotFound = errors.New("session not found")

// Memory roles and kinds, matching the values written by the gateway and
// the worker handlers.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	KindMessage = "message"
)

// Session is one row of the sessions table.
type Session struct {
	ID             string          `db:"id" json:"id"`
	Platform       string          `db:"platform" json:"platform"`
	PlatformUserID string          `db:"platform_user_id" json:"platform_user_id"`
	PlatformChatID string          `db:"platform_chat_id" json:"platform_chat_id,omitempty"`
	LastMessageAt  *time.Time      `db:"last_message_at" json:"last_message_at,omitempty"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Ensure is the upsert shape for get-or-create keyed on
// (platform, platform_user_id). An existing session gets its chat id and
// last_message_at refreshed; metadata is only written on first creation.
type Ensure struct {
	Platform       string
	PlatformUserID string
	PlatformChatID string
	Metadata       json.RawMessage
}

// Memory is one conversational record appended to a session's history.
type Memory struct {
	SessionID string
	Role      string
	Kind      string
	Content   json.RawMessage
}
