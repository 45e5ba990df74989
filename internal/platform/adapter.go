package platform

import (
	"context"
	"net/http"
)

// Adapter is the contract every messaging surface implements. Adapters hold
// only connection-level state (HTTP client, credentials, rate limiter);
// conversation state lives in the session store.
type Adapter interface {
	// Platform returns the surface this adapter serves.
	Platform() Platform

	// Capabilities describes what the surface can render.
	Capabilities() Capabilities

	// ValidateWebhook authenticates a webhook request before any parsing.
	// A mismatch returns an error wrapping ErrWebhookAuth.
	ValidateWebhook(header http.Header, body []byte) error

	// ParseIncoming normalizes a raw webhook payload. Non-message events
	// (read receipts, typing indicators, callback queries) return nil, nil.
	ParseIncoming(payload []byte) (*IncomingMessage, error)

	// SendMessage delivers msg, classifying failures in the result:
	// transient ones may be retried, the rest are final. The error return
	// is reserved for configuration and programmer mistakes, never for
	// delivery failures.
	SendMessage(ctx context.Context, msg OutgoingMessage) (DeliveryResult, error)

	// Initialize verifies credentials and acquires connections. Called once
	// at boot, before the adapter receives traffic.
	Initialize(ctx context.Context) error

	// Shutdown releases connections. Called once, at process exit.
	Shutdown(ctx context.Context) error
}

// SubscriptionVerifier is implemented by adapters whose platform verifies
// webhook endpoints with a GET challenge handshake. On success the returned
// string is echoed back verbatim as the response body.
type SubscriptionVerifier interface {
	VerifySubscription(mode, token, challenge string) (string, error)
}
