package platform

import "errors"

var (
	// ErrWebhookAuth rejects a webhook whose signature or secret does not
	// match. The gateway maps it to 401 before any parsing happens.
	ErrWebhookAuth = errors.New("webhook authentication failed")

	// ErrAdapterNotConfigured is returned by Registry.Get when no adapter
	// was registered for a platform. Jobs failing with it are permanent.
	ErrAdapterNotConfigured = errors.New("adapter not configured")

	// ErrVerificationFailed rejects a webhook subscription handshake with
	// a wrong mode or verify token.
	ErrVerificationFailed = errors.New("subscription verification failed")

	// ErrRegistrySealed is returned by Register after Seal.
	ErrRegistrySealed = errors.New("registry sealed")
)
