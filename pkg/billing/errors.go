package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when the gateway key pair is missing
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when a webhook delivery fails the
	// HMAC check against the webhook secret
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when a verified body cannot be decoded
	// into an event
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError wraps every failed gateway REST call; the gateway's
	// own code and description follow it in the message
	ErrProviderAPIError = errors.New("billing provider API error")
)
