package billing

import "time"

// EventKind is the gateway webhook event name.
type EventKind string

const (
	EventSubscriptionActivated EventKind = "subscription.activated"
	EventSubscriptionCharged   EventKind = "subscription.charged"
	EventSubscriptionCompleted EventKind = "subscription.completed"
	EventSubscriptionCancelled EventKind = "subscription.cancelled"
	EventSubscriptionPaused    EventKind = "subscription.paused"
	EventSubscriptionResumed   EventKind = "subscription.resumed"
	EventPaymentFailed         EventKind = "payment.failed"
)

// WebhookEvent is a verified, decoded webhook delivery.
type WebhookEvent struct {
	// ID is the provider event id when the provider sends one (used for logging).
	ID string

	// Kind is the provider event name. Unknown names are preserved as-is.
	Kind EventKind

	// Provider is the billing provider name ("razorpay").
	Provider string

	// CreatedAt is when the event occurred at the provider.
	CreatedAt time.Time

	// Subscription is the subscription entity carried by the event, if any.
	Subscription *GatewaySubscription

	// Payment is the payment entity carried by the event, if any.
	Payment *GatewayPayment
}

// SubscriptionID returns the gateway subscription id the event refers to.
func (e *WebhookEvent) SubscriptionID() string {
	if e == nil {
		return ""
	}
	if e.Subscription != nil && e.Subscription.ID != "" {
		return e.Subscription.ID
	}
	if e.Payment != nil {
		return e.Payment.SubscriptionID
	}
	return ""
}
