package subscription

import (
	"context"
	"errors"
	"time"
)

// ErrPaymentExists is returned by CreatePayment when the gateway payment id is already recorded.
var ErrPaymentExists = errors.New("payment already recorded")

// Store defines the interface for subscription persistence.
// All methods use concrete types from this package to avoid import cycles.
type Store interface {
	// CreateSubscription inserts a new record. An empty ID is assigned by the store.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription replaces an existing record.
	// Returns ErrSubscriptionNotFound if the record does not exist.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription returns a record by local id or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// GetSubscriptionByGatewayID returns the newest record carrying the gateway
	// subscription id, or ErrSubscriptionNotFound.
	GetSubscriptionByGatewayID(ctx context.Context, gatewaySubscriptionID string) (*Subscription, error)

	// ListSubscriptions returns every record of a user, newest first.
	ListSubscriptions(ctx context.Context, userID string) ([]*Subscription, error)

	// DeleteSubscription hard-deletes a record. Only used for abandoned checkouts.
	DeleteSubscription(ctx context.Context, id string) error

	// CreatePayment appends a payment. Returns ErrPaymentExists when the
	// gateway payment id is already recorded.
	CreatePayment(ctx context.Context, p *Payment) error

	// GetPaymentByGatewayID returns a payment or ErrPaymentNotFound.
	GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*Payment, error)

	// ListPayments returns the payments of a subscription, oldest first.
	ListPayments(ctx context.Context, subscriptionID string) ([]*Payment, error)

	// HasUsedTrial reports whether any record for the user id, or for the email
	// when non-empty, has IsTrialUsed set.
	HasUsedTrial(ctx context.Context, userID, email string) (bool, error)

	// ListAbandoned returns up to limit records in status created whose
	// CreatedAt is before olderThan.
	ListAbandoned(ctx context.Context, olderThan time.Time, limit int) ([]*Subscription, error)
}
