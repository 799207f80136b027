package billing

import (
	"context"
	"time"
)

// GatewayStatus is the raw subscription status reported by the payment gateway.
type GatewayStatus string

const (
	GatewayStatusCreated       GatewayStatus = "created"
	GatewayStatusAuthenticated GatewayStatus = "authenticated"
	GatewayStatusActive        GatewayStatus = "active"
	GatewayStatusPending       GatewayStatus = "pending"
	GatewayStatusHalted        GatewayStatus = "halted"
	GatewayStatusPaused        GatewayStatus = "paused"
	GatewayStatusCancelled     GatewayStatus = "cancelled"
	GatewayStatusCompleted     GatewayStatus = "completed"
	GatewayStatusExpired       GatewayStatus = "expired"
)

// Payment statuses reported by the gateway.
const (
	PaymentStatusCaptured   = "captured"
	PaymentStatusAuthorized = "authorized"
	PaymentStatusFailed     = "failed"
)

// GatewaySubscription is the gateway-side view of a recurring subscription.
type GatewaySubscription struct {
	ID             string
	PlanID         string
	CustomerID     string
	Status         GatewayStatus
	CurrentStart   *time.Time
	CurrentEnd     *time.Time
	ChargeAt       *time.Time
	StartAt        *time.Time
	EndedAt        *time.Time
	PaidCount      int
	TotalCount     int
	RemainingCount int
	ShortURL       string
	Notes          map[string]string
}

// GatewayPayment is the gateway-side view of a single payment attempt.
type GatewayPayment struct {
	ID             string
	OrderID        string
	InvoiceID      string
	SubscriptionID string
	Amount         int64
	Currency       string
	Status         string
	Method         string
	Bank           string
	Wallet         string
	VPA            string
	Email          string
	CardLast4      string
	CardNetwork    string

	ErrorCode        string
	ErrorDescription string
	ErrorSource      string
	ErrorReason      string

	CreatedAt time.Time
}

// CreateSubscriptionParams describes a recurring subscription to open at the gateway.
type CreateSubscriptionParams struct {
	// PlanID is the gateway plan identifier (not the local plan id).
	PlanID string

	// TotalCount is the number of billing cycles the gateway will charge.
	TotalCount int

	// StartTrial defers the first charge by TrialDays using the gateway's own
	// start date. Local trials never set this; trial timing is tracked locally.
	StartTrial bool
	TrialDays  int

	CustomerNotify bool
	Notes          map[string]string
}

// Gateway is the interface the subscription manager uses to talk to a payment
// gateway. Implementations wrap the provider SDK; none of the lifecycle rules
// live here.
type Gateway interface {
	// Name returns the provider name (e.g. "razorpay").
	Name() string

	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*GatewaySubscription, error)
	FetchSubscription(ctx context.Context, subscriptionID string) (*GatewaySubscription, error)

	// CancelSubscription cancels immediately unless atCycleEnd is set.
	CancelSubscription(ctx context.Context, subscriptionID string, atCycleEnd bool) (*GatewaySubscription, error)

	FetchPayment(ctx context.Context, paymentID string) (*GatewayPayment, error)

	// VerifyPaymentSignature checks the checkout callback signature.
	VerifyPaymentSignature(paymentID, subscriptionID, signature string) bool

	// VerifyWebhookSignature checks the signature over the raw webhook body.
	// It must be called before ParseWebhook.
	VerifyWebhookSignature(body []byte, signature string) bool

	// ParseWebhook decodes an already-verified webhook body.
	ParseWebhook(body []byte) (*WebhookEvent, error)
}
