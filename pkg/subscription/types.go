package subscription

import "time"

// Status is the local lifecycle state of a subscription record.
type Status string

const (
	StatusCreated   Status = "created"
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusPastDue   Status = "past_due"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// IsLive reports whether the status grants access.
func (s Status) IsLive() bool {
	return s == StatusActive || s == StatusTrial
}

// PlanType identifies the product a subscription was bought for.
type PlanType string

const (
	PlanOneMonth     PlanType = "1_MONTH"
	PlanThreeMonths  PlanType = "3_MONTHS"
	PlanSixMonths    PlanType = "6_MONTHS"
	PlanTwelveMonths PlanType = "12_MONTHS"
	PlanTrial        PlanType = "TRIAL"
	PlanSpecialOffer PlanType = "SPECIAL_OFFER"
)

// Billing cycle labels stored on a subscription.
const (
	CycleMonthly    = "monthly"
	CycleQuarterly  = "quarterly"
	CycleHalfYearly = "half_yearly"
	CycleYearly     = "yearly"
	CycleOneTime    = "one_time"
)

// Subscription is one billing relationship attempt for a user.
type Subscription struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`

	GatewaySubscriptionID string `json:"razorpaySubscriptionId,omitempty"`
	GatewayPlanID         string `json:"razorpayPlanId,omitempty"`
	GatewayOrderID        string `json:"razorpayOrderId,omitempty"`
	GatewayPaymentID      string `json:"razorpayPaymentId,omitempty"`
	ShortURL              string `json:"shortUrl,omitempty"`

	PlanType      PlanType `json:"planType"`
	PlanAmount    int64    `json:"planAmount"`
	BillingCycle  string   `json:"billingCycle"`
	BillingPeriod int      `json:"billingPeriod"`
	BonusMonths   int      `json:"bonusMonths"`
	TotalMonths   int      `json:"totalMonths"`
	Recurring     bool     `json:"recurring"`

	Status Status `json:"status"`

	IsTrialActive   bool       `json:"isTrialActive"`
	IsTrialUsed     bool       `json:"isTrialUsed"`
	TrialStartDate  *time.Time `json:"trialStartDate,omitempty"`
	TrialEndDate    *time.Time `json:"trialEndDate,omitempty"`
	TrialEndedEarly bool       `json:"trialEndedEarly,omitempty"`
	TrialEndedAt    *time.Time `json:"trialEndedAt,omitempty"`

	StartDate          *time.Time `json:"startDate,omitempty"`
	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
	NextBillingDate    *time.Time `json:"nextBillingDate,omitempty"`

	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`

	PaymentMethod string   `json:"paymentMethod,omitempty"`
	PaymentIDs    []string `json:"paymentIds"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so stores never share pointers with callers.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.TrialStartDate = cloneTime(s.TrialStartDate)
	c.TrialEndDate = cloneTime(s.TrialEndDate)
	c.TrialEndedAt = cloneTime(s.TrialEndedAt)
	c.StartDate = cloneTime(s.StartDate)
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.NextBillingDate = cloneTime(s.NextBillingDate)
	c.CancelledAt = cloneTime(s.CancelledAt)
	if s.PaymentIDs != nil {
		c.PaymentIDs = append([]string(nil), s.PaymentIDs...)
	}
	return &c
}

// HasLiveTrial reports whether the record carries a trial window that has not ended.
func (s *Subscription) HasLiveTrial(now time.Time) bool {
	return s.TrialEndDate != nil && s.TrialEndDate.After(now)
}

// Snapshot extracts the fields the transition rules look at.
func (s *Subscription) Snapshot() Snapshot {
	return Snapshot{
		Status:        s.Status,
		IsTrialActive: s.IsTrialActive,
		TrialEnd:      s.TrialEndDate,
		PeriodEnd:     s.CurrentPeriodEnd,
	}
}

// Payment is an immutable record of one payment attempt.
type Payment struct {
	ID                    string    `json:"id"`
	SubscriptionID        string    `json:"subscriptionId"`
	UserID                string    `json:"userId"`
	GatewayPaymentID      string    `json:"razorpayPaymentId"`
	GatewaySubscriptionID string    `json:"razorpaySubscriptionId,omitempty"`
	GatewayOrderID        string    `json:"razorpayOrderId,omitempty"`
	GatewayInvoiceID      string    `json:"razorpayInvoiceId,omitempty"`
	Amount                int64     `json:"amount"`
	Currency              string    `json:"currency"`
	Status                string    `json:"status"`
	Method                string    `json:"method,omitempty"`
	Bank                  string    `json:"bank,omitempty"`
	Wallet                string    `json:"wallet,omitempty"`
	VPA                   string    `json:"vpa,omitempty"`
	Email                 string    `json:"email,omitempty"`
	CardLast4             string    `json:"cardLast4,omitempty"`
	CardNetwork           string    `json:"cardNetwork,omitempty"`
	ErrorCode             string    `json:"errorCode,omitempty"`
	ErrorDescription      string    `json:"errorDescription,omitempty"`
	ErrorSource           string    `json:"errorSource,omitempty"`
	ErrorReason           string    `json:"errorReason,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

// Plan is a purchasable product.
type Plan struct {
	PlanID        string `json:"planId"`
	GatewayPlanID string `json:"razorpayPlanId"`
	Name          string `json:"name"`
	Amount        int64  `json:"amount"`
	BillingPeriod int    `json:"billingPeriod"`
	BonusMonths   int    `json:"bonusMonths"`
	TotalMonths   int    `json:"totalMonths"`
	IsActive      bool   `json:"isActive"`
}

// CreateRequest asks for a new subscription or trial.
type CreateRequest struct {
	UserID     string
	Email      string
	PlanID     string
	StartTrial bool
}

// CreateResult is returned by Manager.Create.
type CreateResult struct {
	IsTrial      bool
	Subscription *Subscription
}

// UpgradeRequest moves a live subscription to a different plan.
type UpgradeRequest struct {
	UserID    string
	Email     string
	NewPlanID string
}

// UpgradeResult is returned by Manager.Upgrade.
type UpgradeResult struct {
	OldSubscription *Subscription
	NewSubscription *Subscription
}

// VerifyRequest carries the checkout callback fields.
type VerifyRequest struct {
	UserID                string
	PaymentID             string
	GatewaySubscriptionID string
	Signature             string
}

// VerifyResult is returned by Manager.Verify.
type VerifyResult struct {
	Verified     bool
	Payment      *Payment
	Subscription *Subscription
}

// SyncResult is returned by Manager.Sync. Message is set when the user has
// nothing to reconcile.
type SyncResult struct {
	Subscription *Subscription
	Changed      bool
	Message      string
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}
