package api

import "github.com/mihaimyh/gosubscription/pkg/subscription"

// CreateRequest is the body of POST /subscription/create
type CreateRequest struct {
	PlanID     string `json:"planId"`
	StartTrial bool   `json:"startTrial"`
}

// UpgradeRequest is the body of POST /subscription/upgrade
type UpgradeRequest struct {
	NewPlanID string `json:"newPlanId"`
}

// VerifyRequest carries the checkout callback fields
type VerifyRequest struct {
	PaymentID      string `json:"razorpay_payment_id"`
	SubscriptionID string `json:"razorpay_subscription_id"`
	Signature      string `json:"razorpay_signature"`
}

// CreateResponse is returned by POST /subscription/create
type CreateResponse struct {
	Success      bool                       `json:"success"`
	IsTrial      bool                       `json:"isTrial"`
	Subscription *subscription.Subscription `json:"subscription"`
}

// UpgradeResponse is returned by POST /subscription/upgrade
type UpgradeResponse struct {
	Success         bool                       `json:"success"`
	OldSubscription *subscription.Subscription `json:"oldSubscription"`
	NewSubscription *subscription.Subscription `json:"newSubscription"`
}

// VerifyResponse is returned by POST /subscription/verify
type VerifyResponse struct {
	Success      bool                       `json:"success"`
	Verified     bool                       `json:"verified"`
	Payment      *subscription.Payment      `json:"payment"`
	Subscription *subscription.Subscription `json:"subscription"`
}

// SubscriptionResponse is returned by end-trial, sync and status. Message is
// set instead of Subscription when there is nothing to report.
type SubscriptionResponse struct {
	Success      bool                       `json:"success"`
	Subscription *subscription.Subscription `json:"subscription,omitempty"`
	Message      string                     `json:"message,omitempty"`
}

// WebhookResponse acknowledges a webhook delivery
type WebhookResponse struct {
	Success  bool `json:"success"`
	Received bool `json:"received"`
}

// ErrorResponse is written for every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
