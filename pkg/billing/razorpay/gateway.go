package razorpay

import (
	"context"
	"fmt"
	"strings"
	"time"

	rzp "github.com/razorpay/razorpay-go"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

const providerName = "razorpay"

// subscriptionAPI is the subset of the SDK subscription resource the gateway uses.
type subscriptionAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
	Fetch(subscriptionID string, queryParams map[string]interface{},
		extraHeaders map[string]string) (map[string]interface{}, error)
	Cancel(subscriptionID string, data map[string]interface{},
		extraHeaders map[string]string) (map[string]interface{}, error)
}

// paymentAPI is the subset of the SDK payment resource the gateway uses.
type paymentAPI interface {
	Fetch(paymentID string, queryParams map[string]interface{},
		extraHeaders map[string]string) (map[string]interface{}, error)
}

// Gateway implements billing.Gateway for Razorpay.
type Gateway struct {
	subscriptions subscriptionAPI
	payments      paymentAPI
	keySecret     []byte
	webhookSecret []byte
	metrics       billing.Metrics
	breaker       *billing.CircuitBreaker
}

var _ billing.Gateway = (*Gateway)(nil)

// NewGateway creates a Razorpay gateway from the key pair and webhook secret.
func NewGateway(config billing.Config) (*Gateway, error) {
	keyID := strings.TrimSpace(config.KeyID)
	keySecret := strings.TrimSpace(config.KeySecret)
	if keyID == "" || keySecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	client := rzp.NewClient(keyID, keySecret)
	return newGateway(config, client.Subscription, client.Payment), nil
}

func newGateway(config billing.Config, subs subscriptionAPI, payments paymentAPI) *Gateway {
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Gateway{
		subscriptions: subs,
		payments:      payments,
		keySecret:     []byte(strings.TrimSpace(config.KeySecret)),
		webhookSecret: []byte(strings.TrimSpace(config.WebhookSecret)),
		metrics:       metrics,
		breaker:       billing.NewCircuitBreaker(config.BreakerThreshold, config.BreakerResetTimeout, nil),
	}
}

func (g *Gateway) Name() string {
	return providerName
}

// CreateSubscription opens a recurring subscription for a gateway plan.
func (g *Gateway) CreateSubscription(
	ctx context.Context, params billing.CreateSubscriptionParams,
) (*billing.GatewaySubscription, error) {
	if params.PlanID == "" {
		return nil, fmt.Errorf("%w: plan id is required", billing.ErrProviderAPIError)
	}

	data := map[string]interface{}{
		"plan_id":         params.PlanID,
		"total_count":     params.TotalCount,
		"customer_notify": boolToInt(params.CustomerNotify),
	}
	if params.StartTrial && params.TrialDays > 0 {
		data["start_at"] = time.Now().AddDate(0, 0, params.TrialDays).Unix()
	}
	if len(params.Notes) > 0 {
		data["notes"] = params.Notes
	}

	raw, err := g.call(ctx, "subscriptions.create", func() (map[string]interface{}, error) {
		return g.subscriptions.Create(data, nil)
	})
	if err != nil {
		return nil, err
	}
	return decodeSubscription(raw)
}

func (g *Gateway) FetchSubscription(ctx context.Context, subscriptionID string) (*billing.GatewaySubscription, error) {
	raw, err := g.call(ctx, "subscriptions.fetch", func() (map[string]interface{}, error) {
		return g.subscriptions.Fetch(subscriptionID, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	return decodeSubscription(raw)
}

func (g *Gateway) CancelSubscription(
	ctx context.Context, subscriptionID string, atCycleEnd bool,
) (*billing.GatewaySubscription, error) {
	data := map[string]interface{}{
		"cancel_at_cycle_end": boolToInt(atCycleEnd),
	}
	raw, err := g.call(ctx, "subscriptions.cancel", func() (map[string]interface{}, error) {
		return g.subscriptions.Cancel(subscriptionID, data, nil)
	})
	if err != nil {
		return nil, err
	}
	return decodeSubscription(raw)
}

func (g *Gateway) FetchPayment(ctx context.Context, paymentID string) (*billing.GatewayPayment, error) {
	raw, err := g.call(ctx, "payments.fetch", func() (map[string]interface{}, error) {
		return g.payments.Fetch(paymentID, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	return decodePayment(raw)
}

// VerifyPaymentSignature checks the checkout handler signature, an HMAC-SHA256
// of "paymentID|subscriptionID" keyed by the API key secret.
func (g *Gateway) VerifyPaymentSignature(paymentID, subscriptionID, signature string) bool {
	if paymentID == "" || subscriptionID == "" {
		return false
	}
	return billing.VerifyHMACSHA256(g.keySecret, billing.PaymentSignaturePayload(paymentID, subscriptionID), signature)
}

// VerifyWebhookSignature checks the X-Razorpay-Signature header against the raw body.
func (g *Gateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return billing.VerifyHMACSHA256(g.webhookSecret, body, signature)
}

// call runs an SDK request through the circuit breaker and records API metrics.
// The SDK has no context support, so cancellation is only observed before the call.
func (g *Gateway) call(
	ctx context.Context, endpoint string, fn func() (map[string]interface{}, error),
) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	startTime := time.Now()
	var raw map[string]interface{}
	err := g.breaker.Execute(func() error {
		var callErr error
		raw, callErr = fn()
		return callErr
	})
	g.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		g.metrics.RecordAPICall(providerName, endpoint, "error")
		return nil, fmt.Errorf("%w: %s: %v", billing.ErrProviderAPIError, endpoint, err)
	}

	g.metrics.RecordAPICall(providerName, endpoint, "success")
	return raw, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
