package razorpay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

// Header names Razorpay sets on webhook deliveries.
const (
	SignatureHeader = "X-Razorpay-Signature"
	EventIDHeader   = "X-Razorpay-Event-Id"
)

type webhookEnvelope struct {
	Entity    string   `json:"entity"`
	AccountID string   `json:"account_id"`
	Event     string   `json:"event"`
	Contains  []string `json:"contains"`
	CreatedAt int64    `json:"created_at"`
	Payload   struct {
		Subscription *struct {
			Entity subscriptionEntity `json:"entity"`
		} `json:"subscription"`
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// ParseWebhook decodes a verified webhook body. Unknown event names are kept
// as-is so the caller can acknowledge them.
func (g *Gateway) ParseWebhook(body []byte) (*billing.WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", billing.ErrInvalidWebhookPayload)
	}

	event := &billing.WebhookEvent{
		Kind:     billing.EventKind(env.Event),
		Provider: providerName,
	}
	if env.CreatedAt > 0 {
		event.CreatedAt = time.Unix(env.CreatedAt, 0).UTC()
	}
	if s := env.Payload.Subscription; s != nil && s.Entity.ID != "" {
		event.Subscription = s.Entity.toGateway()
	}
	if p := env.Payload.Payment; p != nil && p.Entity.ID != "" {
		event.Payment = p.Entity.toGateway()
		if event.Payment.SubscriptionID == "" && event.Subscription != nil {
			event.Payment.SubscriptionID = event.Subscription.ID
		}
	}
	return event, nil
}
