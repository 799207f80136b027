package razorpay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

// subscriptionEntity mirrors the Razorpay subscription object.
type subscriptionEntity struct {
	ID             string          `json:"id"`
	PlanID         string          `json:"plan_id"`
	CustomerID     string          `json:"customer_id"`
	Status         string          `json:"status"`
	CurrentStart   *int64          `json:"current_start"`
	CurrentEnd     *int64          `json:"current_end"`
	ChargeAt       *int64          `json:"charge_at"`
	StartAt        *int64          `json:"start_at"`
	EndedAt        *int64          `json:"ended_at"`
	PaidCount      int             `json:"paid_count"`
	TotalCount     int             `json:"total_count"`
	RemainingCount json.RawMessage `json:"remaining_count"`
	ShortURL       string          `json:"short_url"`
	Notes          json.RawMessage `json:"notes"`
}

// paymentEntity mirrors the Razorpay payment object.
type paymentEntity struct {
	ID             string `json:"id"`
	OrderID        string `json:"order_id"`
	InvoiceID      string `json:"invoice_id"`
	SubscriptionID string `json:"subscription_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	Method         string `json:"method"`
	Bank           string `json:"bank"`
	Wallet         string `json:"wallet"`
	VPA            string `json:"vpa"`
	Email          string `json:"email"`
	Card           *struct {
		Last4   string `json:"last4"`
		Network string `json:"network"`
	} `json:"card"`
	ErrorCode        string          `json:"error_code"`
	ErrorDescription string          `json:"error_description"`
	ErrorSource      string          `json:"error_source"`
	ErrorReason      string          `json:"error_reason"`
	CreatedAt        int64           `json:"created_at"`
	Notes            json.RawMessage `json:"notes"`
}

func decodeSubscription(raw map[string]interface{}) (*billing.GatewaySubscription, error) {
	var e subscriptionEntity
	if err := remarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", billing.ErrProviderAPIError, err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: subscription response without id", billing.ErrProviderAPIError)
	}
	return e.toGateway(), nil
}

func decodePayment(raw map[string]interface{}) (*billing.GatewayPayment, error) {
	var e paymentEntity
	if err := remarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: decode payment: %v", billing.ErrProviderAPIError, err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: payment response without id", billing.ErrProviderAPIError)
	}
	return e.toGateway(), nil
}

// remarshal converts the SDK's generic map into a typed entity.
func remarshal(raw map[string]interface{}, v interface{}) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (e *subscriptionEntity) toGateway() *billing.GatewaySubscription {
	sub := &billing.GatewaySubscription{
		ID:           e.ID,
		PlanID:       e.PlanID,
		CustomerID:   e.CustomerID,
		Status:       billing.GatewayStatus(e.Status),
		CurrentStart: unixPtr(e.CurrentStart),
		CurrentEnd:   unixPtr(e.CurrentEnd),
		ChargeAt:     unixPtr(e.ChargeAt),
		StartAt:      unixPtr(e.StartAt),
		EndedAt:      unixPtr(e.EndedAt),
		PaidCount:    e.PaidCount,
		TotalCount:   e.TotalCount,
		ShortURL:     e.ShortURL,
		Notes:        decodeNotes(e.Notes),
	}
	// remaining_count arrives as a number or a numeric string depending on the API version.
	if len(e.RemainingCount) > 0 {
		var n json.Number
		if err := json.Unmarshal(e.RemainingCount, &n); err == nil {
			if v, err := n.Int64(); err == nil {
				sub.RemainingCount = int(v)
			}
		} else {
			var s string
			if err := json.Unmarshal(e.RemainingCount, &s); err == nil {
				if v, err := json.Number(s).Int64(); err == nil {
					sub.RemainingCount = int(v)
				}
			}
		}
	}
	return sub
}

func (e *paymentEntity) toGateway() *billing.GatewayPayment {
	p := &billing.GatewayPayment{
		ID:               e.ID,
		OrderID:          e.OrderID,
		InvoiceID:        e.InvoiceID,
		SubscriptionID:   e.SubscriptionID,
		Amount:           e.Amount,
		Currency:         e.Currency,
		Status:           e.Status,
		Method:           e.Method,
		Bank:             e.Bank,
		Wallet:           e.Wallet,
		VPA:              e.VPA,
		Email:            e.Email,
		ErrorCode:        e.ErrorCode,
		ErrorDescription: e.ErrorDescription,
		ErrorSource:      e.ErrorSource,
		ErrorReason:      e.ErrorReason,
	}
	if e.Card != nil {
		p.CardLast4 = e.Card.Last4
		p.CardNetwork = e.Card.Network
	}
	if e.CreatedAt > 0 {
		p.CreatedAt = time.Unix(e.CreatedAt, 0).UTC()
	}
	if p.SubscriptionID == "" {
		p.SubscriptionID = decodeNotes(e.Notes)["subscription_id"]
	}
	return p
}

func unixPtr(v *int64) *time.Time {
	if v == nil || *v <= 0 {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

// decodeNotes accepts both an object and the empty array Razorpay sends when
// no notes are set.
func decodeNotes(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil
	}
	notes := make(map[string]string, len(generic))
	for k, v := range generic {
		switch val := v.(type) {
		case string:
			notes[k] = val
		case nil:
		default:
			notes[k] = fmt.Sprint(val)
		}
	}
	return notes
}
