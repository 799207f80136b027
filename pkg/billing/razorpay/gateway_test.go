package razorpay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

type fakeSubscriptions struct {
	createData map[string]interface{}
	cancelData map[string]interface{}
	fetchID    string
	resp       map[string]interface{}
	err        error
	calls      int
}

func (f *fakeSubscriptions) Create(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.calls++
	f.createData = data
	return f.resp, f.err
}

func (f *fakeSubscriptions) Fetch(id string, _ map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.calls++
	f.fetchID = id
	return f.resp, f.err
}

func (f *fakeSubscriptions) Cancel(id string, data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.calls++
	f.fetchID = id
	f.cancelData = data
	return f.resp, f.err
}

type fakePayments struct {
	resp map[string]interface{}
	err  error
}

func (f *fakePayments) Fetch(_ string, _ map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	return f.resp, f.err
}

type recordingMetrics struct {
	billing.NoopMetrics
	calls map[string]int
}

func (m *recordingMetrics) RecordAPICall(_, endpoint, status string) {
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[endpoint+":"+status]++
}

func subscriptionResponse() map[string]interface{} {
	// numbers are float64 as produced by the SDK's JSON decoding
	return map[string]interface{}{
		"id":              "sub_00000000000001",
		"entity":          "subscription",
		"plan_id":         "plan_00000000000001",
		"customer_id":     nil,
		"status":          "active",
		"current_start":   float64(1700000000),
		"current_end":     float64(1702592000),
		"ended_at":        nil,
		"charge_at":       float64(1702592000),
		"start_at":        float64(1700000000),
		"total_count":     float64(120),
		"paid_count":      float64(1),
		"remaining_count": float64(119),
		"short_url":       "https://rzp.io/i/z3b1R61A9",
		"notes":           []interface{}{},
	}
}

func TestNewGateway_RequiresKeys(t *testing.T) {
	_, err := NewGateway(billing.Config{KeyID: "rzp_test_1"})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewGateway(billing.Config{KeySecret: "secret"})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	g, err := NewGateway(billing.Config{KeyID: "rzp_test_1", KeySecret: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "razorpay", g.Name())
}

func TestGateway_CreateSubscription(t *testing.T) {
	subs := &fakeSubscriptions{resp: subscriptionResponse()}
	metrics := &recordingMetrics{}
	g := newGateway(billing.Config{KeySecret: "secret", Metrics: metrics}, subs, &fakePayments{})

	sub, err := g.CreateSubscription(context.Background(), billing.CreateSubscriptionParams{
		PlanID:         "plan_00000000000001",
		TotalCount:     120,
		CustomerNotify: true,
		Notes:          map[string]string{"user_id": "u1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "plan_00000000000001", subs.createData["plan_id"])
	assert.Equal(t, 120, subs.createData["total_count"])
	assert.Equal(t, 1, subs.createData["customer_notify"])
	assert.NotContains(t, subs.createData, "start_at")
	assert.Equal(t, map[string]string{"user_id": "u1"}, subs.createData["notes"])

	assert.Equal(t, "sub_00000000000001", sub.ID)
	assert.Equal(t, billing.GatewayStatusActive, sub.Status)
	require.NotNil(t, sub.CurrentEnd)
	assert.Equal(t, time.Unix(1702592000, 0).UTC(), *sub.CurrentEnd)
	assert.Nil(t, sub.EndedAt)
	assert.Equal(t, 1, sub.PaidCount)
	assert.Equal(t, 119, sub.RemainingCount)
	assert.Empty(t, sub.Notes)

	assert.Equal(t, 1, metrics.calls["subscriptions.create:success"])
}

func TestGateway_CreateSubscription_GatewayTrial(t *testing.T) {
	subs := &fakeSubscriptions{resp: subscriptionResponse()}
	g := newGateway(billing.Config{KeySecret: "secret"}, subs, &fakePayments{})

	_, err := g.CreateSubscription(context.Background(), billing.CreateSubscriptionParams{
		PlanID:     "plan_1",
		TotalCount: 12,
		StartTrial: true,
		TrialDays:  7,
	})
	require.NoError(t, err)

	startAt, ok := subs.createData["start_at"].(int64)
	require.True(t, ok)
	assert.InDelta(t, time.Now().AddDate(0, 0, 7).Unix(), startAt, 5)
}

func TestGateway_CreateSubscription_RequiresPlan(t *testing.T) {
	subs := &fakeSubscriptions{}
	g := newGateway(billing.Config{KeySecret: "secret"}, subs, &fakePayments{})

	_, err := g.CreateSubscription(context.Background(), billing.CreateSubscriptionParams{TotalCount: 12})
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.Equal(t, 0, subs.calls)
}

func TestGateway_APIErrorWrapped(t *testing.T) {
	subs := &fakeSubscriptions{err: errors.New("BAD_REQUEST_ERROR: The id provided does not exist")}
	metrics := &recordingMetrics{}
	g := newGateway(billing.Config{KeySecret: "secret", Metrics: metrics}, subs, &fakePayments{})

	_, err := g.FetchSubscription(context.Background(), "sub_missing")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.Contains(t, err.Error(), "subscriptions.fetch")
	assert.Equal(t, "sub_missing", subs.fetchID)
	assert.Equal(t, 1, metrics.calls["subscriptions.fetch:error"])
}

func TestGateway_ContextCancelled(t *testing.T) {
	subs := &fakeSubscriptions{resp: subscriptionResponse()}
	g := newGateway(billing.Config{KeySecret: "secret"}, subs, &fakePayments{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.FetchSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, subs.calls)
}

func TestGateway_CancelSubscription(t *testing.T) {
	resp := subscriptionResponse()
	resp["status"] = "cancelled"
	resp["ended_at"] = float64(1700100000)
	subs := &fakeSubscriptions{resp: resp}
	g := newGateway(billing.Config{KeySecret: "secret"}, subs, &fakePayments{})

	sub, err := g.CancelSubscription(context.Background(), "sub_00000000000001", false)
	require.NoError(t, err)
	assert.Equal(t, 0, subs.cancelData["cancel_at_cycle_end"])
	assert.Equal(t, billing.GatewayStatusCancelled, sub.Status)
	require.NotNil(t, sub.EndedAt)

	_, err = g.CancelSubscription(context.Background(), "sub_00000000000001", true)
	require.NoError(t, err)
	assert.Equal(t, 1, subs.cancelData["cancel_at_cycle_end"])
}

func TestGateway_FetchPayment(t *testing.T) {
	payments := &fakePayments{resp: map[string]interface{}{
		"id":         "pay_00000000000001",
		"entity":     "payment",
		"amount":     float64(49900),
		"currency":   "INR",
		"status":     "captured",
		"invoice_id": "inv_00000000000001",
		"method":     "card",
		"card": map[string]interface{}{
			"last4":   "1111",
			"network": "Visa",
		},
		"email":      "trader@example.com",
		"created_at": float64(1700000000),
		"notes":      map[string]interface{}{"subscription_id": "sub_00000000000001"},
	}}
	g := newGateway(billing.Config{KeySecret: "secret"}, &fakeSubscriptions{}, payments)

	p, err := g.FetchPayment(context.Background(), "pay_00000000000001")
	require.NoError(t, err)
	assert.Equal(t, int64(49900), p.Amount)
	assert.Equal(t, billing.PaymentStatusCaptured, p.Status)
	assert.Equal(t, "1111", p.CardLast4)
	assert.Equal(t, "Visa", p.CardNetwork)
	assert.Equal(t, "sub_00000000000001", p.SubscriptionID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), p.CreatedAt)
}

func TestGateway_FetchPayment_MissingID(t *testing.T) {
	payments := &fakePayments{resp: map[string]interface{}{"entity": "payment"}}
	g := newGateway(billing.Config{KeySecret: "secret"}, &fakeSubscriptions{}, payments)

	_, err := g.FetchPayment(context.Background(), "pay_1")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
}

func TestGateway_CircuitBreakerOpens(t *testing.T) {
	subs := &fakeSubscriptions{err: errors.New("gateway timeout")}
	g := newGateway(billing.Config{
		KeySecret:           "secret",
		BreakerThreshold:    2,
		BreakerResetTimeout: time.Minute,
	}, subs, &fakePayments{})

	for i := 0; i < 2; i++ {
		_, err := g.FetchSubscription(context.Background(), "sub_1")
		assert.Error(t, err)
	}
	assert.Equal(t, 2, subs.calls)

	_, err := g.FetchSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.Contains(t, err.Error(), billing.ErrCircuitOpen.Error())
	assert.Equal(t, 2, subs.calls)
}

func TestGateway_VerifyPaymentSignature(t *testing.T) {
	g := newGateway(billing.Config{KeySecret: "key_secret"}, &fakeSubscriptions{}, &fakePayments{})

	sig := billing.SignHMACSHA256([]byte("key_secret"), []byte("pay_1|sub_1"))
	assert.True(t, g.VerifyPaymentSignature("pay_1", "sub_1", sig))
	assert.False(t, g.VerifyPaymentSignature("pay_1", "sub_2", sig))
	assert.False(t, g.VerifyPaymentSignature("", "sub_1", sig))
	assert.False(t, g.VerifyPaymentSignature("pay_1", "sub_1", ""))
}

func TestDecodeSubscription_RemainingCountString(t *testing.T) {
	resp := subscriptionResponse()
	resp["remaining_count"] = "7"
	sub, err := decodeSubscription(resp)
	require.NoError(t, err)
	assert.Equal(t, 7, sub.RemainingCount)
}
