package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubscription/pkg/billing"
	"github.com/mihaimyh/gosubscription/pkg/billing/razorpay"
	"github.com/mihaimyh/gosubscription/pkg/subscription"
	"github.com/mihaimyh/gosubscription/storage/memory"
)

const (
	testUserID        = "user123"
	testKeySecret     = "key_secret"
	testWebhookSecret = "webhook_secret"
	userHeader        = "X-User-ID"
)

// testGateway keeps the real signature checks and webhook decoding and
// replaces the network calls with an in-memory subscription table.
type testGateway struct {
	*razorpay.Gateway

	mu       sync.Mutex
	seq      int
	subs     map[string]*billing.GatewaySubscription
	fetchErr error
}

func newTestGateway(t *testing.T) *testGateway {
	gw, err := razorpay.NewGateway(billing.Config{
		KeyID:         "rzp_test_key",
		KeySecret:     testKeySecret,
		WebhookSecret: testWebhookSecret,
	})
	require.NoError(t, err)
	return &testGateway{Gateway: gw, subs: make(map[string]*billing.GatewaySubscription)}
}

func (g *testGateway) CreateSubscription(
	_ context.Context, params billing.CreateSubscriptionParams,
) (*billing.GatewaySubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	gs := &billing.GatewaySubscription{
		ID:         fmt.Sprintf("sub_%d", g.seq),
		PlanID:     params.PlanID,
		Status:     billing.GatewayStatusCreated,
		TotalCount: params.TotalCount,
		ShortURL:   fmt.Sprintf("https://rzp.io/i/%d", g.seq),
	}
	g.subs[gs.ID] = gs
	c := *gs
	return &c, nil
}

func (g *testGateway) FetchSubscription(_ context.Context, id string) (*billing.GatewaySubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	gs, ok := g.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: BAD_REQUEST_ERROR: subscription %s does not exist", billing.ErrProviderAPIError, id)
	}
	c := *gs
	return &c, nil
}

func (g *testGateway) CancelSubscription(_ context.Context, id string, _ bool) (*billing.GatewaySubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gs, ok := g.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s does not exist", billing.ErrProviderAPIError, id)
	}
	gs.Status = billing.GatewayStatusCancelled
	c := *gs
	return &c, nil
}

func (g *testGateway) FetchPayment(_ context.Context, id string) (*billing.GatewayPayment, error) {
	return &billing.GatewayPayment{
		ID:       id,
		Amount:   49900,
		Currency: "INR",
		Status:   billing.PaymentStatusCaptured,
		Method:   "upi",
	}, nil
}

func (g *testGateway) markPaid(id string, start, end time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gs := g.subs[id]
	gs.Status = billing.GatewayStatusActive
	gs.PaidCount = 1
	gs.CurrentStart = &start
	gs.CurrentEnd = &end
}

type apiHarness struct {
	gateway *testGateway
	manager *subscription.Manager
	handler *Handler
	router  http.Handler
}

func newAPIHarness(t *testing.T, mutate ...func(*Config)) *apiHarness {
	t.Helper()
	gw := newTestGateway(t)
	plans := subscription.DefaultPlans()
	for i := range plans {
		plans[i].GatewayPlanID = "plan_" + plans[i].PlanID
	}
	manager, err := subscription.NewManager(memory.New(), gw, subscription.NewStaticCatalog(plans...), subscription.Config{})
	require.NoError(t, err)

	cfg := Config{
		Manager:   manager,
		Gateway:   gw,
		GetUserID: FromHeader(userHeader),
		GetEmail:  FromHeader("X-User-Email"),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	handler, err := NewHandler(cfg)
	require.NoError(t, err)
	return &apiHarness{gateway: gw, manager: manager, handler: handler, router: handler.Routes()}
}

func (h *apiHarness) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestNewHandler_Validation(t *testing.T) {
	gw := newTestGateway(t)
	manager, err := subscription.NewManager(memory.New(), gw, nil, subscription.Config{})
	require.NoError(t, err)

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"missing manager", Config{Gateway: gw, GetUserID: FromHeader(userHeader)}, "manager is required"},
		{"missing gateway", Config{Manager: manager, GetUserID: FromHeader(userHeader)}, "gateway is required"},
		{"missing identity", Config{Manager: manager, Gateway: gw}, "getUserID is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHandler(tt.config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	h, err := NewHandler(Config{Manager: manager, Gateway: gw, GetUserID: FromHeader(userHeader)})
	require.NoError(t, err)
	assert.Equal(t, defaultMaxBodyBytes, h.config.MaxBodyBytes)
	assert.NotNil(t, h.limiter)
}

func TestHandler_RequiresIdentity(t *testing.T) {
	h := newAPIHarness(t)

	routes := []struct{ method, path string }{
		{http.MethodPost, "/subscription/create"},
		{http.MethodPost, "/subscription/upgrade"},
		{http.MethodPost, "/subscription/end-trial"},
		{http.MethodPost, "/subscription/verify"},
		{http.MethodPost, "/subscription/sync"},
		{http.MethodGet, "/subscription/status"},
	}
	for _, rt := range routes {
		t.Run(rt.path, func(t *testing.T) {
			w := h.do(t, rt.method, rt.path, "", "")
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var resp ErrorResponse
			decodeBody(t, w, &resp)
			assert.False(t, resp.Success)
			assert.Equal(t, "unauthorized", resp.Error)
		})
	}
}

func TestHandler_RejectsOversizedUserID(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodGet, "/subscription/status", strings.Repeat("u", maxUserIDLen+1), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_CreateTrial(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/subscription/create", testUserID, `{"planId":"1_MONTH","startTrial":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var resp CreateResponse
	decodeBody(t, w, &resp)
	assert.True(t, resp.Success)
	assert.True(t, resp.IsTrial)
	require.NotNil(t, resp.Subscription)
	assert.Equal(t, subscription.StatusTrial, resp.Subscription.Status)

	// The trial is spent; asking again opens a paid checkout instead
	w = h.do(t, http.MethodPost, "/subscription/create", testUserID, `{"planId":"1_MONTH","startTrial":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &resp)
	assert.False(t, resp.IsTrial)
	assert.Equal(t, subscription.StatusCreated, resp.Subscription.Status)
}

func TestHandler_CreateErrors(t *testing.T) {
	h := newAPIHarness(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"unknown plan", `{"planId":"LIFETIME"}`, http.StatusBadRequest},
		{"missing plan", `{}`, http.StatusBadRequest},
		{"malformed json", `{"planId":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/subscription/create", testUserID, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())

			var resp ErrorResponse
			decodeBody(t, w, &resp)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	h := newAPIHarness(t, func(c *Config) { c.MaxBodyBytes = 16 })
	w := h.do(t, http.MethodPost, "/subscription/create", testUserID, `{"planId":"1_MONTH","startTrial":false}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandler_PaidCheckoutAndVerify(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/subscription/create", testUserID, `{"planId":"3_MONTHS"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var created CreateResponse
	decodeBody(t, w, &created)
	assert.False(t, created.IsTrial)
	require.NotNil(t, created.Subscription)
	assert.Equal(t, subscription.StatusCreated, created.Subscription.Status)
	gid := created.Subscription.GatewaySubscriptionID
	require.NotEmpty(t, gid)

	// Tampered signature: nothing is written
	bad := fmt.Sprintf(`{"razorpay_payment_id":"pay_1","razorpay_subscription_id":%q,"razorpay_signature":"deadbeef"}`, gid)
	w = h.do(t, http.MethodPost, "/subscription/verify", testUserID, bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	start := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	h.gateway.markPaid(gid, start, start.AddDate(0, 3, 0))

	sig := billing.SignHMACSHA256([]byte(testKeySecret), billing.PaymentSignaturePayload("pay_1", gid))
	good := fmt.Sprintf(`{"razorpay_payment_id":"pay_1","razorpay_subscription_id":%q,"razorpay_signature":%q}`, gid, sig)
	w = h.do(t, http.MethodPost, "/subscription/verify", testUserID, good)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var verified VerifyResponse
	decodeBody(t, w, &verified)
	assert.True(t, verified.Success)
	assert.True(t, verified.Verified)
	require.NotNil(t, verified.Payment)
	assert.Equal(t, "pay_1", verified.Payment.GatewayPaymentID)
	require.NotNil(t, verified.Subscription)
	assert.Equal(t, subscription.StatusActive, verified.Subscription.Status)
	assert.Equal(t, "upi", verified.Subscription.PaymentMethod)

	w = h.do(t, http.MethodGet, "/subscription/status", testUserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var status SubscriptionResponse
	decodeBody(t, w, &status)
	require.NotNil(t, status.Subscription)
	assert.Equal(t, gid, status.Subscription.GatewaySubscriptionID)
}

func TestHandler_VerifyMissingFields(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodPost, "/subscription/verify", testUserID, `{"razorpay_payment_id":"pay_1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_UpgradeFromTrial(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/subscription/create", testUserID, `{"planId":"1_MONTH","startTrial":true}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/subscription/upgrade", testUserID, `{"newPlanId":"1_MONTH"}`)
	assert.Equal(t, http.StatusConflict, w.Code, "same plan")

	w = h.do(t, http.MethodPost, "/subscription/upgrade", testUserID, `{"newPlanId":"12_MONTHS"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp UpgradeResponse
	decodeBody(t, w, &resp)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.OldSubscription)
	require.NotNil(t, resp.NewSubscription)
	assert.Equal(t, subscription.StatusCancelled, resp.OldSubscription.Status)
	assert.Equal(t, subscription.PlanTwelveMonths, resp.NewSubscription.PlanType)
	assert.Equal(t, subscription.StatusCreated, resp.NewSubscription.Status)
}

func TestHandler_EndTrialWithoutTrial(t *testing.T) {
	h := newAPIHarness(t)
	w := h.do(t, http.MethodPost, "/subscription/end-trial", testUserID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_SyncAndStatusWithoutSubscription(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/subscription/sync", testUserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var synced SubscriptionResponse
	decodeBody(t, w, &synced)
	assert.True(t, synced.Success)
	assert.Nil(t, synced.Subscription)
	assert.NotEmpty(t, synced.Message)

	w = h.do(t, http.MethodGet, "/subscription/status", testUserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var status SubscriptionResponse
	decodeBody(t, w, &status)
	assert.True(t, status.Success)
	assert.Nil(t, status.Subscription)
	assert.Equal(t, noActiveMessage, status.Message)
}

func TestHandler_SyncGatewayError(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/subscription/create", testUserID, `{"planId":"1_MONTH"}`)
	require.Equal(t, http.StatusOK, w.Code)

	h.gateway.fetchErr = fmt.Errorf("%w: SERVER_ERROR: upstream timeout", billing.ErrProviderAPIError)
	w = h.do(t, http.MethodPost, "/subscription/sync", testUserID, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "SERVER_ERROR: upstream timeout", resp.Error)
}

func TestHandler_CustomOnError(t *testing.T) {
	var got error
	h := newAPIHarness(t, func(c *Config) {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		}
	})
	w := h.do(t, http.MethodGet, "/subscription/status", "", "")
	assert.Equal(t, http.StatusTeapot, w.Code)
	require.Error(t, got)
}

func chargedWebhook(gid, paymentID string, start, end time.Time) string {
	return fmt.Sprintf(`{
  "entity": "event",
  "event": "subscription.charged",
  "contains": ["subscription", "payment"],
  "payload": {
    "subscription": {"entity": {"id": %q, "status": "active", "current_start": %d, "current_end": %d, "paid_count": 1}},
    "payment": {"entity": {"id": %q, "amount": 49900, "currency": "INR", "status": "captured", "method": "card"}}
  },
  "created_at": %d
}`, gid, start.Unix(), end.Unix(), paymentID, start.Unix())
}

func (h *apiHarness) webhook(t *testing.T, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/subscription/webhook", strings.NewReader(body))
	req.Header.Set(razorpay.SignatureHeader, signature)
	req.Header.Set(razorpay.EventIDHeader, "evt_1")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestHandler_Webhook(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/subscription/create", testUserID, `{"planId":"1_MONTH"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var created CreateResponse
	decodeBody(t, w, &created)
	gid := created.Subscription.GatewaySubscriptionID

	start := time.Now().UTC().Add(-time.Hour)
	body := chargedWebhook(gid, "pay_w1", start, start.AddDate(0, 1, 0))

	t.Run("bad signature", func(t *testing.T) {
		w := h.webhook(t, body, "00ff")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		var rejected ErrorResponse
		decodeBody(t, w, &rejected)
		assert.Equal(t, billing.ErrInvalidWebhookSignature.Error(), rejected.Error)

		status := h.do(t, http.MethodGet, "/subscription/status", testUserID, "")
		var resp SubscriptionResponse
		decodeBody(t, status, &resp)
		assert.Nil(t, resp.Subscription, "nothing applied")
	})

	t.Run("signed delivery", func(t *testing.T) {
		sig := billing.SignHMACSHA256([]byte(testWebhookSecret), []byte(body))
		w := h.webhook(t, body, sig)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp WebhookResponse
		decodeBody(t, w, &resp)
		assert.True(t, resp.Success)
		assert.True(t, resp.Received)

		// Redelivery is acknowledged and changes nothing
		w = h.webhook(t, body, sig)
		assert.Equal(t, http.StatusOK, w.Code)

		status := h.do(t, http.MethodGet, "/subscription/status", testUserID, "")
		var st SubscriptionResponse
		decodeBody(t, status, &st)
		require.NotNil(t, st.Subscription)
		assert.Equal(t, subscription.StatusActive, st.Subscription.Status)
		assert.Len(t, st.Subscription.PaymentIDs, 1)
	})

	t.Run("signed garbage", func(t *testing.T) {
		payload := `{"not":"an event"}`
		sig := billing.SignHMACSHA256([]byte(testWebhookSecret), []byte(payload))
		w := h.webhook(t, payload, sig)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty body", func(t *testing.T) {
		w := h.webhook(t, "", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown event acknowledged", func(t *testing.T) {
		payload := `{"entity":"event","event":"invoice.paid","payload":{}}`
		sig := billing.SignHMACSHA256([]byte(testWebhookSecret), []byte(payload))
		w := h.webhook(t, payload, sig)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHandler_WebhookRateLimited(t *testing.T) {
	h := newAPIHarness(t, func(c *Config) {
		c.WebhookRateLimit = 2
	})

	for i := 0; i < 2; i++ {
		w := h.webhook(t, `{}`, "bad")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	}
	w := h.webhook(t, `{}`, "bad")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
