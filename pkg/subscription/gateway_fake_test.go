package subscription_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gosubscription/pkg/billing"
	"github.com/mihaimyh/gosubscription/pkg/subscription"
	"github.com/mihaimyh/gosubscription/storage/memory"
)

const (
	testKeySecret     = "key_secret"
	testWebhookSecret = "webhook_secret"
)

var errGatewayDown = fmt.Errorf("%w: BAD_REQUEST_ERROR: gateway down", billing.ErrProviderAPIError)

// fakeGateway is an in-memory billing.Gateway.
type fakeGateway struct {
	mu sync.Mutex

	seq           int
	subscriptions map[string]*billing.GatewaySubscription
	payments      map[string]*billing.GatewayPayment

	created    []billing.CreateSubscriptionParams
	cancelled  []string
	fetchCalls int

	createErr  error
	cancelErr  error
	fetchErr   error
	paymentErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		subscriptions: make(map[string]*billing.GatewaySubscription),
		payments:      make(map[string]*billing.GatewayPayment),
	}
}

func (g *fakeGateway) Name() string { return "razorpay" }

func (g *fakeGateway) CreateSubscription(
	_ context.Context, params billing.CreateSubscriptionParams,
) (*billing.GatewaySubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.seq++
	g.created = append(g.created, params)
	gs := &billing.GatewaySubscription{
		ID:         fmt.Sprintf("sub_%d", g.seq),
		PlanID:     params.PlanID,
		Status:     billing.GatewayStatusCreated,
		TotalCount: params.TotalCount,
		ShortURL:   fmt.Sprintf("https://rzp.io/i/%d", g.seq),
	}
	g.subscriptions[gs.ID] = gs
	c := *gs
	return &c, nil
}

func (g *fakeGateway) FetchSubscription(_ context.Context, id string) (*billing.GatewaySubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchCalls++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	gs, ok := g.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s does not exist", billing.ErrProviderAPIError, id)
	}
	c := *gs
	return &c, nil
}

func (g *fakeGateway) CancelSubscription(_ context.Context, id string, _ bool) (*billing.GatewaySubscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	g.cancelled = append(g.cancelled, id)
	gs, ok := g.subscriptions[id]
	if !ok {
		return nil, errors.New("unknown subscription")
	}
	gs.Status = billing.GatewayStatusCancelled
	c := *gs
	return &c, nil
}

func (g *fakeGateway) FetchPayment(_ context.Context, id string) (*billing.GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paymentErr != nil {
		return nil, g.paymentErr
	}
	p, ok := g.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %s does not exist", billing.ErrProviderAPIError, id)
	}
	c := *p
	return &c, nil
}

func (g *fakeGateway) VerifyPaymentSignature(paymentID, subscriptionID, signature string) bool {
	return billing.VerifyHMACSHA256([]byte(testKeySecret), billing.PaymentSignaturePayload(paymentID, subscriptionID), signature)
}

func (g *fakeGateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return billing.VerifyHMACSHA256([]byte(testWebhookSecret), body, signature)
}

// ParseWebhook is unused by the manager; tests hand events over directly.
func (g *fakeGateway) ParseWebhook(_ []byte) (*billing.WebhookEvent, error) {
	return nil, billing.ErrInvalidWebhookPayload
}

// setSubscription changes the gateway-side state of a subscription.
func (g *fakeGateway) setSubscription(id string, mutate func(gs *billing.GatewaySubscription)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gs, ok := g.subscriptions[id]
	if !ok {
		gs = &billing.GatewaySubscription{ID: id}
		g.subscriptions[id] = gs
	}
	mutate(gs)
}

func (g *fakeGateway) addPayment(p billing.GatewayPayment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[p.ID] = &p
}

func (g *fakeGateway) cancelledIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

func (g *fakeGateway) createCalls() []billing.CreateSubscriptionParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]billing.CreateSubscriptionParams(nil), g.created...)
}

// clock is a settable test clock.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	manager *subscription.Manager
	store   *memory.Storage
	gateway *fakeGateway
	clock   *clock
}

func testPlans() *subscription.StaticCatalog {
	plans := subscription.DefaultPlans()
	for i := range plans {
		plans[i].GatewayPlanID = "plan_" + plans[i].PlanID
	}
	plans = append(plans,
		subscription.Plan{PlanID: "RETIRED", GatewayPlanID: "plan_retired", BillingPeriod: 1, IsActive: false},
		subscription.Plan{PlanID: "SPECIAL_OFFER", BillingPeriod: 1, TotalMonths: 1, IsActive: true},
	)
	return subscription.NewStaticCatalog(plans...)
}

func newHarness() *harness {
	store := memory.New()
	gw := newFakeGateway()
	clk := &clock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	m, err := subscription.NewManager(store, gw, testPlans(), subscription.Config{Now: clk.Now})
	if err != nil {
		panic(err)
	}
	return &harness{manager: m, store: store, gateway: gw, clock: clk}
}

func sign(paymentID, subscriptionID string) string {
	return billing.SignHMACSHA256([]byte(testKeySecret), billing.PaymentSignaturePayload(paymentID, subscriptionID))
}

func liveCount(subs []*subscription.Subscription) int {
	n := 0
	for _, s := range subs {
		if s.Status.IsLive() {
			n++
		}
	}
	return n
}
