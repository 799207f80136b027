package subscription

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

func TestMapGatewayStatus(t *testing.T) {
	tests := []struct {
		in   billing.GatewayStatus
		want Status
	}{
		{billing.GatewayStatusAuthenticated, StatusActive},
		{billing.GatewayStatusActive, StatusActive},
		{billing.GatewayStatusPending, StatusActive},
		{billing.GatewayStatusHalted, StatusPastDue},
		{billing.GatewayStatusPaused, StatusPastDue},
		{billing.GatewayStatusCancelled, StatusCancelled},
		{billing.GatewayStatusCompleted, StatusActive},
		{billing.GatewayStatusExpired, StatusExpired},
		{billing.GatewayStatusCreated, StatusCreated},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			got, ok := MapGatewayStatus(tt.in)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := MapGatewayStatus("bogus")
	assert.False(t, ok)
}

func TestTransition(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	future := now.Add(10 * 24 * time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name   string
		cur    Snapshot
		ev     Event
		want   Decision
		status Status
	}{
		{
			name: "live trial ignores gateway created",
			cur:  Snapshot{Status: StatusTrial, IsTrialActive: true, TrialEnd: &future},
			ev:   GatewayStatusEvent(billing.GatewayStatusCreated),
			want: Decision{Next: StatusTrial, Reason: ReasonTrialAuthoritative},
		},
		{
			name: "live trial ignores cancellation webhook",
			cur:  Snapshot{Status: StatusTrial, IsTrialActive: true, TrialEnd: &future},
			ev:   WebhookEvent(billing.EventSubscriptionCancelled),
			want: Decision{Next: StatusTrial, Reason: ReasonTrialAuthoritative},
		},
		{
			name: "lapsed trial accepts activation",
			cur:  Snapshot{Status: StatusTrial, IsTrialActive: true, TrialEnd: &past},
			ev:   WebhookEvent(billing.EventSubscriptionCharged),
			want: Decision{Next: StatusActive, Apply: true, Reason: ReasonApplied},
		},
		{
			name: "active never regresses to created",
			cur:  Snapshot{Status: StatusActive, PeriodEnd: &future},
			ev:   GatewayStatusEvent(billing.GatewayStatusCreated),
			want: Decision{Next: StatusActive, Reason: ReasonNoRegression},
		},
		{
			name: "trial without live window never regresses to created",
			cur:  Snapshot{Status: StatusTrial},
			ev:   GatewayStatusEvent(billing.GatewayStatusCreated),
			want: Decision{Next: StatusTrial, Reason: ReasonNoRegression},
		},
		{
			name: "expired with period remaining stays active",
			cur:  Snapshot{Status: StatusActive, PeriodEnd: &future},
			ev:   GatewayStatusEvent(billing.GatewayStatusExpired),
			want: Decision{Next: StatusActive, Reason: ReasonUnchanged},
		},
		{
			name: "completed webhook with period remaining revives past_due",
			cur:  Snapshot{Status: StatusPastDue, PeriodEnd: &future},
			ev:   WebhookEvent(billing.EventSubscriptionCompleted),
			want: Decision{Next: StatusActive, Apply: true, Reason: ReasonPeriodNotOver},
		},
		{
			name: "completed webhook after period end expires",
			cur:  Snapshot{Status: StatusActive, PeriodEnd: &past},
			ev:   WebhookEvent(billing.EventSubscriptionCompleted),
			want: Decision{Next: StatusExpired, Apply: true, Reason: ReasonApplied},
		},
		{
			name: "completed gateway status maps to active",
			cur:  Snapshot{Status: StatusActive, PeriodEnd: &past},
			ev:   GatewayStatusEvent(billing.GatewayStatusCompleted),
			want: Decision{Next: StatusActive, Reason: ReasonUnchanged},
		},
		{
			name: "created checkout activated",
			cur:  Snapshot{Status: StatusCreated},
			ev:   WebhookEvent(billing.EventSubscriptionActivated),
			want: Decision{Next: StatusActive, Apply: true, Reason: ReasonApplied},
		},
		{
			name: "halted goes past due",
			cur:  Snapshot{Status: StatusActive, PeriodEnd: &future},
			ev:   GatewayStatusEvent(billing.GatewayStatusHalted),
			want: Decision{Next: StatusPastDue, Apply: true, Reason: ReasonApplied},
		},
		{
			name: "payment failed goes past due",
			cur:  Snapshot{Status: StatusActive},
			ev:   WebhookEvent(billing.EventPaymentFailed),
			want: Decision{Next: StatusPastDue, Apply: true, Reason: ReasonApplied},
		},
		{
			name: "unknown webhook kind",
			cur:  Snapshot{Status: StatusActive},
			ev:   WebhookEvent("order.paid"),
			want: Decision{Next: StatusActive, Reason: ReasonUnmapped},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transition(tt.cur, tt.ev, now))
		})
	}
}

func TestDecision_Suppressed(t *testing.T) {
	assert.True(t, Decision{Reason: ReasonTrialAuthoritative}.Suppressed())
	assert.True(t, Decision{Reason: ReasonNoRegression}.Suppressed())
	assert.False(t, Decision{Reason: ReasonUnchanged}.Suppressed())
	assert.False(t, Decision{Reason: ReasonPeriodNotOver, Apply: true}.Suppressed())
}

func TestExpireIfLapsed(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	grace := 24 * time.Hour

	t.Run("trial past end", func(t *testing.T) {
		end := now.Add(-time.Minute)
		sub := &Subscription{Status: StatusTrial, IsTrialActive: true, TrialEndDate: &end}
		assert.True(t, expireIfLapsed(sub, now, grace))
		assert.Equal(t, StatusExpired, sub.Status)
		assert.False(t, sub.IsTrialActive)
	})

	t.Run("recurring within grace", func(t *testing.T) {
		end := now.Add(-time.Hour)
		sub := &Subscription{Status: StatusActive, Recurring: true, CurrentPeriodEnd: &end}
		assert.False(t, expireIfLapsed(sub, now, grace))
		assert.Equal(t, StatusActive, sub.Status)
	})

	t.Run("recurring past grace", func(t *testing.T) {
		end := now.Add(-25 * time.Hour)
		sub := &Subscription{Status: StatusActive, Recurring: true, CurrentPeriodEnd: &end}
		assert.True(t, expireIfLapsed(sub, now, grace))
	})

	t.Run("one-time past end", func(t *testing.T) {
		end := now.Add(-time.Hour)
		sub := &Subscription{Status: StatusActive, CurrentPeriodEnd: &end}
		assert.True(t, expireIfLapsed(sub, now, grace))
	})

	t.Run("active without period end", func(t *testing.T) {
		sub := &Subscription{Status: StatusActive}
		assert.False(t, expireIfLapsed(sub, now, grace))
	})
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		in     time.Time
		months int
		want   time.Time
	}{
		{time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC), 1, time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC)},
		{time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC), 1, time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)},
		{time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), 12, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 8, 31, 0, 0, 0, 0, time.UTC), 6, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, addMonths(tt.in, tt.months))
	}
}

func TestTotalCount(t *testing.T) {
	assert.Equal(t, 120, totalCount(120, 1))
	assert.Equal(t, 40, totalCount(120, 3))
	assert.Equal(t, 10, totalCount(120, 12))
	assert.Equal(t, 120, totalCount(120, 0))
	assert.Equal(t, 1, totalCount(6, 12))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{newError(KindUnauthorized, "op", ErrUnauthorized), 401},
		{newError(KindValidation, "op", ErrInvalidPlan), 400},
		{newError(KindSignature, "op", ErrInvalidSignature), 400},
		{newError(KindConflict, "op", ErrAlreadyActive), 409},
		{newError(KindNotFound, "op", ErrNoTrial), 404},
		{newError(KindGateway, "op", billing.ErrProviderAPIError), 500},
		{ErrSamePlan, 409},
		{ErrSubscriptionEnded, 409},
		{billing.ErrInvalidWebhookSignature, 400},
		{assert.AnError, 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err))
	}
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "internal error", PublicMessage(newError(KindInternal, "op", assert.AnError)))
	assert.Equal(t, "BAD_REQUEST_ERROR: plan does not exist",
		PublicMessage(newErrorf(KindGateway, "op", assert.AnError, "BAD_REQUEST_ERROR: plan does not exist")))
	assert.Equal(t, ErrNoTrial.Error(), PublicMessage(newError(KindNotFound, "op", ErrNoTrial)))
}
