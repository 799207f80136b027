package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

// Metric sources for status changes.
const (
	sourceController = "controller"
	sourceVerify     = "verify"
	sourceSync       = "sync"
	sourceWebhook    = "webhook"
	sourceRead       = "read"
)

// Cancel reasons written by the manager.
const (
	reasonUpgradedToPaid = "Upgraded to paid plan"
	reasonSuperseded     = "Superseded by verified payment"
	reasonGatewayCancel  = "Cancelled at gateway"
)

// Manager drives the subscription lifecycle: user actions, checkout
// verification, polling sync and webhook reconciliation.
type Manager struct {
	store    Store
	gateway  billing.Gateway
	plans    PlanCatalog
	config   Config
	logger   Logger
	metrics  billing.Metrics
	handlers map[billing.EventKind]webhookHandler

	syncGroup singleflight.Group
}

// NewManager creates a manager. A nil plan catalog falls back to DefaultPlans.
func NewManager(store Store, gateway billing.Gateway, plans PlanCatalog, config Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if gateway == nil {
		return nil, ErrGatewayUnavailable
	}
	if plans == nil {
		plans = NewStaticCatalog(DefaultPlans()...)
	}

	config = config.withDefaults()
	m := &Manager{
		store:   store,
		gateway: gateway,
		plans:   plans,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
	}
	m.handlers = m.webhookHandlers()
	return m, nil
}

func (m *Manager) now() time.Time {
	return m.config.Now()
}

// Create starts a local trial or opens a paid gateway subscription awaiting checkout.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	const op = "subscription.create"
	if req.UserID == "" {
		return nil, newError(KindUnauthorized, op, ErrUnauthorized)
	}

	plan, err := m.activePlan(ctx, op, req.PlanID)
	if err != nil {
		return nil, err
	}

	subs, err := m.store.ListSubscriptions(ctx, req.UserID)
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	trialUsed, err := m.store.HasUsedTrial(ctx, req.UserID, req.Email)
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}

	if req.StartTrial && !trialUsed {
		if live := newestWithStatus(subs, StatusActive, StatusTrial); live != nil {
			return nil, newError(KindConflict, op, ErrAlreadyActive)
		}
		sub, err := m.createTrial(ctx, req, plan)
		if err != nil {
			return nil, newError(KindInternal, op, err)
		}
		return &CreateResult{IsTrial: true, Subscription: sub}, nil
	}

	sub, err := m.createPaid(ctx, op, paidRequest{
		UserID:    req.UserID,
		Email:     req.Email,
		Plan:      plan,
		TrialUsed: trialUsed,
	}, subs)
	if err != nil {
		return nil, err
	}
	return &CreateResult{Subscription: sub}, nil
}

// Upgrade cancels the user's live subscription and opens a paid one for a new plan.
func (m *Manager) Upgrade(ctx context.Context, req UpgradeRequest) (*UpgradeResult, error) {
	const op = "subscription.upgrade"
	if req.UserID == "" {
		return nil, newError(KindUnauthorized, op, ErrUnauthorized)
	}
	if req.NewPlanID == "" {
		return nil, newErrorf(KindValidation, op, ErrInvalidPlan, "newPlanId is required")
	}

	subs, err := m.store.ListSubscriptions(ctx, req.UserID)
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	current := newestWithStatus(subs, StatusTrial, StatusActive)
	if current == nil {
		return nil, newError(KindNotFound, op, ErrNoSubscription)
	}
	if string(current.PlanType) == req.NewPlanID {
		return nil, newError(KindConflict, op, ErrSamePlan)
	}

	plan, err := m.activePlan(ctx, op, req.NewPlanID)
	if err != nil {
		return nil, err
	}
	// checked before the current record is cancelled
	if plan.GatewayPlanID == "" {
		return nil, errNoGatewayPlan(op, plan)
	}

	trialUsed := current.IsTrialUsed
	if !trialUsed {
		if trialUsed, err = m.store.HasUsedTrial(ctx, req.UserID, req.Email); err != nil {
			return nil, newError(KindInternal, op, err)
		}
	}

	if current.GatewaySubscriptionID != "" {
		gid := current.GatewaySubscriptionID
		m.bestEffort(ctx, "cancel_gateway_subscription", subFields(current), func(ctx context.Context) error {
			_, err := m.gateway.CancelSubscription(ctx, gid, false)
			return err
		})
	}

	now := m.now()
	m.cancelRecord(current, now, fmt.Sprintf("Upgraded to %s", req.NewPlanID), sourceController)
	if err := m.store.UpdateSubscription(ctx, current); err != nil {
		return nil, newError(KindInternal, op, err)
	}

	next, err := m.createPaid(ctx, op, paidRequest{
		UserID:        req.UserID,
		Email:         firstNonEmpty(req.Email, current.Email),
		Plan:          plan,
		TrialUsed:     trialUsed,
		PaymentMethod: current.PaymentMethod,
	}, subs)
	if err != nil {
		return nil, err
	}

	m.logger.Info("subscription upgraded",
		Field{Key: "user_id", Value: req.UserID},
		Field{Key: "old_subscription_id", Value: current.ID},
		Field{Key: "new_subscription_id", Value: next.ID},
		Field{Key: "plan_id", Value: plan.PlanID},
	)
	return &UpgradeResult{OldSubscription: current, NewSubscription: next}, nil
}

func (m *Manager) createTrial(ctx context.Context, req CreateRequest, plan *Plan) (*Subscription, error) {
	now := m.now()
	sub := &Subscription{
		UserID:         req.UserID,
		Email:          req.Email,
		GatewayPlanID:  plan.GatewayPlanID,
		PlanType:       PlanType(plan.PlanID),
		PlanAmount:     plan.Amount,
		BillingCycle:   billingCycleLabel(plan.BillingPeriod),
		BillingPeriod:  plan.BillingPeriod,
		BonusMonths:    plan.BonusMonths,
		TotalMonths:    plan.TotalMonths,
		Recurring:      true,
		Status:         StatusTrial,
		IsTrialActive:  true,
		IsTrialUsed:    true,
		TrialStartDate: timePtr(now),
		TrialEndDate:   timePtr(now.Add(m.config.TrialDuration)),
		StartDate:      timePtr(now),
		PaymentIDs:     []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	m.metrics.RecordStatusChange(sourceController, "", string(StatusTrial))
	m.logger.Info("trial started", subFields(sub)...)
	return sub, nil
}

type paidRequest struct {
	UserID        string
	Email         string
	Plan          *Plan
	TrialUsed     bool
	PaymentMethod string
}

// createPaid is the checkout-initiation flow shared by Create and Upgrade.
// existing is the user's record list; entries are updated in place.
func (m *Manager) createPaid(ctx context.Context, op string, req paidRequest, existing []*Subscription) (*Subscription, error) {
	if active := newestWithStatus(existing, StatusActive); active != nil {
		return nil, newError(KindConflict, op, ErrAlreadyActive)
	}
	if req.Plan.GatewayPlanID == "" {
		return nil, errNoGatewayPlan(op, req.Plan)
	}

	now := m.now()
	for _, s := range existing {
		if s.Status != StatusTrial {
			continue
		}
		if s.GatewaySubscriptionID != "" {
			gid := s.GatewaySubscriptionID
			m.bestEffort(ctx, "cancel_gateway_subscription", subFields(s), func(ctx context.Context) error {
				_, err := m.gateway.CancelSubscription(ctx, gid, false)
				return err
			})
		}
		m.cancelRecord(s, now, reasonUpgradedToPaid, sourceController)
		if err := m.store.UpdateSubscription(ctx, s); err != nil {
			return nil, newError(KindInternal, op, err)
		}
	}

	m.purgeAbandoned(ctx, existing, now)

	gs, err := m.gateway.CreateSubscription(ctx, billing.CreateSubscriptionParams{
		PlanID:         req.Plan.GatewayPlanID,
		TotalCount:     totalCount(m.config.TotalCountBudget, req.Plan.BillingPeriod),
		StartTrial:     false,
		CustomerNotify: m.config.CustomerNotify,
		Notes: map[string]string{
			"user_id": req.UserID,
			"plan_id": req.Plan.PlanID,
		},
	})
	if err != nil {
		m.logger.Error("gateway subscription create failed",
			Field{Key: "user_id", Value: req.UserID}, Field{Key: "plan_id", Value: req.Plan.PlanID}, errField(err))
		return nil, newErrorf(KindGateway, op, err, "%s", gatewayMessage(err))
	}

	sub := &Subscription{
		UserID:                req.UserID,
		Email:                 req.Email,
		GatewaySubscriptionID: gs.ID,
		GatewayPlanID:         req.Plan.GatewayPlanID,
		ShortURL:              gs.ShortURL,
		PlanType:              PlanType(req.Plan.PlanID),
		PlanAmount:            req.Plan.Amount,
		BillingCycle:          billingCycleLabel(req.Plan.BillingPeriod),
		BillingPeriod:         req.Plan.BillingPeriod,
		BonusMonths:           req.Plan.BonusMonths,
		TotalMonths:           req.Plan.TotalMonths,
		Recurring:             true,
		Status:                StatusCreated,
		IsTrialUsed:           req.TrialUsed,
		PaymentMethod:         req.PaymentMethod,
		PaymentIDs:            []string{},
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		gid := gs.ID
		m.bestEffort(ctx, "rollback_gateway_subscription", subFields(sub), func(ctx context.Context) error {
			_, err := m.gateway.CancelSubscription(ctx, gid, false)
			return err
		})
		return nil, newError(KindInternal, op, err)
	}

	m.metrics.RecordStatusChange(sourceController, "", string(StatusCreated))
	m.logger.Info("checkout subscription created", subFields(sub)...)
	return sub, nil
}

func errNoGatewayPlan(op string, plan *Plan) *Error {
	return newErrorf(KindValidation, op, ErrInvalidPlan, "plan %s has no gateway plan configured", plan.PlanID)
}

func (m *Manager) activePlan(ctx context.Context, op, planID string) (*Plan, error) {
	if planID == "" {
		return nil, newErrorf(KindValidation, op, ErrInvalidPlan, "planId is required")
	}
	plan, err := m.plans.GetPlan(ctx, planID)
	if err != nil {
		if errors.Is(err, ErrInvalidPlan) {
			return nil, newErrorf(KindValidation, op, err, "invalid plan: %s", planID)
		}
		return nil, newError(KindInternal, op, err)
	}
	if !plan.IsActive {
		return nil, newErrorf(KindValidation, op, ErrInvalidPlan, "plan %s is not available", planID)
	}
	return plan, nil
}

// setStatus moves sub to next and records the change.
func (m *Manager) setStatus(sub *Subscription, next Status, source string) {
	if sub.Status == next {
		return
	}
	prev := sub.Status
	sub.Status = next
	if next != StatusTrial {
		sub.IsTrialActive = false
	}
	m.metrics.RecordStatusChange(source, string(prev), string(next))
	m.logger.Info("subscription status changed", append(subFields(sub),
		Field{Key: "from", Value: string(prev)},
		Field{Key: "source", Value: source},
	)...)
}

func (m *Manager) cancelRecord(sub *Subscription, now time.Time, reason, source string) {
	m.setStatus(sub, StatusCancelled, source)
	sub.IsTrialActive = false
	if sub.CancelledAt == nil {
		sub.CancelledAt = timePtr(now)
	}
	sub.CancelReason = reason
	sub.UpdatedAt = now
}

// startTrialWindow puts sub into trial. A window that was already set is kept.
func (m *Manager) startTrialWindow(sub *Subscription, now time.Time, source string) {
	m.setStatus(sub, StatusTrial, source)
	sub.IsTrialActive = true
	sub.IsTrialUsed = true
	if sub.TrialStartDate == nil {
		sub.TrialStartDate = timePtr(now)
	}
	if sub.TrialEndDate == nil {
		sub.TrialEndDate = timePtr(now.Add(m.config.TrialDuration))
	}
	if sub.StartDate == nil {
		sub.StartDate = timePtr(now)
	}
	sub.UpdatedAt = now
}

// adoptGatewayDates copies the gateway's billing period onto sub and reports
// whether anything changed. Periods older than the one already held are
// ignored, since webhooks can arrive out of order.
func adoptGatewayDates(sub *Subscription, gs *billing.GatewaySubscription) bool {
	if gs == nil || stalePeriod(sub, gs) {
		return false
	}
	changed := false
	set := func(dst **time.Time, src *time.Time) {
		if src == nil {
			return
		}
		if *dst == nil || !(*dst).Equal(*src) {
			*dst = cloneTime(src)
			changed = true
		}
	}
	set(&sub.CurrentPeriodStart, gs.CurrentStart)
	set(&sub.CurrentPeriodEnd, gs.CurrentEnd)
	set(&sub.NextBillingDate, gs.ChargeAt)
	if sub.StartDate == nil {
		set(&sub.StartDate, firstTime(gs.StartAt, gs.CurrentStart))
	}
	return changed
}

func stalePeriod(sub *Subscription, gs *billing.GatewaySubscription) bool {
	if gs.CurrentStart != nil && sub.CurrentPeriodStart != nil {
		return gs.CurrentStart.Before(*sub.CurrentPeriodStart)
	}
	if gs.CurrentEnd != nil && sub.CurrentPeriodEnd != nil {
		return gs.CurrentEnd.Before(*sub.CurrentPeriodEnd)
	}
	return false
}

// newestWithStatus returns the newest record whose status is one of statuses.
// subs must be ordered newest first.
func newestWithStatus(subs []*Subscription, statuses ...Status) *Subscription {
	for _, s := range subs {
		for _, st := range statuses {
			if s.Status == st {
				return s
			}
		}
	}
	return nil
}

func gatewayMessage(err error) string {
	return strings.TrimPrefix(err.Error(), billing.ErrProviderAPIError.Error()+": ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstTime(values ...*time.Time) *time.Time {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
