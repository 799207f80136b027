package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

// EndTrial converts the user's running trial into an immediately billed
// subscription. The local trial is left untouched if any gateway call fails.
func (m *Manager) EndTrial(ctx context.Context, userID string) (*Subscription, error) {
	const op = "subscription.end_trial"
	if userID == "" {
		return nil, newError(KindUnauthorized, op, ErrUnauthorized)
	}

	subs, err := m.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	now := m.now()
	trial, err := m.findTrial(ctx, subs, now)
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	if trial == nil {
		return nil, newError(KindNotFound, op, ErrNoTrial)
	}

	months, plan := m.billingMonths(ctx, trial)
	gatewayPlanID := trial.GatewayPlanID
	if plan != nil && plan.GatewayPlanID != "" {
		gatewayPlanID = plan.GatewayPlanID
	}
	if gatewayPlanID == "" {
		return nil, newErrorf(KindValidation, op, ErrInvalidPlan, "plan %s has no gateway plan configured", trial.PlanType)
	}

	if trial.GatewaySubscriptionID != "" {
		if _, err := m.gateway.CancelSubscription(ctx, trial.GatewaySubscriptionID, false); err != nil {
			m.logger.Error("cancel trial gateway subscription failed", append(subFields(trial), errField(err))...)
			return nil, newErrorf(KindGateway, op, err, "%s", gatewayMessage(err))
		}
	}

	gs, err := m.gateway.CreateSubscription(ctx, billing.CreateSubscriptionParams{
		PlanID:         gatewayPlanID,
		TotalCount:     totalCount(m.config.TotalCountBudget, months),
		StartTrial:     false,
		CustomerNotify: m.config.CustomerNotify,
		Notes: map[string]string{
			"user_id": userID,
			"plan_id": string(trial.PlanType),
		},
	})
	if err != nil {
		m.logger.Error("create charge subscription failed", append(subFields(trial), errField(err))...)
		return nil, newErrorf(KindGateway, op, err, "%s", gatewayMessage(err))
	}

	m.setStatus(trial, StatusActive, sourceController)
	trial.IsTrialActive = false
	trial.IsTrialUsed = true
	trial.TrialEndedEarly = true
	trial.TrialEndedAt = timePtr(now)
	trial.TrialEndDate = timePtr(now)
	trial.GatewaySubscriptionID = gs.ID
	trial.GatewayPlanID = gatewayPlanID
	trial.ShortURL = gs.ShortURL
	trial.BillingPeriod = months
	trial.BillingCycle = billingCycleLabel(months)
	trial.Recurring = true
	trial.CurrentPeriodStart = timePtr(now)
	trial.CurrentPeriodEnd = timePtr(addMonths(now, months))
	trial.NextBillingDate = cloneTime(trial.CurrentPeriodEnd)
	if trial.StartDate == nil {
		trial.StartDate = timePtr(now)
	}
	trial.UpdatedAt = now

	if err := m.store.UpdateSubscription(ctx, trial); err != nil {
		return nil, newError(KindInternal, op, err)
	}
	m.logger.Info("trial ended early", subFields(trial)...)
	return trial, nil
}

// findTrial locates the user's running trial by the strongest predicate that
// matches. A record found by a weaker predicate is repaired to the canonical
// trial state and written back. Cancelled records are never considered.
func (m *Manager) findTrial(ctx context.Context, subs []*Subscription, now time.Time) (*Subscription, error) {
	var found *Subscription
	repaired := false

	for _, s := range subs {
		if s.Status == StatusTrial && s.IsTrialActive && s.CancelledAt == nil &&
			(s.TrialEndDate == nil || s.TrialEndDate.After(now)) {
			found = s
			break
		}
	}
	if found == nil {
		for _, s := range subs {
			if s.CancelledAt == nil && s.HasLiveTrial(now) && (s.IsTrialActive || s.IsTrialUsed) {
				found, repaired = s, true
				break
			}
		}
	}
	if found == nil {
		for _, s := range subs {
			if s.CancelledAt == nil && s.Status != StatusCancelled && s.HasLiveTrial(now) {
				found, repaired = s, true
				break
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	if !repaired || (found.Status == StatusTrial && found.IsTrialActive) {
		return found, nil
	}

	prev := found.Status
	found.Status = StatusTrial
	found.IsTrialActive = true
	found.IsTrialUsed = true
	found.UpdatedAt = now
	if err := m.store.UpdateSubscription(ctx, found); err != nil {
		return nil, err
	}
	m.metrics.RecordStatusChange(sourceRead, string(prev), string(StatusTrial))
	m.logger.Warn("repaired inconsistent trial record", append(subFields(found),
		Field{Key: "from", Value: string(prev)})...)
	return found, nil
}

// billingMonths resolves the billing period of a record: plan catalog, then
// the stored period, then the plan type table, then one month.
func (m *Manager) billingMonths(ctx context.Context, sub *Subscription) (int, *Plan) {
	plan, err := m.plans.GetPlan(ctx, string(sub.PlanType))
	if err != nil && !errors.Is(err, ErrInvalidPlan) {
		m.logger.Warn("plan lookup failed", append(subFields(sub), errField(err))...)
	}
	if err == nil && plan.BillingPeriod > 0 {
		return plan.BillingPeriod, plan
	}
	if err != nil {
		plan = nil
	}
	if sub.BillingPeriod > 0 {
		return sub.BillingPeriod, plan
	}
	if months, ok := MonthsForPlanType(sub.PlanType); ok {
		return months, plan
	}
	return 1, plan
}
