package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

const reasonSupersededRecord = "superseded"

// webhookHandler applies one event kind to the matching record. It reports
// whether the record changed and needs to be written back.
type webhookHandler func(ctx context.Context, sub *Subscription, ev *billing.WebhookEvent, now time.Time) (bool, error)

func (m *Manager) webhookHandlers() map[billing.EventKind]webhookHandler {
	return map[billing.EventKind]webhookHandler{
		billing.EventSubscriptionActivated: m.applyEventStatus,
		billing.EventSubscriptionCharged:   m.handleCharged,
		billing.EventSubscriptionCompleted: m.applyEventStatus,
		billing.EventSubscriptionCancelled: m.handleCancelled,
		billing.EventSubscriptionPaused:    m.applyEventStatus,
		billing.EventSubscriptionResumed:   m.applyEventStatus,
		billing.EventPaymentFailed:         m.handlePaymentFailed,
	}
}

// HandleWebhook applies a verified webhook event. Unknown event kinds and
// events for unknown subscriptions are acknowledged without changes; an error
// is returned only when the event should be retried.
func (m *Manager) HandleWebhook(ctx context.Context, ev *billing.WebhookEvent) error {
	const op = "subscription.webhook"
	if ev == nil {
		return newErrorf(KindValidation, op, billing.ErrInvalidWebhookPayload, "empty event")
	}
	startTime := time.Now()
	provider := firstNonEmpty(ev.Provider, m.gateway.Name())
	eventType := string(ev.Kind)
	defer func() {
		m.metrics.RecordWebhookProcessingDuration(provider, eventType, time.Since(startTime))
	}()

	fields := []Field{
		{Key: "event", Value: eventType},
		{Key: "event_id", Value: ev.ID},
		{Key: "gateway_subscription_id", Value: ev.SubscriptionID()},
	}

	handler, ok := m.handlers[ev.Kind]
	if !ok {
		m.logger.Info("ignoring unhandled webhook event", fields...)
		m.metrics.RecordWebhookEvent(provider, eventType, "ignored")
		return nil
	}

	gid := ev.SubscriptionID()
	if gid == "" {
		m.logger.Warn("webhook event without subscription id", fields...)
		m.metrics.RecordWebhookEvent(provider, eventType, "ignored")
		return nil
	}

	sub, err := m.store.GetSubscriptionByGatewayID(ctx, gid)
	if errors.Is(err, ErrSubscriptionNotFound) {
		m.logger.Warn("webhook for unknown subscription", fields...)
		m.metrics.RecordWebhookEvent(provider, eventType, "ignored")
		return nil
	}
	if err != nil {
		m.metrics.RecordWebhookError(provider, "storage_error")
		m.metrics.RecordWebhookEvent(provider, eventType, "error")
		return newError(KindInternal, op, err)
	}

	now := m.now()
	changed, err := handler(ctx, sub, ev, now)
	if err != nil {
		m.logger.Error("webhook processing failed", append(fields, errField(err))...)
		m.metrics.RecordWebhookError(provider, "processing_error")
		m.metrics.RecordWebhookEvent(provider, eventType, "error")
		return newError(KindInternal, op, err)
	}

	if changed {
		sub.UpdatedAt = now
		if err := m.store.UpdateSubscription(ctx, sub); err != nil {
			m.metrics.RecordWebhookError(provider, "storage_error")
			m.metrics.RecordWebhookEvent(provider, eventType, "error")
			return newError(KindInternal, op, err)
		}
	}

	m.logger.Debug("webhook processed", append(subFields(sub), Field{Key: "event", Value: eventType},
		Field{Key: "changed", Value: changed})...)
	m.metrics.RecordWebhookEvent(provider, eventType, "success")
	return nil
}

// applyEventStatus runs the event through Transition and adopts the period
// dates carried by the event unless the write was suppressed.
func (m *Manager) applyEventStatus(ctx context.Context, sub *Subscription, ev *billing.WebhookEvent, now time.Time) (bool, error) {
	d := Transition(sub.Snapshot(), WebhookEvent(ev.Kind), now)
	if d.Apply && d.Next.IsLive() && sub.Status == StatusCancelled {
		// a late event for a superseded record must not revive it next to its replacement
		superseded, err := m.hasOtherLive(ctx, sub)
		if err != nil {
			return false, err
		}
		if superseded {
			d = Decision{Next: sub.Status, Reason: reasonSupersededRecord}
		}
	}
	if d.Suppressed() || d.Reason == reasonSupersededRecord {
		m.metrics.RecordSuppressedTransition(sourceWebhook, d.Reason)
		m.logger.Info("webhook status suppressed", append(subFields(sub),
			Field{Key: "event", Value: string(ev.Kind)},
			Field{Key: "reason", Value: d.Reason})...)
		return false, nil
	}

	changed := false
	if d.Apply {
		m.setStatus(sub, d.Next, sourceWebhook)
		changed = true
	}
	if adoptGatewayDates(sub, ev.Subscription) {
		changed = true
	}
	return changed, nil
}

func (m *Manager) hasOtherLive(ctx context.Context, sub *Subscription) (bool, error) {
	subs, err := m.store.ListSubscriptions(ctx, sub.UserID)
	if err != nil {
		return false, err
	}
	for _, s := range subs {
		if s.ID != sub.ID && s.Status.IsLive() {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) handleCharged(ctx context.Context, sub *Subscription, ev *billing.WebhookEvent, now time.Time) (bool, error) {
	changed := false
	if ev.Payment != nil && ev.Payment.ID != "" {
		gp := *ev.Payment
		if gp.Status != billing.PaymentStatusAuthorized {
			gp.Status = billing.PaymentStatusCaptured
		}
		_, created, err := m.recordPayment(ctx, sub, &gp)
		if err != nil {
			return false, err
		}
		changed = created
	}

	statusChanged, err := m.applyEventStatus(ctx, sub, ev, now)
	return changed || statusChanged, err
}

func (m *Manager) handleCancelled(ctx context.Context, sub *Subscription, ev *billing.WebhookEvent, now time.Time) (bool, error) {
	changed, err := m.applyEventStatus(ctx, sub, ev, now)
	if err != nil || sub.Status != StatusCancelled {
		return changed, err
	}
	if sub.CancelledAt == nil {
		var endedAt *time.Time
		if ev.Subscription != nil {
			endedAt = ev.Subscription.EndedAt
		}
		sub.CancelledAt = cloneTime(firstTime(endedAt, timePtr(now)))
		changed = true
	}
	if sub.CancelReason == "" {
		sub.CancelReason = reasonGatewayCancel
		changed = true
	}
	return changed, nil
}

func (m *Manager) handlePaymentFailed(ctx context.Context, sub *Subscription, ev *billing.WebhookEvent, now time.Time) (bool, error) {
	changed := false
	if ev.Payment != nil && ev.Payment.ID != "" {
		gp := *ev.Payment
		gp.Status = billing.PaymentStatusFailed
		_, created, err := m.recordPayment(ctx, sub, &gp)
		if err != nil {
			return false, err
		}
		changed = created
		m.logger.Warn("payment failed", append(subFields(sub),
			Field{Key: "payment_id", Value: gp.ID},
			Field{Key: "error_code", Value: gp.ErrorCode},
			Field{Key: "error_reason", Value: gp.ErrorReason})...)
	}

	statusChanged, err := m.applyEventStatus(ctx, sub, ev, now)
	return changed || statusChanged, err
}
