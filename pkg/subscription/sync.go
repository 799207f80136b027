package subscription

import (
	"context"
	"time"
)

const noSubscriptionMessage = "No subscription found to sync"

// Sync reconciles the user's most recent subscription with the gateway.
// It is idempotent; concurrent calls for the same user share one gateway fetch.
func (m *Manager) Sync(ctx context.Context, userID string) (*SyncResult, error) {
	const op = "subscription.sync"
	if userID == "" {
		return nil, newError(KindUnauthorized, op, ErrUnauthorized)
	}

	v, err, _ := m.syncGroup.Do(userID, func() (interface{}, error) {
		return m.sync(ctx, op, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SyncResult), nil
}

func (m *Manager) sync(ctx context.Context, op, userID string) (*SyncResult, error) {
	startTime := time.Now()
	provider := m.gateway.Name()
	defer func() {
		m.metrics.RecordUserSyncDuration(provider, time.Since(startTime))
	}()

	subs, err := m.store.ListSubscriptions(ctx, userID)
	if err != nil {
		m.metrics.RecordUserSync(provider, "error")
		return nil, newError(KindInternal, op, err)
	}
	sub := newestWithStatus(subs, StatusTrial, StatusActive, StatusCreated)
	if sub == nil {
		m.metrics.RecordUserSync(provider, "no_subscription")
		return &SyncResult{Message: noSubscriptionMessage}, nil
	}

	now := m.now()
	if sub.GatewaySubscriptionID == "" || !sub.Recurring {
		changed, err := m.expireOnRead(ctx, sub, now)
		if err != nil {
			m.metrics.RecordUserSync(provider, "error")
			return nil, newError(KindInternal, op, err)
		}
		m.metrics.RecordUserSync(provider, "local")
		return &SyncResult{Subscription: sub, Changed: changed}, nil
	}

	gs, err := m.gateway.FetchSubscription(ctx, sub.GatewaySubscriptionID)
	if err != nil {
		m.metrics.RecordUserSync(provider, "error")
		m.logger.Error("sync fetch failed", append(subFields(sub), errField(err))...)
		return nil, newErrorf(KindGateway, op, err, "%s", gatewayMessage(err))
	}

	changed := false
	d := Transition(sub.Snapshot(), GatewayStatusEvent(gs.Status), now)
	switch {
	case d.Suppressed():
		m.metrics.RecordSuppressedTransition(sourceSync, d.Reason)
		m.logger.Debug("sync status suppressed", append(subFields(sub),
			Field{Key: "gateway_status", Value: string(gs.Status)},
			Field{Key: "reason", Value: d.Reason})...)
	default:
		if d.Apply {
			m.setStatus(sub, d.Next, sourceSync)
			if d.Next == StatusCancelled && sub.CancelledAt == nil {
				sub.CancelledAt = cloneTime(firstTime(gs.EndedAt, timePtr(now)))
				sub.CancelReason = firstNonEmpty(sub.CancelReason, reasonGatewayCancel)
			}
			changed = true
		}
		if adoptGatewayDates(sub, gs) {
			changed = true
		}
	}

	if changed {
		sub.UpdatedAt = now
		if err := m.store.UpdateSubscription(ctx, sub); err != nil {
			m.metrics.RecordUserSync(provider, "error")
			return nil, newError(KindInternal, op, err)
		}
	}
	m.metrics.RecordUserSync(provider, "success")
	return &SyncResult{Subscription: sub, Changed: changed}, nil
}

// Status returns the user's current subscription (active, trial or past_due).
// Live records whose window has passed are expired and written back first.
func (m *Manager) Status(ctx context.Context, userID string) (*Subscription, error) {
	const op = "subscription.status"
	if userID == "" {
		return nil, newError(KindUnauthorized, op, ErrUnauthorized)
	}

	subs, err := m.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	now := m.now()
	for _, s := range subs {
		if !s.Status.IsLive() {
			continue
		}
		if _, err := m.expireOnRead(ctx, s, now); err != nil {
			m.logger.Warn("expire-on-read write failed", append(subFields(s), errField(err))...)
		}
	}

	sub := newestWithStatus(subs, StatusActive, StatusTrial, StatusPastDue)
	if sub == nil {
		return nil, newError(KindNotFound, op, ErrNoSubscription)
	}
	return sub, nil
}

// expireOnRead expires a lapsed live record and persists the change.
func (m *Manager) expireOnRead(ctx context.Context, sub *Subscription, now time.Time) (bool, error) {
	prev := sub.Status
	if !expireIfLapsed(sub, now, m.config.ExpiryGrace) {
		return false, nil
	}
	sub.UpdatedAt = now
	m.metrics.RecordStatusChange(sourceRead, string(prev), string(sub.Status))
	m.logger.Info("subscription expired", append(subFields(sub), Field{Key: "from", Value: string(prev)})...)
	return true, m.store.UpdateSubscription(ctx, sub)
}

// PurgeAbandoned deletes the user's created records older than the
// abandoned-checkout window and returns how many were removed.
func (m *Manager) PurgeAbandoned(ctx context.Context, userID string) (int, error) {
	const op = "subscription.purge_abandoned"
	if userID == "" {
		return 0, newError(KindUnauthorized, op, ErrUnauthorized)
	}
	subs, err := m.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return 0, newError(KindInternal, op, err)
	}
	return m.purgeAbandoned(ctx, subs, m.now()), nil
}

func (m *Manager) purgeAbandoned(ctx context.Context, subs []*Subscription, now time.Time) int {
	cutoff := now.Add(-m.config.AbandonedCheckoutTTL)
	purged := 0
	for _, s := range subs {
		if s.Status != StatusCreated || !s.CreatedAt.Before(cutoff) {
			continue
		}
		effect := m.bestEffort(ctx, "purge_abandoned_checkout", subFields(s), func(ctx context.Context) error {
			return m.store.DeleteSubscription(ctx, s.ID)
		})
		if effect.OK() {
			purged++
		}
	}
	return purged
}
