package subscription

import (
	"time"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

// Reasons reported in a Decision.
const (
	ReasonApplied            = "applied"
	ReasonTrialAuthoritative = "trial_authoritative"
	ReasonNoRegression       = "no_regression"
	ReasonPeriodNotOver      = "period_not_over"
	ReasonUnchanged          = "unchanged"
	ReasonUnmapped           = "unmapped"
)

// Snapshot is the part of a subscription the transition rules depend on.
type Snapshot struct {
	Status        Status
	IsTrialActive bool
	TrialEnd      *time.Time
	PeriodEnd     *time.Time
}

// Event is a gateway-driven observation. Exactly one of GatewayStatus (sync,
// verify) or Kind (webhook) is set.
type Event struct {
	GatewayStatus billing.GatewayStatus
	Kind          billing.EventKind
}

// GatewayStatusEvent wraps a polled gateway status.
func GatewayStatusEvent(s billing.GatewayStatus) Event {
	return Event{GatewayStatus: s}
}

// WebhookEvent wraps a webhook event kind.
func WebhookEvent(kind billing.EventKind) Event {
	return Event{Kind: kind}
}

// Decision is the outcome of Transition. Next is only meaningful when Apply is true.
type Decision struct {
	Next   Status
	Apply  bool
	Reason string
}

var gatewayStatusTable = map[billing.GatewayStatus]Status{
	billing.GatewayStatusCreated:       StatusCreated,
	billing.GatewayStatusAuthenticated: StatusActive,
	billing.GatewayStatusActive:        StatusActive,
	billing.GatewayStatusPending:       StatusActive,
	billing.GatewayStatusHalted:        StatusPastDue,
	billing.GatewayStatusPaused:        StatusPastDue,
	billing.GatewayStatusCancelled:     StatusCancelled,
	// the gateway marks completed before the local period has run out
	billing.GatewayStatusCompleted: StatusActive,
	billing.GatewayStatusExpired:   StatusExpired,
}

var eventStatusTable = map[billing.EventKind]Status{
	billing.EventSubscriptionActivated: StatusActive,
	billing.EventSubscriptionCharged:   StatusActive,
	billing.EventSubscriptionCompleted: StatusExpired,
	billing.EventSubscriptionCancelled: StatusCancelled,
	billing.EventSubscriptionPaused:    StatusPastDue,
	billing.EventSubscriptionResumed:   StatusActive,
	billing.EventPaymentFailed:         StatusPastDue,
}

// MapGatewayStatus translates a raw gateway status into the local vocabulary.
func MapGatewayStatus(s billing.GatewayStatus) (Status, bool) {
	st, ok := gatewayStatusTable[s]
	return st, ok
}

// StatusForEvent returns the local status a webhook event kind moves a record to.
func StatusForEvent(kind billing.EventKind) (Status, bool) {
	st, ok := eventStatusTable[kind]
	return st, ok
}

// Transition decides whether a gateway-driven observation may change the local
// status. It is the only place the regression and expiry rules live; sync,
// verify and webhook processing all go through it.
func Transition(cur Snapshot, ev Event, now time.Time) Decision {
	var (
		target Status
		ok     bool
	)
	if ev.Kind != "" {
		target, ok = StatusForEvent(ev.Kind)
	} else {
		target, ok = MapGatewayStatus(ev.GatewayStatus)
	}
	if !ok {
		return Decision{Next: cur.Status, Reason: ReasonUnmapped}
	}

	// A live local trial wins over anything the gateway says.
	if cur.IsTrialActive && cur.TrialEnd != nil && cur.TrialEnd.After(now) {
		return Decision{Next: cur.Status, Reason: ReasonTrialAuthoritative}
	}

	if target == StatusCreated && cur.Status.IsLive() {
		return Decision{Next: cur.Status, Reason: ReasonNoRegression}
	}

	reason := ReasonApplied
	if target == StatusExpired && cur.PeriodEnd != nil && cur.PeriodEnd.After(now) {
		target = StatusActive
		reason = ReasonPeriodNotOver
	}

	if target == cur.Status {
		return Decision{Next: cur.Status, Reason: ReasonUnchanged}
	}
	return Decision{Next: target, Apply: true, Reason: reason}
}

// Suppressed reports whether the decision refused a gateway write outright, as
// opposed to finding nothing to change. Callers skip adopting gateway dates too.
func (d Decision) Suppressed() bool {
	return d.Reason == ReasonTrialAuthoritative || d.Reason == ReasonNoRegression
}

// expireIfLapsed moves a live record whose window has ended to expired. It
// returns true when the record was changed.
func expireIfLapsed(sub *Subscription, at time.Time, grace time.Duration) bool {
	switch sub.Status {
	case StatusTrial:
		if sub.TrialEndDate != nil && !sub.TrialEndDate.After(at) {
			sub.Status = StatusExpired
			sub.IsTrialActive = false
			return true
		}
	case StatusActive:
		if sub.CurrentPeriodEnd == nil {
			return false
		}
		deadline := *sub.CurrentPeriodEnd
		if sub.Recurring {
			// recurring renewals land via webhook shortly after the period end
			deadline = deadline.Add(grace)
		}
		if !deadline.After(at) {
			sub.Status = StatusExpired
			return true
		}
	}
	return false
}
