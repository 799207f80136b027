package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/mihaimyh/gosubscription/pkg/billing"
)

// Verify confirms a checkout callback. The signature is checked before any
// read or write.
func (m *Manager) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	const op = "subscription.verify"
	if req.UserID == "" {
		return nil, newError(KindUnauthorized, op, ErrUnauthorized)
	}
	if req.PaymentID == "" || req.GatewaySubscriptionID == "" || req.Signature == "" {
		return nil, newErrorf(KindValidation, op, nil,
			"razorpay_payment_id, razorpay_subscription_id and razorpay_signature are required")
	}
	if !m.gateway.VerifyPaymentSignature(req.PaymentID, req.GatewaySubscriptionID, req.Signature) {
		m.logger.Warn("payment signature mismatch",
			Field{Key: "user_id", Value: req.UserID},
			Field{Key: "gateway_subscription_id", Value: req.GatewaySubscriptionID},
			Field{Key: "payment_id", Value: req.PaymentID},
		)
		return nil, newError(KindSignature, op, ErrInvalidSignature)
	}

	subs, err := m.store.ListSubscriptions(ctx, req.UserID)
	if err != nil {
		return nil, newError(KindInternal, op, err)
	}
	var target *Subscription
	for _, s := range subs {
		if s.GatewaySubscriptionID == req.GatewaySubscriptionID {
			target = s
			break
		}
	}
	if target == nil {
		return nil, newError(KindNotFound, op, ErrSubscriptionNotFound)
	}
	if target.Status == StatusCancelled || target.Status == StatusExpired {
		m.logger.Warn("checkout callback for closed subscription",
			append(subFields(target), Field{Key: "payment_id", Value: req.PaymentID})...)
		return nil, newError(KindConflict, op, ErrSubscriptionEnded)
	}
	// Only the first verification of a checkout activates it; later callbacks
	// for a live record are replays and must not touch other records.
	activating := target.Status == StatusCreated

	payment, err := m.store.GetPaymentByGatewayID(ctx, req.PaymentID)
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		gp, err := m.gateway.FetchPayment(ctx, req.PaymentID)
		if err != nil {
			return nil, newErrorf(KindGateway, op, err, "%s", gatewayMessage(err))
		}
		if gp.Status == "" {
			gp.Status = billing.PaymentStatusCaptured
		}
		if payment, _, err = m.recordPayment(ctx, target, gp); err != nil {
			return nil, newError(KindInternal, op, err)
		}
	case err != nil:
		return nil, newError(KindInternal, op, err)
	}

	now := m.now()
	for _, s := range subs {
		if !activating || s.ID == target.ID || !s.Status.IsLive() {
			continue
		}
		if s.GatewaySubscriptionID != "" {
			gid := s.GatewaySubscriptionID
			m.bestEffort(ctx, "cancel_gateway_subscription", subFields(s), func(ctx context.Context) error {
				_, err := m.gateway.CancelSubscription(ctx, gid, false)
				return err
			})
		}
		m.cancelRecord(s, now, reasonSuperseded, sourceVerify)
		if err := m.store.UpdateSubscription(ctx, s); err != nil {
			return nil, newError(KindInternal, op, err)
		}
	}

	gs, err := m.gateway.FetchSubscription(ctx, req.GatewaySubscriptionID)
	if err != nil {
		m.logger.Warn("gateway subscription fetch failed after payment",
			append(subFields(target), errField(err))...)
	}
	m.applyVerifiedState(target, gs, now)
	if payment.Method != "" {
		target.PaymentMethod = payment.Method
	}
	target.UpdatedAt = now

	if err := m.store.UpdateSubscription(ctx, target); err != nil {
		return nil, newError(KindInternal, op, err)
	}
	return &VerifyResult{Verified: true, Payment: payment, Subscription: target}, nil
}

// applyVerifiedState decides between a trial authorization and a paid
// activation for a created record. Records that are already live only take
// gateway status changes through Transition.
func (m *Manager) applyVerifiedState(sub *Subscription, gs *billing.GatewaySubscription, now time.Time) {
	if sub.Status == StatusCreated && isTrialAuthorization(gs) {
		m.startTrialWindow(sub, now, sourceVerify)
		return
	}
	if gs == nil {
		return
	}

	d := Transition(sub.Snapshot(), GatewayStatusEvent(gs.Status), now)
	if d.Suppressed() {
		m.metrics.RecordSuppressedTransition(sourceVerify, d.Reason)
		m.logger.Info("gateway status suppressed", append(subFields(sub),
			Field{Key: "gateway_status", Value: string(gs.Status)},
			Field{Key: "reason", Value: d.Reason})...)
		return
	}
	if d.Apply {
		m.setStatus(sub, d.Next, sourceVerify)
	}
	adoptGatewayDates(sub, gs)
}

// isTrialAuthorization reports whether gs shows a mandate with nothing
// charged yet. A nil gs (fetch failed) counts as one.
func isTrialAuthorization(gs *billing.GatewaySubscription) bool {
	return gs == nil || gs.Status == billing.GatewayStatusAuthenticated ||
		(gs.Status == billing.GatewayStatusActive && gs.PaidCount == 0)
}

// recordPayment appends a gateway payment to sub's history. It returns the
// existing payment and false when the gateway payment id is already recorded.
func (m *Manager) recordPayment(ctx context.Context, sub *Subscription, gp *billing.GatewayPayment) (*Payment, bool, error) {
	existing, err := m.store.GetPaymentByGatewayID(ctx, gp.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, false, err
	}

	createdAt := gp.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.now()
	}
	p := &Payment{
		SubscriptionID:        sub.ID,
		UserID:                sub.UserID,
		GatewayPaymentID:      gp.ID,
		GatewaySubscriptionID: firstNonEmpty(gp.SubscriptionID, sub.GatewaySubscriptionID),
		GatewayOrderID:        gp.OrderID,
		GatewayInvoiceID:      gp.InvoiceID,
		Amount:                gp.Amount,
		Currency:              gp.Currency,
		Status:                gp.Status,
		Method:                gp.Method,
		Bank:                  gp.Bank,
		Wallet:                gp.Wallet,
		VPA:                   gp.VPA,
		Email:                 gp.Email,
		CardLast4:             gp.CardLast4,
		CardNetwork:           gp.CardNetwork,
		ErrorCode:             gp.ErrorCode,
		ErrorDescription:      gp.ErrorDescription,
		ErrorSource:           gp.ErrorSource,
		ErrorReason:           gp.ErrorReason,
		CreatedAt:             createdAt,
	}
	if err := m.store.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, ErrPaymentExists) {
			existing, getErr := m.store.GetPaymentByGatewayID(ctx, gp.ID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	sub.PaymentIDs = append(sub.PaymentIDs, p.ID)
	sub.GatewayPaymentID = gp.ID
	if gp.Method != "" {
		sub.PaymentMethod = gp.Method
	}
	m.logger.Info("payment recorded", append(subFields(sub),
		Field{Key: "payment_id", Value: gp.ID},
		Field{Key: "payment_status", Value: gp.Status},
		Field{Key: "amount", Value: gp.Amount})...)
	return p, true, nil
}
