// Package firestore provides a Firestore implementation of the subscription.Store interface.
package firestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// Storage implements subscription.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	paymentsCollection      string
}

var _ subscription.Store = (*Storage)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the collection for subscription records
	// Default: "subscriptions"
	SubscriptionsCollection string

	// PaymentsCollection is the collection for payment records, keyed by
	// gateway payment id
	// Default: "payments"
	PaymentsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.PaymentsCollection == "" {
		config.PaymentsCollection = "payments"
	}
	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		paymentsCollection:      config.PaymentsCollection,
	}, nil
}

type subscriptionDoc struct {
	UserID                string     `firestore:"userId"`
	Email                 string     `firestore:"email"`
	EmailLower            string     `firestore:"emailLower"`
	GatewaySubscriptionID string     `firestore:"razorpaySubscriptionId"`
	GatewayPlanID         string     `firestore:"razorpayPlanId"`
	GatewayOrderID        string     `firestore:"razorpayOrderId"`
	GatewayPaymentID      string     `firestore:"razorpayPaymentId"`
	ShortURL              string     `firestore:"shortUrl"`
	PlanType              string     `firestore:"planType"`
	PlanAmount            int64      `firestore:"planAmount"`
	BillingCycle          string     `firestore:"billingCycle"`
	BillingPeriod         int        `firestore:"billingPeriod"`
	BonusMonths           int        `firestore:"bonusMonths"`
	TotalMonths           int        `firestore:"totalMonths"`
	Recurring             bool       `firestore:"recurring"`
	Status                string     `firestore:"status"`
	IsTrialActive         bool       `firestore:"isTrialActive"`
	IsTrialUsed           bool       `firestore:"isTrialUsed"`
	TrialStartDate        *time.Time `firestore:"trialStartDate"`
	TrialEndDate          *time.Time `firestore:"trialEndDate"`
	TrialEndedEarly       bool       `firestore:"trialEndedEarly"`
	TrialEndedAt          *time.Time `firestore:"trialEndedAt"`
	StartDate             *time.Time `firestore:"startDate"`
	CurrentPeriodStart    *time.Time `firestore:"currentPeriodStart"`
	CurrentPeriodEnd      *time.Time `firestore:"currentPeriodEnd"`
	NextBillingDate       *time.Time `firestore:"nextBillingDate"`
	CancelledAt           *time.Time `firestore:"cancelledAt"`
	CancelReason          string     `firestore:"cancelReason"`
	PaymentMethod         string     `firestore:"paymentMethod"`
	PaymentIDs            []string   `firestore:"paymentIds"`
	Seq                   int64      `firestore:"seq"`
	CreatedAt             time.Time  `firestore:"createdAt"`
	UpdatedAt             time.Time  `firestore:"updatedAt"`
}

func toSubscriptionDoc(sub *subscription.Subscription, seq int64) *subscriptionDoc {
	paymentIDs := sub.PaymentIDs
	if paymentIDs == nil {
		paymentIDs = []string{}
	}
	return &subscriptionDoc{
		UserID:                sub.UserID,
		Email:                 sub.Email,
		EmailLower:            strings.ToLower(strings.TrimSpace(sub.Email)),
		GatewaySubscriptionID: sub.GatewaySubscriptionID,
		GatewayPlanID:         sub.GatewayPlanID,
		GatewayOrderID:        sub.GatewayOrderID,
		GatewayPaymentID:      sub.GatewayPaymentID,
		ShortURL:              sub.ShortURL,
		PlanType:              string(sub.PlanType),
		PlanAmount:            sub.PlanAmount,
		BillingCycle:          sub.BillingCycle,
		BillingPeriod:         sub.BillingPeriod,
		BonusMonths:           sub.BonusMonths,
		TotalMonths:           sub.TotalMonths,
		Recurring:             sub.Recurring,
		Status:                string(sub.Status),
		IsTrialActive:         sub.IsTrialActive,
		IsTrialUsed:           sub.IsTrialUsed,
		TrialStartDate:        sub.TrialStartDate,
		TrialEndDate:          sub.TrialEndDate,
		TrialEndedEarly:       sub.TrialEndedEarly,
		TrialEndedAt:          sub.TrialEndedAt,
		StartDate:             sub.StartDate,
		CurrentPeriodStart:    sub.CurrentPeriodStart,
		CurrentPeriodEnd:      sub.CurrentPeriodEnd,
		NextBillingDate:       sub.NextBillingDate,
		CancelledAt:           sub.CancelledAt,
		CancelReason:          sub.CancelReason,
		PaymentMethod:         sub.PaymentMethod,
		PaymentIDs:            paymentIDs,
		Seq:                   seq,
		CreatedAt:             sub.CreatedAt,
		UpdatedAt:             sub.UpdatedAt,
	}
}

func (d *subscriptionDoc) toSubscription(id string) *subscription.Subscription {
	return &subscription.Subscription{
		ID:                    id,
		UserID:                d.UserID,
		Email:                 d.Email,
		GatewaySubscriptionID: d.GatewaySubscriptionID,
		GatewayPlanID:         d.GatewayPlanID,
		GatewayOrderID:        d.GatewayOrderID,
		GatewayPaymentID:      d.GatewayPaymentID,
		ShortURL:              d.ShortURL,
		PlanType:              subscription.PlanType(d.PlanType),
		PlanAmount:            d.PlanAmount,
		BillingCycle:          d.BillingCycle,
		BillingPeriod:         d.BillingPeriod,
		BonusMonths:           d.BonusMonths,
		TotalMonths:           d.TotalMonths,
		Recurring:             d.Recurring,
		Status:                subscription.Status(d.Status),
		IsTrialActive:         d.IsTrialActive,
		IsTrialUsed:           d.IsTrialUsed,
		TrialStartDate:        d.TrialStartDate,
		TrialEndDate:          d.TrialEndDate,
		TrialEndedEarly:       d.TrialEndedEarly,
		TrialEndedAt:          d.TrialEndedAt,
		StartDate:             d.StartDate,
		CurrentPeriodStart:    d.CurrentPeriodStart,
		CurrentPeriodEnd:      d.CurrentPeriodEnd,
		NextBillingDate:       d.NextBillingDate,
		CancelledAt:           d.CancelledAt,
		CancelReason:          d.CancelReason,
		PaymentMethod:         d.PaymentMethod,
		PaymentIDs:            d.PaymentIDs,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
}

// CreateSubscription implements subscription.Store
func (s *Storage) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.ID)
	if _, err := doc.Create(ctx, toSubscriptionDoc(sub, time.Now().UnixNano())); err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements subscription.Store
func (s *Storage) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.ID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return subscription.ErrSubscriptionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}
		var existing subscriptionDoc
		if err := snap.DataTo(&existing); err != nil {
			return fmt.Errorf("failed to decode subscription: %w", err)
		}
		return tx.Set(doc, toSubscriptionDoc(sub, existing.Seq))
	})
}

// GetSubscription implements subscription.Store
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subscription.Subscription, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subscription.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return decodeSubscription(snap)
}

// GetSubscriptionByGatewayID implements subscription.Store
func (s *Storage) GetSubscriptionByGatewayID(
	ctx context.Context, gatewaySubscriptionID string,
) (*subscription.Subscription, error) {
	if gatewaySubscriptionID == "" {
		return nil, subscription.ErrSubscriptionNotFound
	}
	subs, err := s.query(ctx, s.client.Collection(s.subscriptionsCollection).
		Where("razorpaySubscriptionId", "==", gatewaySubscriptionID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy("seq", firestore.Desc).
		Limit(1))
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by gateway id: %w", err)
	}
	if len(subs) == 0 {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return subs[0], nil
}

// ListSubscriptions implements subscription.Store
func (s *Storage) ListSubscriptions(ctx context.Context, userID string) ([]*subscription.Subscription, error) {
	subs, err := s.query(ctx, s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy("seq", firestore.Desc))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// DeleteSubscription implements subscription.Store
func (s *Storage) DeleteSubscription(ctx context.Context, id string) error {
	doc := s.client.Collection(s.subscriptionsCollection).Doc(id)
	if _, err := doc.Delete(ctx, firestore.Exists); err != nil {
		if status.Code(err) == codes.NotFound {
			return subscription.ErrSubscriptionNotFound
		}
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

type paymentDoc struct {
	ID                    string    `firestore:"id"`
	SubscriptionID        string    `firestore:"subscriptionId"`
	UserID                string    `firestore:"userId"`
	GatewaySubscriptionID string    `firestore:"razorpaySubscriptionId"`
	GatewayOrderID        string    `firestore:"razorpayOrderId"`
	GatewayInvoiceID      string    `firestore:"razorpayInvoiceId"`
	Amount                int64     `firestore:"amount"`
	Currency              string    `firestore:"currency"`
	Status                string    `firestore:"status"`
	Method                string    `firestore:"method"`
	Bank                  string    `firestore:"bank"`
	Wallet                string    `firestore:"wallet"`
	VPA                   string    `firestore:"vpa"`
	Email                 string    `firestore:"email"`
	CardLast4             string    `firestore:"cardLast4"`
	CardNetwork           string    `firestore:"cardNetwork"`
	ErrorCode             string    `firestore:"errorCode"`
	ErrorDescription      string    `firestore:"errorDescription"`
	ErrorSource           string    `firestore:"errorSource"`
	ErrorReason           string    `firestore:"errorReason"`
	CreatedAt             time.Time `firestore:"createdAt"`
}

// CreatePayment implements subscription.Store. The document id is the gateway
// payment id, so a second create for the same payment fails.
func (s *Storage) CreatePayment(ctx context.Context, p *subscription.Payment) error {
	if p == nil || p.GatewayPaymentID == "" {
		return fmt.Errorf("invalid payment")
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	doc := s.client.Collection(s.paymentsCollection).Doc(p.GatewayPaymentID)
	_, err := doc.Create(ctx, &paymentDoc{
		ID:                    id,
		SubscriptionID:        p.SubscriptionID,
		UserID:                p.UserID,
		GatewaySubscriptionID: p.GatewaySubscriptionID,
		GatewayOrderID:        p.GatewayOrderID,
		GatewayInvoiceID:      p.GatewayInvoiceID,
		Amount:                p.Amount,
		Currency:              p.Currency,
		Status:                p.Status,
		Method:                p.Method,
		Bank:                  p.Bank,
		Wallet:                p.Wallet,
		VPA:                   p.VPA,
		Email:                 p.Email,
		CardLast4:             p.CardLast4,
		CardNetwork:           p.CardNetwork,
		ErrorCode:             p.ErrorCode,
		ErrorDescription:      p.ErrorDescription,
		ErrorSource:           p.ErrorSource,
		ErrorReason:           p.ErrorReason,
		CreatedAt:             createdAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return subscription.ErrPaymentExists
	}
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	p.ID = id
	p.CreatedAt = createdAt
	return nil
}

// GetPaymentByGatewayID implements subscription.Store
func (s *Storage) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*subscription.Payment, error) {
	snap, err := s.client.Collection(s.paymentsCollection).Doc(gatewayPaymentID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subscription.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return decodePayment(snap)
}

// ListPayments implements subscription.Store
func (s *Storage) ListPayments(ctx context.Context, subscriptionID string) ([]*subscription.Payment, error) {
	snaps, err := s.client.Collection(s.paymentsCollection).
		Where("subscriptionId", "==", subscriptionID).
		OrderBy("createdAt", firestore.Asc).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	out := make([]*subscription.Payment, 0, len(snaps))
	for _, snap := range snaps {
		p, err := decodePayment(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// HasUsedTrial implements subscription.Store
func (s *Storage) HasUsedTrial(ctx context.Context, userID, email string) (bool, error) {
	coll := s.client.Collection(s.subscriptionsCollection)
	snaps, err := coll.Where("userId", "==", userID).Where("isTrialUsed", "==", true).
		Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return false, fmt.Errorf("failed to check trial usage: %w", err)
	}
	if len(snaps) > 0 {
		return true, nil
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false, nil
	}
	snaps, err = coll.Where("emailLower", "==", email).Where("isTrialUsed", "==", true).
		Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return false, fmt.Errorf("failed to check trial usage: %w", err)
	}
	return len(snaps) > 0, nil
}

// ListAbandoned implements subscription.Store
func (s *Storage) ListAbandoned(ctx context.Context, olderThan time.Time, limit int) ([]*subscription.Subscription, error) {
	if limit <= 0 {
		limit = 1000
	}
	subs, err := s.query(ctx, s.client.Collection(s.subscriptionsCollection).
		Where("status", "==", string(subscription.StatusCreated)).
		Where("createdAt", "<", olderThan).
		OrderBy("createdAt", firestore.Asc).
		Limit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned subscriptions: %w", err)
	}
	return subs, nil
}

func (s *Storage) query(ctx context.Context, q firestore.Query) ([]*subscription.Subscription, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]*subscription.Subscription, 0, len(snaps))
	for _, snap := range snaps {
		sub, err := decodeSubscription(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func decodeSubscription(snap *firestore.DocumentSnapshot) (*subscription.Subscription, error) {
	if !snap.Exists() {
		return nil, subscription.ErrSubscriptionNotFound
	}
	var d subscriptionDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode subscription %s: %w", snap.Ref.ID, err)
	}
	return d.toSubscription(snap.Ref.ID), nil
}

func decodePayment(snap *firestore.DocumentSnapshot) (*subscription.Payment, error) {
	if !snap.Exists() {
		return nil, subscription.ErrPaymentNotFound
	}
	var d paymentDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode payment %s: %w", snap.Ref.ID, err)
	}
	return &subscription.Payment{
		ID:                    d.ID,
		SubscriptionID:        d.SubscriptionID,
		UserID:                d.UserID,
		GatewayPaymentID:      snap.Ref.ID,
		GatewaySubscriptionID: d.GatewaySubscriptionID,
		GatewayOrderID:        d.GatewayOrderID,
		GatewayInvoiceID:      d.GatewayInvoiceID,
		Amount:                d.Amount,
		Currency:              d.Currency,
		Status:                d.Status,
		Method:                d.Method,
		Bank:                  d.Bank,
		Wallet:                d.Wallet,
		VPA:                   d.VPA,
		Email:                 d.Email,
		CardLast4:             d.CardLast4,
		CardNetwork:           d.CardNetwork,
		ErrorCode:             d.ErrorCode,
		ErrorDescription:      d.ErrorDescription,
		ErrorSource:           d.ErrorSource,
		ErrorReason:           d.ErrorReason,
		CreatedAt:             d.CreatedAt,
	}, nil
}
