// Package memory provides an in-memory implementation of the subscription.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// Storage implements subscription.Store using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription.Subscription
	payments      map[string]*subscription.Payment // keyed by gateway payment id
	order         map[string]int64
	seq           int64
}

var _ subscription.Store = (*Storage)(nil)

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*subscription.Subscription),
		payments:      make(map[string]*subscription.Payment),
		order:         make(map[string]int64),
	}
}

// CreateSubscription implements subscription.Store
func (s *Storage) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if _, exists := s.subscriptions[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}

	// Store a copy to prevent external mutations
	s.subscriptions[sub.ID] = s.stamp(sub.Clone())
	return nil
}

// stamp records insertion order so records created in the same instant still
// list newest first. Caller must hold the lock.
func (s *Storage) stamp(sub *subscription.Subscription) *subscription.Subscription {
	s.seq++
	s.order[sub.ID] = s.seq
	return sub
}

// UpdateSubscription implements subscription.Store
func (s *Storage) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID]; !ok {
		return subscription.ErrSubscriptionNotFound
	}
	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}

// GetSubscription implements subscription.Store
func (s *Storage) GetSubscription(_ context.Context, id string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// GetSubscriptionByGatewayID implements subscription.Store
func (s *Storage) GetSubscriptionByGatewayID(
	_ context.Context, gatewaySubscriptionID string,
) (*subscription.Subscription, error) {
	if gatewaySubscriptionID == "" {
		return nil, subscription.ErrSubscriptionNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.GatewaySubscriptionID == gatewaySubscriptionID {
			found = append(found, sub)
		}
	}
	if len(found) == 0 {
		return nil, subscription.ErrSubscriptionNotFound
	}
	s.sortNewestFirst(found)
	return found[0].Clone(), nil
}

// ListSubscriptions implements subscription.Store
func (s *Storage) ListSubscriptions(_ context.Context, userID string) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			out = append(out, sub.Clone())
		}
	}
	s.sortNewestFirst(out)
	return out, nil
}

// DeleteSubscription implements subscription.Store
func (s *Storage) DeleteSubscription(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[id]; !ok {
		return subscription.ErrSubscriptionNotFound
	}
	delete(s.subscriptions, id)
	delete(s.order, id)
	return nil
}

// CreatePayment implements subscription.Store
func (s *Storage) CreatePayment(_ context.Context, p *subscription.Payment) error {
	if p == nil || p.GatewayPaymentID == "" {
		return fmt.Errorf("invalid payment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[p.GatewayPaymentID]; exists {
		return subscription.ErrPaymentExists
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	pCopy := *p
	s.payments[p.GatewayPaymentID] = &pCopy
	return nil
}

// GetPaymentByGatewayID implements subscription.Store
func (s *Storage) GetPaymentByGatewayID(_ context.Context, gatewayPaymentID string) (*subscription.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[gatewayPaymentID]
	if !ok {
		return nil, subscription.ErrPaymentNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

// ListPayments implements subscription.Store
func (s *Storage) ListPayments(_ context.Context, subscriptionID string) ([]*subscription.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription.Payment
	for _, p := range s.payments {
		if p.SubscriptionID == subscriptionID {
			pCopy := *p
			out = append(out, &pCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// HasUsedTrial implements subscription.Store
func (s *Storage) HasUsedTrial(_ context.Context, userID, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, sub := range s.subscriptions {
		if !sub.IsTrialUsed {
			continue
		}
		if sub.UserID == userID {
			return true, nil
		}
		if email != "" && strings.ToLower(sub.Email) == email {
			return true, nil
		}
	}
	return false, nil
}

// ListAbandoned implements subscription.Store
func (s *Storage) ListAbandoned(_ context.Context, olderThan time.Time, limit int) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.Status == subscription.StatusCreated && sub.CreatedAt.Before(olderThan) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortNewestFirst orders by CreatedAt, then insertion order. Caller must hold the lock.
func (s *Storage) sortNewestFirst(subs []*subscription.Subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.After(subs[j].CreatedAt)
		}
		return s.order[subs[i].ID] > s.order[subs[j].ID]
	})
}
