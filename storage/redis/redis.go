// Package redis provides a Redis implementation of the subscription.Store interface.
// Records are stored as JSON strings with sorted-set indexes per user, per
// subscription (payments) and for created records awaiting checkout.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// Storage implements subscription.Store using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

var _ subscription.Store = (*Storage)(nil)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gosubscription:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gosubscription:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &Storage{client: client, config: config}, nil
}

// record wraps a subscription with its insertion sequence.
type record struct {
	Seq int64                      `json:"seq"`
	Sub *subscription.Subscription `json:"sub"`
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

	seq, err := s.client.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	data, err := json.Marshal(record{Seq: seq, Sub: sub})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.subKey(sub.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	if !ok {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.userKey(sub.UserID), redis.Z{Score: float64(sub.CreatedAt.UnixMilli()), Member: sub.ID})
		if sub.GatewaySubscriptionID != "" {
			pipe.Set(ctx, s.gatewayKey(sub.GatewaySubscriptionID), sub.ID, 0)
		}
		s.indexStatus(ctx, pipe, sub)
		s.indexTrial(ctx, pipe, sub)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements subscription.Store
func (s *Storage) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}

	existing, err := s.getRecord(ctx, sub.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(record{Seq: existing.Seq, Sub: sub})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.subKey(sub.ID), data, 0)
		old := existing.Sub.GatewaySubscriptionID
		if old != "" && old != sub.GatewaySubscriptionID {
			pipe.Del(ctx, s.gatewayKey(old))
		}
		if sub.GatewaySubscriptionID != "" {
			pipe.Set(ctx, s.gatewayKey(sub.GatewaySubscriptionID), sub.ID, 0)
		}
		s.indexStatus(ctx, pipe, sub)
		s.indexTrial(ctx, pipe, sub)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// GetSubscription implements subscription.Store
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subscription.Subscription, error) {
	rec, err := s.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Sub, nil
}

// GetSubscriptionByGatewayID implements subscription.Store
func (s *Storage) GetSubscriptionByGatewayID(
	ctx context.Context, gatewaySubscriptionID string,
) (*subscription.Subscription, error) {
	if gatewaySubscriptionID == "" {
		return nil, subscription.ErrSubscriptionNotFound
	}
	id, err := s.client.Get(ctx, s.gatewayKey(gatewaySubscriptionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by gateway id: %w", err)
	}
	return s.GetSubscription(ctx, id)
}

// ListSubscriptions implements subscription.Store
func (s *Storage) ListSubscriptions(ctx context.Context, userID string) ([]*subscription.Subscription, error) {
	ids, err := s.client.ZRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	recs, err := s.getRecords(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if !a.Sub.CreatedAt.Equal(b.Sub.CreatedAt) {
			return a.Sub.CreatedAt.After(b.Sub.CreatedAt)
		}
		return a.Seq > b.Seq
	})

	out := make([]*subscription.Subscription, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Sub)
	}
	return out, nil
}

// DeleteSubscription implements subscription.Store
func (s *Storage) DeleteSubscription(ctx context.Context, id string) error {
	rec, err := s.getRecord(ctx, id)
	if err != nil {
		return err
	}
	sub := rec.Sub
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.subKey(id))
		pipe.ZRem(ctx, s.userKey(sub.UserID), id)
		pipe.ZRem(ctx, s.key("created"), id)
		if sub.GatewaySubscriptionID != "" {
			pipe.Del(ctx, s.gatewayKey(sub.GatewaySubscriptionID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// CreatePayment implements subscription.Store
func (s *Storage) CreatePayment(ctx context.Context, p *subscription.Payment) error {
	if p == nil || p.GatewayPaymentID == "" {
		return fmt.Errorf("invalid payment")
	}
	stored := *p
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal payment: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.paymentKey(stored.GatewayPaymentID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	if !ok {
		return subscription.ErrPaymentExists
	}
	err = s.client.ZAdd(ctx, s.subPaymentsKey(stored.SubscriptionID), redis.Z{
		Score:  float64(stored.CreatedAt.UnixMilli()),
		Member: stored.GatewayPaymentID,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to index payment: %w", err)
	}

	p.ID = stored.ID
	p.CreatedAt = stored.CreatedAt
	return nil
}

// GetPaymentByGatewayID implements subscription.Store
func (s *Storage) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*subscription.Payment, error) {
	data, err := s.client.Get(ctx, s.paymentKey(gatewayPaymentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subscription.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	var p subscription.Payment
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment: %w", err)
	}
	return &p, nil
}

// ListPayments implements subscription.Store
func (s *Storage) ListPayments(ctx context.Context, subscriptionID string) ([]*subscription.Payment, error) {
	ids, err := s.client.ZRange(ctx, s.subPaymentsKey(subscriptionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.paymentKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load payments: %w", err)
	}

	out := make([]*subscription.Payment, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var p subscription.Payment
		if err := json.Unmarshal([]byte(str), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment: %w", err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// HasUsedTrial implements subscription.Store
func (s *Storage) HasUsedTrial(ctx context.Context, userID, email string) (bool, error) {
	keys := []string{s.trialUserKey(userID)}
	if e := normalizeEmail(email); e != "" {
		keys = append(keys, s.trialEmailKey(e))
	}
	n, err := s.client.Exists(ctx, keys...).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check trial usage: %w", err)
	}
	return n > 0, nil
}

// ListAbandoned implements subscription.Store
func (s *Storage) ListAbandoned(ctx context.Context, olderThan time.Time, limit int) ([]*subscription.Subscription, error) {
	if limit <= 0 {
		limit = 1000
	}
	ids, err := s.client.ZRangeByScore(ctx, s.key("created"), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("(%d", olderThan.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned subscriptions: %w", err)
	}
	recs, err := s.getRecords(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*subscription.Subscription, 0, len(recs))
	for _, r := range recs {
		if r.Sub.Status == subscription.StatusCreated && r.Sub.CreatedAt.Before(olderThan) {
			out = append(out, r.Sub)
		}
	}
	return out, nil
}

// Close closes the underlying client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) getRecord(ctx context.Context, id string) (*record, error) {
	data, err := s.client.Get(ctx, s.subKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subscription.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if rec.Sub == nil {
		return nil, subscription.ErrSubscriptionNotFound
	}
	return &rec, nil
}

func (s *Storage) getRecords(ctx context.Context, ids []string) ([]*record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.subKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	out := make([]*record, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// index entry outlived its record
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		if rec.Sub != nil {
			out = append(out, &rec)
		}
	}
	return out, nil
}

func (s *Storage) indexStatus(ctx context.Context, pipe redis.Pipeliner, sub *subscription.Subscription) {
	if sub.Status == subscription.StatusCreated {
		pipe.ZAdd(ctx, s.key("created"), redis.Z{Score: float64(sub.CreatedAt.UnixMilli()), Member: sub.ID})
		return
	}
	pipe.ZRem(ctx, s.key("created"), sub.ID)
}

// indexTrial records trial usage. The markers are never removed.
func (s *Storage) indexTrial(ctx context.Context, pipe redis.Pipeliner, sub *subscription.Subscription) {
	if !sub.IsTrialUsed {
		return
	}
	pipe.Set(ctx, s.trialUserKey(sub.UserID), sub.ID, 0)
	if e := normalizeEmail(sub.Email); e != "" {
		pipe.Set(ctx, s.trialEmailKey(e), sub.ID, 0)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Storage) key(parts ...string) string {
	return s.config.KeyPrefix + strings.Join(parts, ":")
}

func (s *Storage) subKey(id string) string { return s.key("sub", id) }
func (s *Storage) userKey(userID string) string { return s.key("user", userID, "subs") }
func (s *Storage) gatewayKey(gatewayID string) string { return s.key("gateway", gatewayID) }
func (s *Storage) paymentKey(gatewayID string) string { return s.key("payment", gatewayID) }
func (s *Storage) subPaymentsKey(subID string) string { return s.key("sub", subID, "payments") }
func (s *Storage) trialUserKey(userID string) string { return s.key("trial", "user", userID) }
func (s *Storage) trialEmailKey(email string) string { return s.key("trial", "email", email) }
