// Package tiered provides a Hot/Cold tiered storage adapter that puts a fast
// store (Hot) in front of a durable one (Cold). Cold is the source of truth.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory)
	Hot subscription.Store

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold subscription.Store

	// AsyncHotSync moves Hot writes (write-through copies and read-repair
	// fills) to a background worker. If false, Hot is written inline.
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails.
	AsyncErrorHandler func(error)
}

// Storage implements subscription.Store over two backends:
// - Read-Through: record lookups by id (Hot → Cold → populate Hot)
// - Write-Through: creates, updates, deletes (Cold → Hot)
// - Cold-Only: list queries, trial history, abandoned sweeps
type Storage struct {
	hot  subscription.Store
	cold subscription.Store
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ subscription.Store = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncHotSync {
		s.startWorker()
	}
	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so writes for one record land in order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// toHot runs a Hot write inline or on the worker. A full queue drops the
// write; Hot is only a cache.
func (s *Storage) toHot(job func() error) {
	if !s.conf.AsyncHotSync {
		s.report(job())
		return
	}
	select {
	case s.syncQueue <- job:
	default:
		s.report(errors.New("sync queue full, hot write dropped"))
	}
}

// putHot upserts a copy of sub into Hot.
func (s *Storage) putHot(ctx context.Context, sub *subscription.Subscription) {
	c := sub.Clone()
	s.toHot(func() error {
		err := s.hot.UpdateSubscription(ctx, c)
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return s.hot.CreateSubscription(ctx, c)
		}
		return err
	})
}

// --- Strategy: Write-Through (Cold → Hot) ---

// CreateSubscription implements subscription.Store
func (s *Storage) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if err := s.cold.CreateSubscription(ctx, sub); err != nil {
		return err
	}
	c := sub.Clone()
	s.toHot(func() error { return s.hot.CreateSubscription(ctx, c) })
	return nil
}

// UpdateSubscription implements subscription.Store
func (s *Storage) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if err := s.cold.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	s.putHot(ctx, sub)
	return nil
}

// DeleteSubscription implements subscription.Store
func (s *Storage) DeleteSubscription(ctx context.Context, id string) error {
	if err := s.cold.DeleteSubscription(ctx, id); err != nil {
		return err
	}
	s.toHot(func() error {
		err := s.hot.DeleteSubscription(ctx, id)
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	})
	return nil
}

// CreatePayment implements subscription.Store. Cold decides idempotency.
func (s *Storage) CreatePayment(ctx context.Context, p *subscription.Payment) error {
	if err := s.cold.CreatePayment(ctx, p); err != nil {
		return err
	}
	c := *p
	s.toHot(func() error {
		err := s.hot.CreatePayment(ctx, &c)
		if errors.Is(err, subscription.ErrPaymentExists) {
			return nil
		}
		return err
	})
	return nil
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetSubscription implements subscription.Store
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subscription.Subscription, error) {
	if sub, err := s.hot.GetSubscription(ctx, id); err == nil {
		return sub, nil
	}
	sub, err := s.cold.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	s.putHot(ctx, sub)
	return sub, nil
}

// GetSubscriptionByGatewayID implements subscription.Store
func (s *Storage) GetSubscriptionByGatewayID(
	ctx context.Context, gatewaySubscriptionID string,
) (*subscription.Subscription, error) {
	if sub, err := s.hot.GetSubscriptionByGatewayID(ctx, gatewaySubscriptionID); err == nil {
		return sub, nil
	}
	sub, err := s.cold.GetSubscriptionByGatewayID(ctx, gatewaySubscriptionID)
	if err != nil {
		return nil, err
	}
	s.putHot(ctx, sub)
	return sub, nil
}

// GetPaymentByGatewayID implements subscription.Store
func (s *Storage) GetPaymentByGatewayID(ctx context.Context, gatewayPaymentID string) (*subscription.Payment, error) {
	if p, err := s.hot.GetPaymentByGatewayID(ctx, gatewayPaymentID); err == nil {
		return p, nil
	}
	p, err := s.cold.GetPaymentByGatewayID(ctx, gatewayPaymentID)
	if err != nil {
		return nil, err
	}
	c := *p
	s.toHot(func() error {
		err := s.hot.CreatePayment(ctx, &c)
		if errors.Is(err, subscription.ErrPaymentExists) {
			return nil
		}
		return err
	})
	return p, nil
}

// --- Strategy: Cold-Only ---

// ListSubscriptions implements subscription.Store
func (s *Storage) ListSubscriptions(ctx context.Context, userID string) ([]*subscription.Subscription, error) {
	return s.cold.ListSubscriptions(ctx, userID)
}

// ListPayments implements subscription.Store
func (s *Storage) ListPayments(ctx context.Context, subscriptionID string) ([]*subscription.Payment, error) {
	return s.cold.ListPayments(ctx, subscriptionID)
}

// HasUsedTrial implements subscription.Store
func (s *Storage) HasUsedTrial(ctx context.Context, userID, email string) (bool, error) {
	return s.cold.HasUsedTrial(ctx, userID, email)
}

// ListAbandoned implements subscription.Store
func (s *Storage) ListAbandoned(ctx context.Context, olderThan time.Time, limit int) ([]*subscription.Subscription, error) {
	return s.cold.ListAbandoned(ctx, olderThan, limit)
}
