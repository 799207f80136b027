package subscription

import (
	"context"
	"sync"
	"time"
)

// JanitorConfig configures the abandoned-checkout cleanup loop.
type JanitorConfig struct {
	// Interval between sweeps (default: 10 minutes)
	Interval time.Duration

	// BatchSize is the maximum number of records deleted per sweep (default: 500)
	BatchSize int
}

// Janitor periodically deletes created records that never reached checkout
// completion. Stop it with Close.
type Janitor struct {
	manager *Manager
	config  JanitorConfig

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewJanitor starts the cleanup loop in a background goroutine.
func NewJanitor(m *Manager, config JanitorConfig) *Janitor {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	j := &Janitor{
		manager: m,
		config:  config,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Janitor) run() {
	defer close(j.done)
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			if _, err := j.Sweep(context.Background()); err != nil {
				j.manager.logger.Warn("abandoned checkout sweep failed", errField(err))
			}
		}
	}
}

// Sweep runs one cleanup pass and returns the number of deleted records.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	m := j.manager
	cutoff := m.now().Add(-m.config.AbandonedCheckoutTTL)
	subs, err := m.store.ListAbandoned(ctx, cutoff, j.config.BatchSize)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, s := range subs {
		if s.Status != StatusCreated {
			continue
		}
		if err := m.store.DeleteSubscription(ctx, s.ID); err != nil {
			m.logger.Warn("delete abandoned checkout failed", append(subFields(s), errField(err))...)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Info("abandoned checkouts purged", Field{Key: "count", Value: deleted})
	}
	return deleted, nil
}

// Close stops the loop and waits for it to exit.
func (j *Janitor) Close() {
	j.once.Do(func() {
		close(j.stop)
	})
	<-j.done
}
