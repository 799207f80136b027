package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
	"github.com/mihaimyh/gosubscription/storage/storetest"
)

func TestStorage_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) subscription.Store {
		return New()
	})
}

func TestStorage_SameInstantOrdering(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	first := &subscription.Subscription{UserID: "user1", Status: subscription.StatusCancelled, CreatedAt: now}
	second := &subscription.Subscription{UserID: "user1", Status: subscription.StatusCreated, CreatedAt: now}
	require.NoError(t, storage.CreateSubscription(ctx, first))
	require.NoError(t, storage.CreateSubscription(ctx, second))

	list, err := storage.ListSubscriptions(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
}

func TestStorage_StoredCopyIsolated(t *testing.T) {
	storage := New()
	ctx := context.Background()

	sub := &subscription.Subscription{UserID: "user1", Status: subscription.StatusTrial, PaymentIDs: []string{"a"}}
	require.NoError(t, storage.CreateSubscription(ctx, sub))

	sub.PaymentIDs[0] = "mutated"
	sub.Status = subscription.StatusExpired

	got, err := storage.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusTrial, got.Status)
	assert.Equal(t, []string{"a"}, got.PaymentIDs)
}

func TestStorage_ConcurrentPayments(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := storage.CreatePayment(ctx, &subscription.Payment{
				SubscriptionID:   "s1",
				GatewayPaymentID: "pay_same",
			})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
}
