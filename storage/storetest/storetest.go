// Package storetest holds behavioural tests shared by every subscription.Store adapter.
package storetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubscription/pkg/subscription"
)

// Run exercises a store. newStore must return an empty store; user ids are
// prefixed per test so adapters backed by shared databases stay isolated.
func Run(t *testing.T, newStore func(t *testing.T) subscription.Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newStore(t)) })
	t.Run("ListNewestFirst", func(t *testing.T) { testListNewestFirst(t, newStore(t)) })
	t.Run("GatewayLookup", func(t *testing.T) { testGatewayLookup(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("Payments", func(t *testing.T) { testPayments(t, newStore(t)) })
	t.Run("HasUsedTrial", func(t *testing.T) { testHasUsedTrial(t, newStore(t)) })
	t.Run("ListAbandoned", func(t *testing.T) { testListAbandoned(t, newStore(t)) })
}

func uniqueUser(t *testing.T) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return "storetest-" + name + "-" + time.Now().Format("150405.000000000")
}

func newSub(userID string, status subscription.Status, createdAt time.Time) *subscription.Subscription {
	return &subscription.Subscription{
		UserID:        userID,
		PlanType:      subscription.PlanOneMonth,
		PlanAmount:    49900,
		BillingCycle:  subscription.CycleMonthly,
		BillingPeriod: 1,
		Recurring:     true,
		Status:        status,
		PaymentIDs:    []string{},
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func testCreateAndGet(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	trialEnd := now.Add(7 * 24 * time.Hour)

	sub := newSub(uniqueUser(t), subscription.StatusTrial, now)
	sub.Email = "trader@example.com"
	sub.IsTrialActive = true
	sub.IsTrialUsed = true
	sub.TrialStartDate = &now
	sub.TrialEndDate = &trialEnd

	require.NoError(t, store.CreateSubscription(ctx, sub))
	require.NotEmpty(t, sub.ID, "store must assign an id")

	got, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.UserID, got.UserID)
	assert.Equal(t, subscription.StatusTrial, got.Status)
	assert.True(t, got.IsTrialActive)
	require.NotNil(t, got.TrialEndDate)
	assert.True(t, trialEnd.Equal(*got.TrialEndDate))
	assert.Nil(t, got.CurrentPeriodEnd)

	// Returned records are copies
	got.Status = subscription.StatusCancelled
	again, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusTrial, again.Status)

	// Update round trip
	periodEnd := now.AddDate(0, 1, 0)
	again.Status = subscription.StatusActive
	again.IsTrialActive = false
	again.CurrentPeriodEnd = &periodEnd
	again.PaymentIDs = append(again.PaymentIDs, "p1")
	require.NoError(t, store.UpdateSubscription(ctx, again))

	updated, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, updated.Status)
	assert.False(t, updated.IsTrialActive)
	assert.Equal(t, []string{"p1"}, updated.PaymentIDs)
	require.NotNil(t, updated.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*updated.CurrentPeriodEnd))

	_, err = store.GetSubscription(ctx, "does-not-exist")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func testUpdateMissing(t *testing.T, store subscription.Store) {
	sub := newSub(uniqueUser(t), subscription.StatusActive, time.Now().UTC())
	sub.ID = "missing-" + sub.UserID
	err := store.UpdateSubscription(context.Background(), sub)
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func testListNewestFirst(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	user := uniqueUser(t)
	base := time.Now().UTC().Truncate(time.Millisecond)

	oldest := newSub(user, subscription.StatusCancelled, base.Add(-2*time.Hour))
	middle := newSub(user, subscription.StatusActive, base.Add(-time.Hour))
	newest := newSub(user, subscription.StatusCreated, base)
	other := newSub(user+"-other", subscription.StatusActive, base)

	for _, s := range []*subscription.Subscription{middle, oldest, newest, other} {
		require.NoError(t, store.CreateSubscription(ctx, s))
	}

	list, err := store.ListSubscriptions(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, newest.ID, list[0].ID)
	assert.Equal(t, middle.ID, list[1].ID)
	assert.Equal(t, oldest.ID, list[2].ID)

	empty, err := store.ListSubscriptions(ctx, user+"-nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testGatewayLookup(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	user := uniqueUser(t)
	gid := "sub_" + user

	sub := newSub(user, subscription.StatusCreated, time.Now().UTC())
	sub.GatewaySubscriptionID = gid
	require.NoError(t, store.CreateSubscription(ctx, sub))

	got, err := store.GetSubscriptionByGatewayID(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)

	_, err = store.GetSubscriptionByGatewayID(ctx, gid+"-unknown")
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
}

func testDelete(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	sub := newSub(uniqueUser(t), subscription.StatusCreated, time.Now().UTC())
	require.NoError(t, store.CreateSubscription(ctx, sub))

	require.NoError(t, store.DeleteSubscription(ctx, sub.ID))
	_, err := store.GetSubscription(ctx, sub.ID)
	assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)

	list, err := store.ListSubscriptions(ctx, sub.UserID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testPayments(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	user := uniqueUser(t)
	sub := newSub(user, subscription.StatusActive, time.Now().UTC())
	require.NoError(t, store.CreateSubscription(ctx, sub))

	base := time.Now().UTC().Truncate(time.Millisecond)
	first := &subscription.Payment{
		SubscriptionID:   sub.ID,
		UserID:           user,
		GatewayPaymentID: "pay_1_" + user,
		Amount:           49900,
		Currency:         "INR",
		Status:           "captured",
		Method:           "upi",
		CreatedAt:        base.Add(-time.Minute),
	}
	second := &subscription.Payment{
		SubscriptionID:   sub.ID,
		UserID:           user,
		GatewayPaymentID: "pay_2_" + user,
		Amount:           49900,
		Currency:         "INR",
		Status:           "failed",
		ErrorCode:        "BAD_REQUEST_ERROR",
		CreatedAt:        base,
	}
	require.NoError(t, store.CreatePayment(ctx, first))
	require.NoError(t, store.CreatePayment(ctx, second))
	assert.NotEmpty(t, first.ID)

	dup := *first
	dup.ID = ""
	assert.ErrorIs(t, store.CreatePayment(ctx, &dup), subscription.ErrPaymentExists)

	got, err := store.GetPaymentByGatewayID(ctx, first.GatewayPaymentID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, int64(49900), got.Amount)
	assert.Equal(t, "upi", got.Method)

	_, err = store.GetPaymentByGatewayID(ctx, "pay_unknown_"+user)
	assert.ErrorIs(t, err, subscription.ErrPaymentNotFound)

	list, err := store.ListPayments(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.GatewayPaymentID, list[0].GatewayPaymentID)
	assert.Equal(t, "BAD_REQUEST_ERROR", list[1].ErrorCode)
}

func testHasUsedTrial(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	user := uniqueUser(t)
	email := user + "@example.com"

	used, err := store.HasUsedTrial(ctx, user, email)
	require.NoError(t, err)
	assert.False(t, used)

	sub := newSub(user, subscription.StatusCancelled, time.Now().UTC())
	sub.Email = email
	sub.IsTrialUsed = true
	require.NoError(t, store.CreateSubscription(ctx, sub))

	used, err = store.HasUsedTrial(ctx, user, "")
	require.NoError(t, err)
	assert.True(t, used)

	// Same email under a new account
	used, err = store.HasUsedTrial(ctx, user+"-new", email)
	require.NoError(t, err)
	assert.True(t, used)

	used, err = store.HasUsedTrial(ctx, user+"-new", "")
	require.NoError(t, err)
	assert.False(t, used)
}

func testListAbandoned(t *testing.T, store subscription.Store) {
	ctx := context.Background()
	user := uniqueUser(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	stale := newSub(user, subscription.StatusCreated, now.Add(-2*time.Hour))
	fresh := newSub(user, subscription.StatusCreated, now)
	activeOld := newSub(user, subscription.StatusActive, now.Add(-3*time.Hour))
	for _, s := range []*subscription.Subscription{stale, fresh, activeOld} {
		require.NoError(t, store.CreateSubscription(ctx, s))
	}

	list, err := store.ListAbandoned(ctx, now.Add(-time.Hour), 1000)
	require.NoError(t, err)

	var ids []string
	for _, s := range list {
		if s.UserID == user {
			ids = append(ids, s.ID)
		}
	}
	assert.Equal(t, []string{stale.ID}, ids)
}
