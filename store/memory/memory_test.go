package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gometer/pkg/gometer"
)

func TestStore_QuotaRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	snap := &gometer.QuotaSnapshot{
		AccountID:    "user1",
		MonthlyLimit: 500,
		MonthlyUsed:  42,
		DailyLimit:   100,
		DailyUsed:    7,
		MonthlyStart: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		DailyStart:   time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveQuota(ctx, snap))

	loaded, err := store.LoadQuota(ctx, "user1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap, loaded)

	// Returned snapshot is a copy, not a live reference
	loaded.MonthlyUsed = 999
	again, err := store.LoadQuota(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 42, again.MonthlyUsed)
}

func TestStore_LoadMissingReturnsNil(t *testing.T) {
	store := New()
	ctx := context.Background()

	quota, err := store.LoadQuota(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, quota)

	ledger, err := store.LoadLedger(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, ledger)

	limits, err := store.LoadRateLimits(ctx)
	require.NoError(t, err)
	assert.Nil(t, limits)
}

func TestStore_LedgerRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	snap := &gometer.LedgerSnapshot{
		AccountID:      "user1",
		Balance:        30,
		BonusBalance:   5,
		TotalPurchased: 50,
		TotalUsed:      25,
		TotalBonus:     10,
		Transactions: []gometer.CreditTransaction{
			{ID: 1, Amount: 50, BalanceAfter: 50, Kind: gometer.TransactionPurchase},
			{ID: 2, Amount: -25, BalanceAfter: 25, Kind: gometer.TransactionUsage},
		},
	}
	require.NoError(t, store.SaveLedger(ctx, snap))

	loaded, err := store.LoadLedger(ctx, "user1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap, loaded)

	// Mutating the loaded transaction slice must not leak into the store
	loaded.Transactions[0].Amount = -1
	again, err := store.LoadLedger(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, 50, again.Transactions[0].Amount)
}

func TestStore_RateLimitsRoundTrip(t *testing.T) {
	store := New()
	ctx := context.Background()

	now := time.Now().UTC()
	snap := &gometer.RateLimitSnapshot{
		Window: time.Minute,
		Entries: map[string][]time.Time{
			"user1": {now.Add(-10 * time.Second), now},
			"user2": {now},
		},
	}
	require.NoError(t, store.SaveRateLimits(ctx, snap))

	loaded, err := store.LoadRateLimits(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap, loaded)

	// Deep copy on both save and load
	loaded.Entries["user1"][0] = now.Add(time.Hour)
	again, err := store.LoadRateLimits(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Entries["user1"][0], again.Entries["user1"][0])
}

func TestStore_SaveValidation(t *testing.T) {
	store := New()
	ctx := context.Background()

	assert.ErrorIs(t, store.SaveQuota(ctx, nil), gometer.ErrInvalidConfig)
	assert.ErrorIs(t, store.SaveQuota(ctx, &gometer.QuotaSnapshot{}), gometer.ErrInvalidConfig)
	assert.ErrorIs(t, store.SaveLedger(ctx, nil), gometer.ErrInvalidConfig)
	assert.ErrorIs(t, store.SaveLedger(ctx, &gometer.LedgerSnapshot{}), gometer.ErrInvalidConfig)
	assert.ErrorIs(t, store.SaveRateLimits(ctx, nil), gometer.ErrInvalidConfig)
}

func TestStore_Clear(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.SaveQuota(ctx, &gometer.QuotaSnapshot{AccountID: "user1"}))
	require.NoError(t, store.SaveLedger(ctx, &gometer.LedgerSnapshot{AccountID: "user1"}))
	require.NoError(t, store.SaveRateLimits(ctx, &gometer.RateLimitSnapshot{Window: time.Minute}))

	store.Clear()

	quota, err := store.LoadQuota(ctx, "user1")
	require.NoError(t, err)
	assert.Nil(t, quota)

	ledger, err := store.LoadLedger(ctx, "user1")
	require.NoError(t, err)
	assert.Nil(t, ledger)

	limits, err := store.LoadRateLimits(ctx)
	require.NoError(t, err)
	assert.Nil(t, limits)
}
