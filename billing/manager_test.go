package billing

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	pool, err := db.DB()
	require.NoError(t, err)
	// a single connection so every query sees the same in-memory database
	pool.SetMaxOpenConns(1)
	return db
}

func newTestManager(t *testing.T, sc *client.API) *Manager {
	t.Helper()
	if sc == nil {
		sc = &client.API{}
	}
	m, err := NewManager(ManagerOptions{
		StripeClient:       sc,
		DB:                 newTestDB(t),
		Logger:             zap.NewNop(),
		CheckoutSuccessURL: "https://app.test/premium/welcome",
		CheckoutCancelURL:  "https://app.test/premium",
		PortalReturnURL:    "https://app.test/settings",
	})
	require.NoError(t, err)
	return m
}

func TestCustomerIDForUserPrefersCurrentTable(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.DB.Create(&LegacyStripeCustomer{CustomerID: "cus_legacy", UserID: "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111"}).Error)
	require.NoError(t, m.DB.Create(&CustomerMapping{UserID: "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111", CustomerID: "cus_current"}).Error)

	id, err := m.CustomerIDForUser(ctx, "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111")
	require.NoError(t, err)
	assert.Equal(t, "cus_current", id)
}

func TestCustomerIDForUserFallsBackToLegacyTable(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.DB.Create(&LegacyStripeCustomer{CustomerID: "cus_legacy", UserID: "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111"}).Error)

	id, err := m.CustomerIDForUser(ctx, "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111")
	require.NoError(t, err)
	assert.Equal(t, "cus_legacy", id)

	id, err = m.CustomerIDForUser(ctx, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestPutMappingIfAbsentKeepsFirstWriter(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	winner, err := m.PutMappingIfAbsent(ctx, "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111", "cus_first")
	require.NoError(t, err)
	assert.Equal(t, "cus_first", winner)

	// a concurrent provision that lost the race must adopt the existing id
	winner, err = m.PutMappingIfAbsent(ctx, "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111", "cus_second")
	require.NoError(t, err)
	assert.Equal(t, "cus_first", winner)
}

func TestOverwriteMappingReplacesDeadCustomer(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.PutMappingIfAbsent(ctx, "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111", "cus_dead")
	require.NoError(t, err)
	require.NoError(t, m.OverwriteMapping(ctx, "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111", "cus_new"))

	id, err := m.CustomerIDForUser(ctx, "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", id)
}

func TestUpsertSubscriptionIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	when := time.Now().Truncate(time.Second)
	rec := &Subscription{
		ID:          "sub_123",
		UserID:      "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111",
		CustomerID:  "cus_123",
		PriceID:     "price_premium",
		Status:      "active",
		PeriodStart: when,
		PeriodEnd:   when.Add(30 * 24 * time.Hour),
		LastEventAt: when,
	}

	applied, err := m.UpsertSubscription(ctx, rec)
	require.NoError(t, err)
	assert.True(t, applied)

	replay := *rec
	applied, err = m.UpsertSubscription(ctx, &replay)
	require.NoError(t, err)
	assert.True(t, applied, "replaying the same event overwrites with identical data")

	stored, err := m.GetSubscription(ctx, "sub_123")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "active", stored.Status)
	assert.Equal(t, "price_premium", stored.PriceID)
}

func TestUpsertSubscriptionSkipsSupersededEvents(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	newer := time.Now().Truncate(time.Second)
	older := newer.Add(-time.Minute)

	applied, err := m.UpsertSubscription(ctx, &Subscription{
		ID:          "sub_123",
		UserID:      "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111",
		Status:      "past_due",
		LastEventAt: newer,
	})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = m.UpsertSubscription(ctx, &Subscription{
		ID:          "sub_123",
		UserID:      "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111",
		Status:      "active",
		LastEventAt: older,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	stored, err := m.GetSubscription(ctx, "sub_123")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "past_due", stored.Status, "the older event must not move state backwards")
}

func TestMarkSubscriptionEvent(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	when := time.Now().Truncate(time.Second)
	_, err := m.UpsertSubscription(ctx, &Subscription{
		ID:          "sub_123",
		UserID:      "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111",
		Status:      "active",
		LastEventAt: when,
	})
	require.NoError(t, err)

	applied, found, err := m.MarkSubscriptionEvent(ctx, "sub_123", "past_due", nil, when.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, applied)

	// stale invoice event for the same subscription
	applied, found, err = m.MarkSubscriptionEvent(ctx, "sub_123", "active", nil, when.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, applied)

	// unknown subscription is a miss, not a staleness skip
	applied, found, err = m.MarkSubscriptionEvent(ctx, "sub_missing", "active", nil, when)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, applied)
}

func TestLatestSubscriptionForUser(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	none, err := m.LatestSubscriptionForUser(ctx, "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111")
	require.NoError(t, err)
	assert.Nil(t, none)

	when := time.Now().Truncate(time.Second)
	_, err = m.UpsertSubscription(ctx, &Subscription{
		ID:          "sub_old",
		UserID:      "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111",
		Status:      "canceled",
		LastEventAt: when.Add(-time.Hour),
	})
	require.NoError(t, err)
	_, err = m.UpsertSubscription(ctx, &Subscription{
		ID:          "sub_new",
		UserID:      "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111",
		Status:      "active",
		LastEventAt: when,
	})
	require.NoError(t, err)

	latest, err := m.LatestSubscriptionForUser(ctx, "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "sub_new", latest.ID)
}
