package profile

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testUserID = "2b1f8a52-9a3e-4f0e-9f49-0d9df9f3a111"

func newTestProfileManager(t *testing.T) *Manager {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	pool, err := db.DB()
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)

	m, err := NewManager(zap.NewNop(), db)
	require.NoError(t, err)
	return m
}

func TestEnsureProfileIsIdempotent(t *testing.T) {
	m := newTestProfileManager(t)
	ctx := context.Background()

	first, err := m.EnsureProfile(ctx, testUserID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, PlanFree, first.Plan)
	assert.False(t, first.IsPremium)

	second, err := m.EnsureProfile(ctx, testUserID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
}

func TestReplaceEntitlementOverwritesWholeTuple(t *testing.T) {
	m := newTestProfileManager(t)
	ctx := context.Background()

	_, err := m.EnsureProfile(ctx, testUserID)
	require.NoError(t, err)

	start := time.Now().Truncate(time.Second)
	expiry := start.Add(30 * 24 * time.Hour)
	require.NoError(t, m.ReplaceEntitlement(ctx, testUserID, Entitlement{
		IsPremium:         true,
		Plan:              PlanPaid,
		PremiumStartedAt:  &start,
		PremiumExpiresAt:  &expiry,
		CancelAtPeriodEnd: true,
	}))

	premium, err := m.GetEntitlement(ctx, testUserID)
	require.NoError(t, err)
	assert.True(t, premium.IsPremium)
	assert.Equal(t, PlanPaid, premium.Plan)
	require.NotNil(t, premium.PremiumExpiresAt)
	assert.True(t, premium.CancelAtPeriodEnd)

	// the free tuple clears every premium field, none survive the downgrade
	require.NoError(t, m.ReplaceEntitlement(ctx, testUserID, FreeEntitlement()))

	free, err := m.GetEntitlement(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, FreeEntitlement(), free)
}

func TestReplaceEntitlementCreatesMissingProfile(t *testing.T) {
	m := newTestProfileManager(t)
	ctx := context.Background()

	// a webhook can land before the user's first login
	start := time.Now().Truncate(time.Second)
	require.NoError(t, m.ReplaceEntitlement(ctx, testUserID, Entitlement{
		IsPremium:        true,
		Plan:             PlanPaid,
		PremiumStartedAt: &start,
	}))

	prof, err := m.GetByUserID(ctx, testUserID)
	require.NoError(t, err)
	require.NotNil(t, prof)
	assert.True(t, prof.IsPremium)
	assert.Equal(t, PlanPaid, prof.Plan)
}

func TestGetEntitlementDefaultsToFree(t *testing.T) {
	m := newTestProfileManager(t)

	ent, err := m.GetEntitlement(context.Background(), "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Equal(t, FreeEntitlement(), ent)
}
