package user

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestUserManager(t *testing.T) *Manager {
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

func TestNewUserAssignsUUID(t *testing.T) {
	m := newTestUserManager(t)
	ctx := context.Background()

	created, err := m.NewUser(ctx, "user@example.com")
	require.NoError(t, err)
	require.NotNil(t, created)
	_, err = uuid.Parse(created.ID)
	assert.NoError(t, err)

	found, err := m.GetByEmail(ctx, "user@example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)

	byID, err := m.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "user@example.com", byID.Email)
}

func TestGetByEmailMissIsNotAnError(t *testing.T) {
	m := newTestUserManager(t)

	found, err := m.GetByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestNewUserRejectsDuplicateEmail(t *testing.T) {
	m := newTestUserManager(t)
	ctx := context.Background()

	_, err := m.NewUser(ctx, "user@example.com")
	require.NoError(t, err)

	_, err = m.NewUser(ctx, "user@example.com")
	assert.Error(t, err)
}
