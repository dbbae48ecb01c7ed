package user

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestManager(t *testing.T) *Manager {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(10000)", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	require.NoError(t, err)

	manager, err := NewManager(ManagerOptions{
		DB:     db,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return manager
}

func TestNewUser(t *testing.T) {
	manager := newTestManager(t)

	u, err := manager.NewUser(context.Background(), "ada@example.com", "Ada")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)

	_, err = manager.NewUser(context.Background(), "ada@example.com", "Someone Else")
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestGetUser(t *testing.T) {
	manager := newTestManager(t)

	created, err := manager.NewUser(context.Background(), "ada@example.com", "Ada")
	require.NoError(t, err)

	byID, err := manager.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "ada@example.com", byID.Email)

	byEmail, err := manager.GetByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	require.NotNil(t, byEmail)
	assert.Equal(t, created.ID, byEmail.ID)

	missing, err := manager.GetByID(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
