package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemorySetGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "plan:missing")
	require.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, m.Set(ctx, "plan:p1", []byte(`{"id":"p1"}`), 0))
	val, err := m.Get(ctx, "plan:p1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"p1"}`, string(val))

	require.NoError(t, m.Delete(ctx, "plan:p1"))
	_, err = m.Get(ctx, "plan:p1")
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Set(ctx, "plan:short", []byte("x"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, err := m.Get(ctx, "plan:short")
	require.ErrorIs(t, err, ErrCacheMiss)
}
