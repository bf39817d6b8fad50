package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
)

func TestLocalLockerExcludesAndExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	l := NewLocalLocker()
	l.now = func() time.Time { return now }

	ok, err := l.TryLock(ctx, "trend", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.TryLock(ctx, "trend", time.Minute)
	assert.False(t, ok)

	ok, _ = l.TryLock(ctx, "cleaner", time.Minute)
	assert.True(t, ok, "keys are independent")

	now = now.Add(2 * time.Minute)
	ok, _ = l.TryLock(ctx, "trend", time.Minute)
	assert.True(t, ok, "an expired lock can be taken")

	require.NoError(t, l.Unlock(ctx, "trend"))
	ok, _ = l.TryLock(ctx, "trend", time.Minute)
	assert.True(t, ok)
}

func TestWithLockSkipsWhenHeld(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	var calls int
	ran, err := WithLock(ctx, sl.Discard(), l, "k", time.Minute, func(ctx context.Context) error {
		calls++
		inner, err := WithLock(ctx, sl.Discard(), l, "k", time.Minute, func(context.Context) error {
			calls++
			return nil
		})
		assert.False(t, inner)
		return err
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)

	ran, err = WithLock(ctx, sl.Discard(), l, "k", time.Minute, func(context.Context) error { return assert.AnError })
	assert.True(t, ran, "the lock is released after fn returns")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(sl.Discard(), config.LockConfig{Backend: "zookeeper"})
	assert.Error(t, err)

	l, err := New(sl.Discard(), config.LockConfig{})
	require.NoError(t, err)
	assert.IsType(t, &LocalLocker{}, l)
}
