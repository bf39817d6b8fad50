package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/lock"
)

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@every 1m"))
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.NoError(t, ValidateSchedule("30 */5 * * * *"))
	assert.Error(t, ValidateSchedule("every minute"))
}

func TestScheduledJobRuns(t *testing.T) {
	s := New(sl.Discard(), lock.NewLocalLocker(), time.Minute)

	var runs atomic.Int32
	require.NoError(t, s.Add("trend", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	assert.Error(t, s.Add("trend", "@every 1s", func(context.Context) error { return nil }))
	assert.Equal(t, []string{"trend"}, s.Jobs())

	s.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestRunNowRespectsLock(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewLocalLocker()
	s := New(sl.Discard(), locker, time.Minute)

	ok, err := locker.TryLock(ctx, "cleaner", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran, err := s.RunNow(ctx, "cleaner", func(context.Context) error {
		t.Fatal("job must not run while another instance holds the lock")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)

	require.NoError(t, locker.Unlock(ctx, "cleaner"))
	ran, err = s.RunNow(ctx, "cleaner", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}
