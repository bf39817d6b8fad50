package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/model"
	"github.com/speedwagon-io/qcflow/internal/publisher"
	"github.com/speedwagon-io/qcflow/internal/repository"
	"github.com/speedwagon-io/qcflow/internal/source"
)

func TestManagerRunsTasksIndependently(t *testing.T) {
	db := repository.NewMemoryDatabase()

	failing := &fakeTask{startFn: func() error { return assert.AnError }}
	healthy := newRunner(t, taskConfig("fv0"), &CounterTask{}, source.NewChannel("fv0", 1), db, nil)
	broken := newRunner(t, taskConfig("fdd"), failing, source.NewChannel("fdd", 1), db, nil)

	m := NewManager(sl.Discard(), config.BufferConfig{}, publisher.NewRepositoryPublisher(sl.Discard(), db), nil, healthy, broken)

	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return healthy.Status().Cycles >= 2 && broken.Status().State == "error"
	}, 5*time.Second, 10*time.Millisecond)

	m.Stop()
	<-done

	statuses := m.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "fv0", statuses[0].Task)
	assert.Empty(t, statuses[0].LastError)
	assert.Equal(t, "fdd", statuses[1].Task)
	assert.NotEmpty(t, statuses[1].LastError)

	// The healthy task only saw an empty stream.
	_, err := db.GetLatest(context.Background(), "fv0/events/physics")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestManagerWithoutBufferSkipsReplay(t *testing.T) {
	m := NewManager(sl.Discard(), config.BufferConfig{Enabled: false}, publisher.NewLogPublisher(sl.Discard()), nil)
	assert.Zero(t, m.ReplayBuffered(context.Background()))
}
