package postprocessing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/qcflow/internal/model"
)

func newStore(t *testing.T) *BadgerTrendStore {
	t.Helper()
	s, err := OpenTrendStore(StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTrendStoreUpsert(t *testing.T) {
	s := newStore(t)

	changed, err := s.Upsert("tpc", "charge/mean", model.TrendPoint{Timestamp: 100, Run: 1, Value: 4.5})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Upsert("tpc", "charge/mean", model.TrendPoint{Timestamp: 100, Run: 1, Value: 4.5})
	require.NoError(t, err)
	assert.False(t, changed, "rewriting the same point is a no-op")

	changed, err = s.Upsert("tpc", "charge/mean", model.TrendPoint{Timestamp: 100, Run: 1, Value: 5})
	require.NoError(t, err)
	assert.True(t, changed)

	series, err := s.Series("tpc", "charge/mean")
	require.NoError(t, err)
	assert.Equal(t, []model.TrendPoint{{Timestamp: 100, Run: 1, Value: 5}}, series)
}

func TestTrendStoreOrdersByTime(t *testing.T) {
	s := newStore(t)

	for _, ts := range []int64{300, -50, 100, 200} {
		_, err := s.Upsert("tpc", "charge", model.TrendPoint{Timestamp: ts, Value: float64(ts)})
		require.NoError(t, err)
	}
	_, err := s.Upsert("tpc", "charge/mean", model.TrendPoint{Timestamp: 999})
	require.NoError(t, err)

	series, err := s.Series("tpc", "charge")
	require.NoError(t, err)
	require.Len(t, series, 4, "series of nested metric names stay separate")
	for i, want := range []int64{-50, 100, 200, 300} {
		assert.Equal(t, want, series[i].Timestamp)
	}

	_, ok, err := s.Before("tpc", "nothing", 100)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrendStoreBefore(t *testing.T) {
	s := newStore(t)

	for _, ts := range []int64{-50, 100, 200} {
		_, err := s.Upsert("tpc", "charge", model.TrendPoint{Timestamp: ts, Value: float64(ts)})
		require.NoError(t, err)
	}
	_, err := s.Upsert("tpc", "charge/mean", model.TrendPoint{Timestamp: 150})
	require.NoError(t, err)

	tests := []struct {
		ts    int64
		want  int64
		found bool
	}{
		{ts: 1000, want: 200, found: true},
		{ts: 200, want: 100, found: true},
		{ts: 150, want: 100, found: true},
		{ts: 100, want: -50, found: true},
		{ts: -50},
		{ts: -1 << 63},
	}
	for _, tt := range tests {
		p, ok, err := s.Before("tpc", "charge", tt.ts)
		require.NoError(t, err)
		assert.Equal(t, tt.found, ok, "before %d", tt.ts)
		if tt.found {
			assert.Equal(t, tt.want, p.Timestamp, "before %d", tt.ts)
		}
	}
}

func TestOpenTrendStoreNeedsPath(t *testing.T) {
	_, err := OpenTrendStore(StoreConfig{})
	assert.Error(t, err)
}
