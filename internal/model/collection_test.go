package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hist(path string, run int64, from, to int64, values ...float64) *MonitorObject {
	h := NewHistogram1D(10, 0, 10)
	for _, v := range values {
		h.Fill(v)
	}
	return NewMonitorObject(path, "task", h, Validity{From: from, To: to}, Activity{Run: run, Detector: "TST"})
}

func counter(path string, run int64, v float64) *MonitorObject {
	return NewMonitorObject(path, "task", &Counter{Value: v}, Validity{From: 0, To: 10}, Activity{Run: run})
}

func collectionOf(t *testing.T, objects ...*MonitorObject) *MonitorObjectCollection {
	t.Helper()
	c := NewCollection("det")
	for _, mo := range objects {
		require.NoError(t, c.Add(mo))
	}
	return c
}

// snapshot reduces a collection to comparable values.
func snapshot(t *testing.T, c *MonitorObjectCollection) map[string]any {
	t.Helper()
	out := make(map[string]any)
	for _, p := range c.Paths() {
		mo, ok := c.Get(p)
		require.True(t, ok)
		switch pl := mo.Payload.(type) {
		case *Histogram1D:
			out[p] = []any{pl.Counts, pl.Entries, mo.Validity}
		case *Counter:
			out[p] = []any{pl.Value, mo.Validity}
		default:
			out[p] = pl
		}
	}
	return out
}

func TestCollectionMergeAssociative(t *testing.T) {
	a := collectionOf(t, hist("det/h1", 7, 100, 200, 1, 2), counter("det/c", 7, 3))
	b := collectionOf(t, hist("det/h1", 7, 150, 250, 2, 9), hist("det/h2", 7, 0, 50, 4))
	c := collectionOf(t, hist("det/h2", 7, 40, 80, 5, 5), counter("det/c", 7, 11))

	ab, err := a.Merge(b)
	require.NoError(t, err)
	abc1, err := ab.Merge(c)
	require.NoError(t, err)

	bc, err := b.Merge(c)
	require.NoError(t, err)
	abc2, err := a.Merge(bc)
	require.NoError(t, err)

	assert.Equal(t, snapshot(t, abc1), snapshot(t, abc2))

	h1, ok := abc1.Get("det/h1")
	require.True(t, ok)
	assert.Equal(t, float64(4), h1.Payload.(*Histogram1D).Entries)
	assert.Equal(t, Validity{From: 100, To: 250}, h1.Validity)

	cnt, ok := abc1.Get("det/c")
	require.True(t, ok)
	assert.Equal(t, float64(14), cnt.Payload.(*Counter).Value)
}

func TestCollectionMergeCommutative(t *testing.T) {
	a := collectionOf(t, hist("det/h1", 1, 0, 10, 1), counter("det/c", 1, 2))
	b := collectionOf(t, hist("det/h1", 1, 5, 20, 3, 3), counter("det/c", 1, 5))

	ab, err := a.Merge(b)
	require.NoError(t, err)
	ba, err := b.Merge(a)
	require.NoError(t, err)

	assert.Equal(t, snapshot(t, ab), snapshot(t, ba))
	assert.Equal(t, ab.Paths(), ba.Paths())
}

func TestCollectionMergeDoesNotMutateOperands(t *testing.T) {
	a := collectionOf(t, counter("det/c", 1, 2))
	b := collectionOf(t, counter("det/c", 1, 5))

	_, err := a.Merge(b)
	require.NoError(t, err)

	mo, _ := a.Get("det/c")
	assert.Equal(t, float64(2), mo.Payload.(*Counter).Value)
}

func TestCollectionMergeIncompatible(t *testing.T) {
	tests := []struct {
		name  string
		left  *MonitorObject
		right *MonitorObject
	}{
		{
			name:  "kinds differ",
			left:  counter("det/x", 1, 1),
			right: hist("det/x", 1, 0, 10, 1),
		},
		{
			name:  "binning differs",
			left:  hist("det/x", 1, 0, 10, 1),
			right: NewMonitorObject("det/x", "task", NewHistogram1D(5, 0, 10), Validity{From: 0, To: 10}, Activity{Run: 1}),
		},
		{
			name:  "runs differ",
			left:  counter("det/x", 1, 1),
			right: counter("det/x", 2, 1),
		},
		{
			name:  "not mergeable",
			left:  NewMonitorObject("det/x", "task", &Graph{}, Validity{From: 0, To: 10}, Activity{Run: 1}),
			right: NewMonitorObject("det/x", "task", &Graph{}, Validity{From: 0, To: 10}, Activity{Run: 1}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := collectionOf(t, tt.left)
			b := collectionOf(t, tt.right)

			_, err := a.Merge(b)
			require.Error(t, err)
			assert.True(t, IsIncompatibleMerge(err), "got %v", err)

			var me *IncompatibleMergeError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, "det/x", me.Path)
		})
	}
}

func TestCollectionAddOrKeepRetainsNewer(t *testing.T) {
	c := NewCollection("det")
	older := counter("det/x", 1, 1)
	newer := hist("det/x", 1, 0, 10, 2)

	conflict, err := c.AddOrKeep(older)
	require.NoError(t, err)
	assert.False(t, conflict)

	conflict, err = c.AddOrKeep(newer)
	require.NoError(t, err)
	assert.True(t, conflict)

	objs := c.Objects()
	require.Len(t, objs, 2)
	assert.Same(t, older, objs[0])
	assert.Same(t, newer, objs[1])

	head, ok := c.Get("det/x")
	require.True(t, ok)
	assert.Same(t, newer, head)
}

func TestCollectionRejectsPathOutsidePrefix(t *testing.T) {
	c := NewCollection("det")
	err := c.Add(counter("other/x", 1, 1))
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	err = c.Add(counter("detector/x", 1, 1))
	require.Error(t, err)
}

func TestQuotientMergeRecomputesRatio(t *testing.T) {
	num1 := NewHistogram2D(10, 0, 10, 5, 0, 5)
	den1 := NewHistogram2D(10, 0, 10, 5, 0, 5)
	num1.Fill(1.5, 1.5, 5)
	den1.Fill(1.5, 1.5, 10)

	num2 := NewHistogram2D(10, 0, 10, 5, 0, 5)
	den2 := NewHistogram2D(10, 0, 10, 5, 0, 5)
	num2.Fill(1.5, 1.5, 1)
	den2.Fill(1.5, 1.5, 8)
	num2.Fill(4.5, 4.5, 2)
	den2.Fill(4.5, 4.5, 2)

	q1, err := NewQuotient(num1, den1)
	require.NoError(t, err)
	q2, err := NewQuotient(num2, den2)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, q1.RatioAt(1, 1), 1e-9)

	merged, err := q1.Merge(q2)
	require.NoError(t, err)
	q := merged.(*Quotient)
	assert.InDelta(t, 6.0/18.0, q.RatioAt(1, 1), 1e-9)
	assert.InDelta(t, 1.0, q.RatioAt(4, 4), 1e-9)
	assert.InDelta(t, 0.5, q1.RatioAt(1, 1), 1e-9)
}
