package repository

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/model"
)

type backendFactory func(t *testing.T) Database

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Database {
			db := NewMemoryDatabase()
			t.Cleanup(func() { db.Close() })
			return db
		},
		"sqlite": func(t *testing.T) Database {
			db, err := NewSQLiteDatabase(sl.Discard(), filepath.Join(t.TempDir(), "repo.db"))
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return db
		},
		"remote": func(t *testing.T) Database {
			srv := httptest.NewServer(NewHandler(sl.Discard(), NewMemoryDatabase()))
			t.Cleanup(srv.Close)
			db := NewRemoteDatabase(sl.Discard(), srv.URL, RemoteOptions{})
			t.Cleanup(func() { db.Close() })
			return db
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, db Database)) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func put(t *testing.T, db Database, path string, from, to int64, payload string) uint64 {
	t.Helper()
	v, err := db.Put(context.Background(), PutRequest{
		Path:     path,
		Validity: model.Validity{From: from, To: to},
		Meta:     model.Metadata{"run": int64(1)},
		Payload:  []byte(payload),
	})
	require.NoError(t, err)
	return v
}

func TestContractValidityResolution(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		v1 := put(t, db, "det/hist1", 100, 200, "first")
		v2 := put(t, db, "det/hist1", 150, 250, "second")
		assert.Equal(t, uint64(1), v1)
		assert.Equal(t, uint64(2), v2)

		cases := []struct {
			at      int64
			version uint64
		}{
			{at: 120, version: v1},
			{at: 160, version: v2},
			{at: 200, version: v2},
			{at: 249, version: v2},
		}
		for _, c := range cases {
			e, err := db.Get(ctx, "det/hist1", c.at)
			require.NoError(t, err, "at=%d", c.at)
			assert.Equal(t, c.version, e.Version, "at=%d", c.at)
		}

		for _, at := range []int64{99, 250, 1000} {
			_, err := db.Get(ctx, "det/hist1", at)
			assert.ErrorIs(t, err, model.ErrNotFound, "at=%d", at)
		}

		_, err := db.Get(ctx, "det/other", 120)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestContractGetLatestIgnoresValidity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		put(t, db, "det/h", 500, 600, "late")
		put(t, db, "det/h", 0, 10, "early")

		e, err := db.GetLatest(context.Background(), "det/h")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), e.Version)
		assert.Equal(t, []byte("early"), e.Payload)

		_, err = db.GetLatest(context.Background(), "det/none")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestContractValidation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		bad := []PutRequest{
			{Path: "det/h", Validity: model.Validity{From: 10, To: 10}},
			{Path: "det/h", Validity: model.Validity{From: 10, To: 5}},
			{Path: "", Validity: model.Validity{From: 0, To: 5}},
			{Path: "det//h", Validity: model.Validity{From: 0, To: 5}},
			{Path: "det/h", Validity: model.Validity{From: 0, To: 5}, Meta: model.Metadata{"flag": true}},
		}
		for _, req := range bad {
			_, err := db.Put(context.Background(), req)
			require.Error(t, err)
			assert.True(t, model.IsValidation(err), "expected validation error, got %v", err)
		}

		_, err := db.GetLatest(context.Background(), "det/h")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestContractEntryContent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		_, err := db.Put(ctx, PutRequest{
			Path:       "det/q",
			Validity:   model.Validity{From: 1, To: 2},
			Meta:       model.Metadata{"run": int64(523142), "period": "LHC22m"},
			ObjectType: "quality",
			Payload:    []byte(`{"quality":"good"}`),
		})
		require.NoError(t, err)

		e, err := db.Get(ctx, "det/q", 1)
		require.NoError(t, err)
		assert.Equal(t, "det/q", e.Path)
		assert.Equal(t, "quality", e.ObjectType)
		assert.Equal(t, int64(523142), e.Meta["run"])
		assert.Equal(t, "LHC22m", e.Meta["period"])
		assert.Equal(t, []byte(`{"quality":"good"}`), e.Payload)
		assert.Len(t, e.Checksum, 64)
		assert.NotEmpty(t, e.ID)
	})
}

func TestContractList(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		for _, p := range []string{"det/b/c", "det/a", "detx/y", "other/z"} {
			put(t, db, p, 0, 10, "x")
		}
		put(t, db, "det/a", 10, 20, "x")

		seq, err := db.List(context.Background(), "det")
		require.NoError(t, err)
		assert.Equal(t, []string{"det/a", "det/b/c"}, Collect(seq))

		seq, err = db.List(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, []string{"det/a", "det/b/c", "detx/y", "other/z"}, Collect(seq))

		seq, err = db.List(context.Background(), "missing")
		require.NoError(t, err)
		assert.Empty(t, Collect(seq))
	})
}

func TestContractListIsSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		put(t, db, "det/a", 0, 10, "x")

		seq, err := db.List(context.Background(), "det")
		require.NoError(t, err)
		put(t, db, "det/b", 0, 10, "x")

		assert.Equal(t, []string{"det/a"}, Collect(seq))
	})
}

func TestContractDeleteKeepsLatest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		put(t, db, "det/h", 0, 100, "v1")
		put(t, db, "det/h", 100, 200, "v2")
		put(t, db, "det/h", 200, 300, "v3")

		n, err := db.Delete(ctx, "det/h", 250)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		versions, err := db.Versions(ctx, "det/h")
		require.NoError(t, err)
		require.Len(t, versions, 1)
		assert.Equal(t, uint64(3), versions[0].Version)

		// The only remaining version survives even when expired.
		n, err = db.Delete(ctx, "det/h", 10_000)
		require.NoError(t, err)
		assert.Zero(t, n)

		e, err := db.GetLatest(ctx, "det/h")
		require.NoError(t, err)
		assert.Equal(t, []byte("v3"), e.Payload)

		// New versions continue after the deleted ones.
		assert.Equal(t, uint64(4), put(t, db, "det/h", 300, 400, "v4"))
	})
}

func TestContractPutBatchAllOrNothing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		ctx := context.Background()
		versions, err := db.PutBatch(ctx, []PutRequest{
			{Path: "task/a", Validity: model.Validity{From: 0, To: 10}, Payload: []byte("a")},
			{Path: "task/b", Validity: model.Validity{From: 0, To: 10}, Payload: []byte("b")},
			{Path: "task/a", Validity: model.Validity{From: 0, To: 10}, Payload: []byte("a2")},
		})
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 1, 2}, versions)

		_, err = db.PutBatch(ctx, []PutRequest{
			{Path: "task/c", Validity: model.Validity{From: 0, To: 10}, Payload: []byte("c")},
			{Path: "task/d", Validity: model.Validity{From: 10, To: 0}, Payload: []byte("d")},
		})
		require.Error(t, err)
		assert.True(t, model.IsValidation(err))

		_, err = db.GetLatest(ctx, "task/c")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestContractPutBatchVisibleAtOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		const batches = 200
		ctx := context.Background()

		done := make(chan error, 1)
		go func() {
			for i := 0; i < batches; i++ {
				if _, err := db.PutBatch(ctx, []PutRequest{
					{Path: "run/a", Validity: model.Validity{From: 0, To: 10}, Payload: []byte("a")},
					{Path: "run/b", Validity: model.Validity{From: 0, To: 10}, Payload: []byte("b")},
				}); err != nil {
					done <- err
					return
				}
			}
			close(done)
		}()

		// Once a batch is visible on run/a it must be visible on run/b too.
		for {
			select {
			case err := <-done:
				require.NoError(t, err)
				return
			default:
			}

			a, err := db.GetLatest(ctx, "run/a")
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			require.NoError(t, err)
			b, err := db.GetLatest(ctx, "run/b")
			require.NoError(t, err, "run/b missing after run/a version %d", a.Version)
			require.GreaterOrEqual(t, b.Version, a.Version)
		}
	})
}

func TestContractConcurrentPutsGetDistinctVersions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db Database) {
		const writers = 16

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			versions = make(map[uint64]bool)
			errs     []error
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := db.Put(context.Background(), PutRequest{
					Path:     "det/contended",
					Validity: model.Validity{From: 0, To: 10},
					Payload:  []byte("x"),
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				versions[v] = true
			}()
		}
		wg.Wait()

		require.Empty(t, errs)
		assert.Len(t, versions, writers)
		for v := uint64(1); v <= writers; v++ {
			assert.True(t, versions[v], "missing version %d", v)
		}
	})
}

func TestMemoryClosedIsUnavailable(t *testing.T) {
	db := NewMemoryDatabase()
	require.NoError(t, db.Close())

	_, err := db.Put(context.Background(), PutRequest{Path: "a", Validity: model.Validity{To: 1}})
	assert.True(t, model.IsStoreUnavailable(err))
	assert.True(t, model.IsStoreUnavailable(db.Ping(context.Background())))
}

func TestRemoteUnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(NewHandler(sl.Discard(), NewMemoryDatabase()))
	srv.Close()

	db := NewRemoteDatabase(sl.Discard(), srv.URL, RemoteOptions{})
	_, err := db.GetLatest(context.Background(), "det/h")
	require.Error(t, err)

	var ue *model.StoreUnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "remote", ue.Backend)
}

func TestRemoteMapsBackendUnavailability(t *testing.T) {
	backend := NewMemoryDatabase()
	srv := httptest.NewServer(NewHandler(sl.Discard(), backend))
	t.Cleanup(srv.Close)
	backend.Close()

	db := NewRemoteDatabase(sl.Discard(), srv.URL, RemoteOptions{})
	assert.True(t, model.IsStoreUnavailable(db.Ping(context.Background())))
}
