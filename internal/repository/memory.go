package repository

import (
	"context"
	"errors"
	"iter"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/speedwagon-io/qcflow/internal/model"
)

var _ Database = (*MemoryDatabase)(nil)

var errClosed = errors.New("database closed")

// stored is a version tagged with the commit sequence of the batch that
// wrote it.
type stored struct {
	*Entry
	commit uint64
}

// series holds the versions of one path. Readers load the slice without
// locking; writers replace it under mu, so reads never block writes.
type series struct {
	mu       sync.Mutex
	versions atomic.Pointer[[]stored]
}

func (s *series) load() []stored {
	if p := s.versions.Load(); p != nil {
		return *p
	}
	return nil
}

// visible drops the trailing versions of batches not yet committed. Versions
// of one path are appended in commit order, so they form a suffix.
func (s *series) visible(committed uint64) []stored {
	versions := s.load()
	n := len(versions)
	for n > 0 && versions[n-1].commit > committed {
		n--
	}
	return versions[:n]
}

// MemoryDatabase is an in-process backend used for tests and single-node
// deployments. It keeps nothing across restarts.
type MemoryDatabase struct {
	paths  sync.Map
	closed atomic.Bool
	now    func() int64

	// A batch becomes readable on every path at once when committed reaches
	// its sequence number. Batches commit in sequence order.
	seq       atomic.Uint64
	committed atomic.Uint64
}

func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{now: nowMillis}
}

func (m *MemoryDatabase) series(path string, create bool) *series {
	if v, ok := m.paths.Load(path); ok {
		return v.(*series)
	}
	if !create {
		return nil
	}
	v, _ := m.paths.LoadOrStore(path, &series{})
	return v.(*series)
}

func (m *MemoryDatabase) unavailable(op, path string) error {
	return &model.StoreUnavailableError{Backend: "memory", Op: op, Path: path, Err: errClosed}
}

func (m *MemoryDatabase) entryFor(p prepared, version uint64) *Entry {
	return &Entry{
		VersionInfo: VersionInfo{
			ID:         uuid.New().String(),
			Path:       p.Path,
			Version:    version,
			Validity:   p.Validity,
			Meta:       p.Meta,
			ObjectType: p.ObjectType,
			Checksum:   p.checksum,
			CreatedAt:  m.now(),
		},
		Payload: p.Payload,
	}
}

func (m *MemoryDatabase) Put(ctx context.Context, req PutRequest) (uint64, error) {
	versions, err := m.PutBatch(ctx, []PutRequest{req})
	if err != nil {
		return 0, err
	}
	return versions[0], nil
}

func (m *MemoryDatabase) PutBatch(ctx context.Context, reqs []PutRequest) ([]uint64, error) {
	if m.closed.Load() {
		return nil, m.unavailable("put", "")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := prepareAll(reqs)
	if err != nil {
		return nil, err
	}

	// Lock every touched path in sorted order so concurrent batches cannot
	// deadlock and the batch becomes visible only once fully assigned.
	byPath := make(map[string][]int)
	for i, it := range items {
		byPath[it.Path] = append(byPath[it.Path], i)
	}
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	locked := make([]*series, 0, len(paths))
	for _, p := range paths {
		s := m.series(p, true)
		s.mu.Lock()
		locked = append(locked, s)
	}
	defer func() {
		for _, s := range locked {
			s.mu.Unlock()
		}
	}()

	seq := m.seq.Add(1)
	out := make([]uint64, len(items))
	next := make([][]stored, len(paths))
	for pi, p := range paths {
		cur := locked[pi].load()
		var last uint64
		if n := len(cur); n > 0 {
			last = cur[n-1].Version
		}
		updated := make([]stored, len(cur), len(cur)+len(byPath[p]))
		copy(updated, cur)
		for _, idx := range byPath[p] {
			last++
			updated = append(updated, stored{Entry: m.entryFor(items[idx], last), commit: seq})
			out[idx] = last
		}
		next[pi] = updated
	}
	for pi := range paths {
		locked[pi].versions.Store(&next[pi])
	}

	// Earlier batches hold their own locks until they commit, so this wait
	// always ends.
	for !m.committed.CompareAndSwap(seq-1, seq) {
		runtime.Gosched()
	}

	return out, nil
}

func (m *MemoryDatabase) Get(ctx context.Context, path string, at int64) (*Entry, error) {
	if m.closed.Load() {
		return nil, m.unavailable("get", path)
	}
	s := m.series(path, false)
	if s == nil {
		return nil, model.ErrNotFound
	}
	versions := s.visible(m.committed.Load())
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Validity.Contains(at) {
			return versions[i].clone(), nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *MemoryDatabase) GetLatest(ctx context.Context, path string) (*Entry, error) {
	if m.closed.Load() {
		return nil, m.unavailable("get_latest", path)
	}
	s := m.series(path, false)
	if s == nil {
		return nil, model.ErrNotFound
	}
	versions := s.visible(m.committed.Load())
	if len(versions) == 0 {
		return nil, model.ErrNotFound
	}
	return versions[len(versions)-1].clone(), nil
}

func (m *MemoryDatabase) List(ctx context.Context, prefix string) (iter.Seq[string], error) {
	if m.closed.Load() {
		return nil, m.unavailable("list", prefix)
	}
	var paths []string
	committed := m.committed.Load()
	m.paths.Range(func(k, v any) bool {
		p := k.(string)
		if MatchPrefix(p, prefix) && len(v.(*series).visible(committed)) > 0 {
			paths = append(paths, p)
		}
		return true
	})
	sort.Strings(paths)
	return seqOf(paths), nil
}

func (m *MemoryDatabase) Versions(ctx context.Context, path string) ([]VersionInfo, error) {
	if m.closed.Load() {
		return nil, m.unavailable("versions", path)
	}
	s := m.series(path, false)
	if s == nil {
		return nil, nil
	}
	versions := s.visible(m.committed.Load())
	out := make([]VersionInfo, 0, len(versions))
	for _, e := range versions {
		info := e.VersionInfo
		info.Meta = cloneMeta(e.Meta)
		out = append(out, info)
	}
	return out, nil
}

func (m *MemoryDatabase) Delete(ctx context.Context, path string, olderThan int64) (int, error) {
	if m.closed.Load() {
		return 0, m.unavailable("delete", path)
	}
	s := m.series(path, false)
	if s == nil {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.load()
	if len(cur) == 0 {
		return 0, nil
	}
	kept := make([]stored, 0, len(cur))
	for i, e := range cur {
		if i == len(cur)-1 || e.Validity.To >= olderThan {
			kept = append(kept, e)
		}
	}
	s.versions.Store(&kept)
	return len(cur) - len(kept), nil
}

func (m *MemoryDatabase) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return m.unavailable("ping", "")
	}
	return nil
}

func (m *MemoryDatabase) Close() error {
	m.closed.Store(true)
	return nil
}
