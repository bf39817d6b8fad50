package repository

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/lib/retry"
	"github.com/speedwagon-io/qcflow/internal/metrics"
	"github.com/speedwagon-io/qcflow/internal/model"
)

// Event announces a stored version.
type Event struct {
	Path       string
	Version    uint64
	ObjectType string
	Validity   model.Validity
}

// Observed notifies subscribers after every successful write. Subscribers run
// synchronously on the writer's goroutine and must not block.
type Observed struct {
	Database

	mu          sync.RWMutex
	subscribers []func(Event)
}

func NewObserved(db Database) *Observed {
	return &Observed{Database: db}
}

func (o *Observed) Subscribe(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscribers = append(o.subscribers, fn)
}

func (o *Observed) notify(reqs []PutRequest, versions []uint64) {
	o.mu.RLock()
	subs := o.subscribers
	o.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	for i, req := range reqs {
		objectType := req.ObjectType
		if objectType == "" {
			objectType = defaultObjectType
		}
		ev := Event{Path: req.Path, Version: versions[i], ObjectType: objectType, Validity: req.Validity}
		for _, fn := range subs {
			fn(ev)
		}
	}
}

func (o *Observed) Put(ctx context.Context, req PutRequest) (uint64, error) {
	v, err := o.Database.Put(ctx, req)
	if err != nil {
		return 0, err
	}
	o.notify([]PutRequest{req}, []uint64{v})
	return v, nil
}

func (o *Observed) PutBatch(ctx context.Context, reqs []PutRequest) ([]uint64, error) {
	versions, err := o.Database.PutBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}
	o.notify(reqs, versions)
	return versions, nil
}

// Instrumented records operation counts and latency per backend.
type Instrumented struct {
	Database
	backend string
}

func NewInstrumented(db Database, backend string) *Instrumented {
	return &Instrumented{Database: db, backend: backend}
}

func (m *Instrumented) observe(op string, start time.Time, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		status = "not_found"
	case model.IsValidation(err):
		status = "invalid"
	default:
		status = "error"
	}
	metrics.RepositoryOps.WithLabelValues(m.backend, op, status).Inc()
	metrics.RepositoryLatency.WithLabelValues(m.backend, op).Observe(time.Since(start).Seconds())
}

func (m *Instrumented) Put(ctx context.Context, req PutRequest) (uint64, error) {
	start := time.Now()
	v, err := m.Database.Put(ctx, req)
	m.observe("put", start, err)
	return v, err
}

func (m *Instrumented) PutBatch(ctx context.Context, reqs []PutRequest) ([]uint64, error) {
	start := time.Now()
	versions, err := m.Database.PutBatch(ctx, reqs)
	m.observe("put_batch", start, err)
	return versions, err
}

func (m *Instrumented) Get(ctx context.Context, path string, at int64) (*Entry, error) {
	start := time.Now()
	e, err := m.Database.Get(ctx, path, at)
	m.observe("get", start, err)
	return e, err
}

func (m *Instrumented) GetLatest(ctx context.Context, path string) (*Entry, error) {
	start := time.Now()
	e, err := m.Database.GetLatest(ctx, path)
	m.observe("get_latest", start, err)
	return e, err
}

func (m *Instrumented) List(ctx context.Context, prefix string) (iter.Seq[string], error) {
	start := time.Now()
	seq, err := m.Database.List(ctx, prefix)
	m.observe("list", start, err)
	return seq, err
}

func (m *Instrumented) Delete(ctx context.Context, path string, olderThan int64) (int, error) {
	start := time.Now()
	n, err := m.Database.Delete(ctx, path, olderThan)
	m.observe("delete", start, err)
	return n, err
}

// Retrying retries calls that fail with StoreUnavailableError.
type Retrying struct {
	Database
	log      *slog.Logger
	attempts int
	backoff  *retry.ExponentialBackoff
}

func NewRetrying(log *slog.Logger, db Database, attempts int, initial, max time.Duration) *Retrying {
	return &Retrying{
		Database: db,
		log:      log,
		attempts: attempts,
		backoff:  retry.NewExponentialBackoff(initial, max),
	}
}

func (r *Retrying) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, r.attempts, r.backoff, model.IsStoreUnavailable,
		func(attempt int, err error) {
			r.log.Warn("repository call failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", r.attempts),
				sl.Err(err),
			)
		}, fn)
	return err
}

func (r *Retrying) Put(ctx context.Context, req PutRequest) (uint64, error) {
	var v uint64
	err := r.run(ctx, "put", func(ctx context.Context) error {
		var err error
		v, err = r.Database.Put(ctx, req)
		return err
	})
	return v, err
}

func (r *Retrying) PutBatch(ctx context.Context, reqs []PutRequest) ([]uint64, error) {
	var versions []uint64
	err := r.run(ctx, "put_batch", func(ctx context.Context) error {
		var err error
		versions, err = r.Database.PutBatch(ctx, reqs)
		return err
	})
	return versions, err
}

func (r *Retrying) Get(ctx context.Context, path string, at int64) (*Entry, error) {
	var e *Entry
	err := r.run(ctx, "get", func(ctx context.Context) error {
		var err error
		e, err = r.Database.Get(ctx, path, at)
		return err
	})
	return e, err
}

func (r *Retrying) GetLatest(ctx context.Context, path string) (*Entry, error) {
	var e *Entry
	err := r.run(ctx, "get_latest", func(ctx context.Context) error {
		var err error
		e, err = r.Database.GetLatest(ctx, path)
		return err
	})
	return e, err
}

// Timeout bounds every call with its own deadline. A write that does not
// complete in time is reported as StoreUnavailableError.
type Timeout struct {
	Database
	timeout time.Duration
}

func WithTimeout(db Database, timeout time.Duration) Database {
	if timeout <= 0 {
		return db
	}
	return &Timeout{Database: db, timeout: timeout}
}

func (t *Timeout) wrap(op, path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !model.IsStoreUnavailable(err) {
		return &model.StoreUnavailableError{Backend: "timeout", Op: op, Path: path, Err: err}
	}
	return err
}

func (t *Timeout) Put(ctx context.Context, req PutRequest) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	v, err := t.Database.Put(ctx, req)
	return v, t.wrap("put", req.Path, err)
}

func (t *Timeout) PutBatch(ctx context.Context, reqs []PutRequest) ([]uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	versions, err := t.Database.PutBatch(ctx, reqs)
	return versions, t.wrap("put_batch", "", err)
}

func (t *Timeout) Get(ctx context.Context, path string, at int64) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	e, err := t.Database.Get(ctx, path, at)
	return e, t.wrap("get", path, err)
}

func (t *Timeout) GetLatest(ctx context.Context, path string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	e, err := t.Database.GetLatest(ctx, path)
	return e, t.wrap("get_latest", path, err)
}

func (t *Timeout) List(ctx context.Context, prefix string) (iter.Seq[string], error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	seq, err := t.Database.List(ctx, prefix)
	return seq, t.wrap("list", prefix, err)
}

func (t *Timeout) Delete(ctx context.Context, path string, olderThan int64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	n, err := t.Database.Delete(ctx, path, olderThan)
	return n, t.wrap("delete", path, err)
}
