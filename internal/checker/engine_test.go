package checker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/model"
	"github.com/speedwagon-io/qcflow/internal/repository"
)

type panicking struct{}

func (c *panicking) Configure(config.CheckConfig) error { return nil }

func (c *panicking) Evaluate(context.Context, Inputs) (model.Quality, map[string]string, error) {
	panic("boom")
}

// blocking records the input versions it sees and holds every evaluation
// until released.
type blocking struct {
	mu       sync.Mutex
	running  int
	overlap  bool
	versions []uint64
	started  chan struct{}
	release  chan struct{}
}

func newBlocking() *blocking {
	return &blocking{started: make(chan struct{}, 4), release: make(chan struct{})}
}

func (c *blocking) Configure(config.CheckConfig) error { return nil }

func (c *blocking) Evaluate(_ context.Context, in Inputs) (model.Quality, map[string]string, error) {
	c.mu.Lock()
	c.running++
	if c.running > 1 {
		c.overlap = true
	}
	c.versions = append(c.versions, in[0].Version)
	c.mu.Unlock()

	c.started <- struct{}{}
	<-c.release

	c.mu.Lock()
	c.running--
	c.mu.Unlock()
	return model.QualityGood, nil, nil
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register("Panics", func() Check { return &panicking{} })
	return r
}

type resultLog struct {
	mu      sync.Mutex
	results []Result
}

func (l *resultLog) add(r Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *resultLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}

func (l *resultLog) all() []Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Result(nil), l.results...)
}

func checkerConfig() config.CheckerConfig {
	return config.CheckerConfig{
		DebounceWindow:      20 * time.Millisecond,
		CompletenessTimeout: 50 * time.Millisecond,
		PollInterval:        5 * time.Millisecond,
		Workers:             4,
	}
}

func fixed(name, quality string, inputs ...string) config.CheckConfig {
	return config.CheckConfig{
		Name:    name,
		Module:  "Fixed",
		Inputs:  inputs,
		Options: map[string]string{"quality": quality},
	}
}

func newEngine(t *testing.T, db repository.Database, checks ...config.CheckConfig) *Engine {
	t.Helper()
	e, err := New(sl.Discard(), db, checkerConfig(), "qc", checks, testRegistry())
	require.NoError(t, err)
	return e
}

func publish(t *testing.T, db repository.Database, path string, payload model.Payload, run int64) Trigger {
	t.Helper()
	mo := model.NewMonitorObject(path, "task", payload, model.Validity{From: 1000, To: 2000}, model.Activity{Run: run})
	req, err := repository.MonitorObjectRequest(mo)
	require.NoError(t, err)
	v, err := db.Put(context.Background(), req)
	require.NoError(t, err)
	return Trigger{Path: path, Version: v}
}

func histogramWithMean(mean float64) *model.Histogram1D {
	h := model.NewHistogram1D(100, 0, 100)
	h.Fill(mean)
	return h
}

func latestQuality(t *testing.T, db repository.Database, path string) *model.QualityObject {
	t.Helper()
	e, err := db.GetLatest(context.Background(), path)
	require.NoError(t, err)
	qo, err := repository.DecodeQualityObject(e)
	require.NoError(t, err)
	return qo
}

func TestAggregateWorstWins(t *testing.T) {
	db := repository.NewMemoryDatabase()
	e := newEngine(t, db,
		fixed("looks-good", "good", "det/h"),
		fixed("looks-bad", "bad", "det/h"),
	)

	trig := publish(t, db, "det/h", histogramWithMean(5), 1)
	results := e.Handle(context.Background(), trig)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
	}

	agg := latestQuality(t, db, e.QualityPath("det/h"))
	assert.Equal(t, model.QualityBad, agg.Quality)
	assert.Equal(t, "looks-bad", agg.Check)
	assert.Equal(t, []model.CheckQuality{
		{Check: "looks-good", Quality: model.QualityGood},
		{Check: "looks-bad", Quality: model.QualityBad},
	}, agg.Contributions)
	assert.Equal(t, []model.InputRef{{Path: "det/h", Version: trig.Version}}, agg.Inputs)

	assert.Equal(t, model.QualityGood, latestQuality(t, db, e.CheckPath("looks-good")).Quality)
	assert.Equal(t, model.QualityBad, latestQuality(t, db, e.CheckPath("looks-bad")).Quality)
}

func TestAggregateTieFirstRegisteredIsPrimary(t *testing.T) {
	db := repository.NewMemoryDatabase()
	e := newEngine(t, db,
		fixed("first", "medium", "det/h"),
		fixed("second", "medium", "det/h"),
	)

	e.Handle(context.Background(), publish(t, db, "det/h", histogramWithMean(5), 1))

	agg := latestQuality(t, db, e.QualityPath("det/h"))
	assert.Equal(t, model.QualityMedium, agg.Quality)
	assert.Equal(t, "first", agg.Check)
}

func TestIncompleteInputsPublishNothing(t *testing.T) {
	db := repository.NewMemoryDatabase()
	e := newEngine(t, db, fixed("pair", "good", "det/a", "det/b"))

	results := e.Handle(context.Background(), publish(t, db, "det/a", histogramWithMean(5), 1))
	require.Len(t, results, 1)

	var incomplete *model.IncompleteInputError
	require.ErrorAs(t, results[0].Err, &incomplete)
	assert.Equal(t, []string{"det/b"}, incomplete.Missing)
	assert.Equal(t, "pair", incomplete.Check)

	_, err := db.GetLatest(context.Background(), e.CheckPath("pair"))
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = db.GetLatest(context.Background(), e.QualityPath("det/a"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCompletenessWaitPicksUpLateInput(t *testing.T) {
	db := repository.NewMemoryDatabase()
	cfg := checkerConfig()
	cfg.CompletenessTimeout = 2 * time.Second
	e, err := New(sl.Discard(), db, cfg, "qc", []config.CheckConfig{fixed("pair", "good", "det/a", "det/b")}, testRegistry())
	require.NoError(t, err)

	trig := publish(t, db, "det/a", histogramWithMean(5), 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		publish(t, db, "det/b", histogramWithMean(5), 1)
	}()

	results := e.Handle(context.Background(), trig)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	qo := latestQuality(t, db, e.CheckPath("pair"))
	assert.Equal(t, []string{"det/a", "det/b"}, []string{qo.Inputs[0].Path, qo.Inputs[1].Path})
	assert.Empty(t, qo.Path)
}

func TestPanickingCheckIsIsolated(t *testing.T) {
	db := repository.NewMemoryDatabase()
	e := newEngine(t, db,
		config.CheckConfig{Name: "explodes", Module: "Panics", Inputs: []string{"det/h"}},
		fixed("steady", "good", "det/h"),
	)

	results := e.Handle(context.Background(), publish(t, db, "det/h", histogramWithMean(5), 1))
	require.Len(t, results, 2)

	require.NoError(t, results[0].Err)
	var execErr *model.CheckExecutionError
	require.ErrorAs(t, results[0].CheckErr, &execErr)
	assert.Equal(t, model.QualityBad, results[0].Quality)

	qo := latestQuality(t, db, e.CheckPath("explodes"))
	assert.Equal(t, model.QualityBad, qo.Quality)
	assert.Equal(t, "CheckExecutionError", qo.Metadata["errorKind"])
	assert.Contains(t, qo.Metadata["error"], "boom")

	assert.NoError(t, results[1].CheckErr)
	assert.Equal(t, model.QualityGood, latestQuality(t, db, e.CheckPath("steady")).Quality)
}

func TestEvaluationIsDeterministic(t *testing.T) {
	db := repository.NewMemoryDatabase()
	e := newEngine(t, db, config.CheckConfig{
		Name:    "mean",
		Module:  "MeanIsAbove",
		Inputs:  []string{"det/b", "det/a"},
		Options: map[string]string{"threshold": "10"},
	})

	publish(t, db, "det/a", histogramWithMean(20), 7)
	trig := publish(t, db, "det/b", histogramWithMean(30), 7)

	e.Handle(context.Background(), trig)
	e.Handle(context.Background(), trig)

	versions, err := db.Versions(context.Background(), e.CheckPath("mean"))
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, versions[0].Checksum, versions[1].Checksum)

	qo := latestQuality(t, db, e.CheckPath("mean"))
	assert.Equal(t, model.QualityGood, qo.Quality)
	assert.Equal(t, int64(7), qo.Activity.Run)
	assert.Equal(t, model.Validity{From: 1000, To: 2000}, qo.Validity)
}

func TestOnEachSeparately(t *testing.T) {
	db := repository.NewMemoryDatabase()
	e := newEngine(t, db, config.CheckConfig{
		Name:   "each",
		Module: "NonEmpty",
		Inputs: []string{"det/a", "det/b"},
		Policy: "OnEachSeparately",
	})

	results := e.Handle(context.Background(), publish(t, db, "det/a", model.NewHistogram1D(10, 0, 1), 1))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	qo := latestQuality(t, db, e.CheckPath("each")+"/det/a")
	assert.Equal(t, model.QualityBad, qo.Quality)
	assert.Equal(t, "det/a", qo.Path)

	_, err := db.GetLatest(context.Background(), e.QualityPath("det/b"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestOnAnyEvaluatesPartialInputs(t *testing.T) {
	db := repository.NewMemoryDatabase()
	e := newEngine(t, db, config.CheckConfig{
		Name:   "any",
		Module: "NonEmpty",
		Inputs: []string{"det/a", "det/b"},
		Policy: "OnAny",
	})

	results := e.Handle(context.Background(), publish(t, db, "det/a", &model.Counter{Value: 3}, 1))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, model.QualityGood, results[0].Quality)
}

func TestUnknownModuleRejected(t *testing.T) {
	_, err := New(sl.Discard(), repository.NewMemoryDatabase(), checkerConfig(), "qc",
		[]config.CheckConfig{{Name: "x", Module: "Nope", Inputs: []string{"det/a"}}}, NewRegistry())
	assert.Error(t, err)

	_, err = New(sl.Discard(), repository.NewMemoryDatabase(), checkerConfig(), "qc",
		[]config.CheckConfig{{Name: "x", Module: "Fixed", Inputs: []string{"det/a"}, Policy: "Sometimes"}}, NewRegistry())
	assert.Error(t, err)
}

func TestRunDeduplicatesTriggers(t *testing.T) {
	db := repository.NewMemoryDatabase()

	var (
		mu      sync.Mutex
		results []Result
	)
	e, err := New(sl.Discard(), db, checkerConfig(), "qc",
		[]config.CheckConfig{fixed("once", "good", "det/a", "det/b")}, testRegistry(),
		WithResultHook(func(r Result) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
		}))
	require.NoError(t, err)

	ta := publish(t, db, "det/a", histogramWithMean(5), 1)
	tb := publish(t, db, "det/b", histogramWithMean(5), 1)

	triggers := make(chan Trigger, 10)
	for i := 0; i < 4; i++ {
		triggers <- ta
	}
	triggers <- tb
	triggers <- Trigger{Path: "det/unwatched", Version: 1}
	close(triggers)

	require.NoError(t, e.Run(context.Background(), triggers))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "once", results[0].Check)
}

func TestRunSkipsAlreadyEvaluatedVersions(t *testing.T) {
	db := repository.NewMemoryDatabase()
	var log resultLog
	e, err := New(sl.Discard(), db, checkerConfig(), "qc",
		[]config.CheckConfig{fixed("c", "good", "det/a")}, testRegistry(),
		WithResultHook(log.add))
	require.NoError(t, err)

	triggers := make(chan Trigger, 10)
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), triggers) }()

	// A local write and the watcher report the same version, windows apart.
	ta := publish(t, db, "det/a", histogramWithMean(5), 1)
	triggers <- ta
	require.Eventually(t, func() bool { return log.len() == 1 }, time.Second, 5*time.Millisecond)

	triggers <- ta
	time.Sleep(5 * checkerConfig().DebounceWindow)
	assert.Equal(t, 1, log.len(), "the same version is evaluated once")

	ta2 := publish(t, db, "det/a", histogramWithMean(6), 1)
	triggers <- ta2
	require.Eventually(t, func() bool { return log.len() == 2 }, time.Second, 5*time.Millisecond)

	close(triggers)
	require.NoError(t, <-done)

	results := log.all()
	assert.Equal(t, ta2, results[1].Trigger)
	versions, err := db.Versions(context.Background(), e.CheckPath("c"))
	require.NoError(t, err)
	assert.Len(t, versions, 2, "one quality object per input version")
}

func TestRunRerunsCheckTriggeredWhileRunning(t *testing.T) {
	db := repository.NewMemoryDatabase()
	check := newBlocking()
	reg := testRegistry()
	reg.Register("Blocks", func() Check { return check })

	var log resultLog
	e, err := New(sl.Discard(), db, checkerConfig(), "qc",
		[]config.CheckConfig{{Name: "slow", Module: "Blocks", Inputs: []string{"det/a"}}}, reg,
		WithResultHook(log.add))
	require.NoError(t, err)

	triggers := make(chan Trigger, 10)
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), triggers) }()

	triggers <- publish(t, db, "det/a", histogramWithMean(5), 1)
	<-check.started

	t2 := publish(t, db, "det/a", histogramWithMean(6), 1)
	triggers <- t2
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		_, queued := e.dirty["slow"]
		return queued
	}, time.Second, 5*time.Millisecond, "the second trigger waits for the running evaluation")

	select {
	case <-check.started:
		t.Fatal("check started while still running")
	case <-time.After(5 * checkerConfig().DebounceWindow):
	}

	check.release <- struct{}{}
	<-check.started
	check.release <- struct{}{}

	close(triggers)
	require.NoError(t, <-done)

	check.mu.Lock()
	defer check.mu.Unlock()
	assert.False(t, check.overlap, "evaluations of one check never overlap")
	assert.Equal(t, []uint64{1, 2}, check.versions)

	results := log.all()
	require.Len(t, results, 2)
	assert.Equal(t, t2, results[1].Trigger)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEngine(t, repository.NewMemoryDatabase(), fixed("c", "good", "det/a"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, make(chan Trigger)) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestWatcherEmitsOnNewVersions(t *testing.T) {
	db := repository.NewMemoryDatabase()
	w := NewWatcher(sl.Discard(), db, []string{"det/a", "det/b"}, time.Second)
	ctx := context.Background()

	assert.Empty(t, w.Poll(ctx))

	publish(t, db, "det/a", &model.Counter{Value: 1}, 1)
	assert.Equal(t, []Trigger{{Path: "det/a", Version: 1}}, w.Poll(ctx))
	assert.Empty(t, w.Poll(ctx))

	publish(t, db, "det/a", &model.Counter{Value: 2}, 1)
	publish(t, db, "det/b", &model.Counter{Value: 2}, 1)
	assert.Equal(t, []Trigger{{Path: "det/a", Version: 2}, {Path: "det/b", Version: 1}}, w.Poll(ctx))
}

func TestForwardSkipsQualityObjects(t *testing.T) {
	db := repository.NewObserved(repository.NewMemoryDatabase())
	out := make(chan Trigger, 4)
	db.Subscribe(Forward(sl.Discard(), out))

	publish(t, db, "det/a", &model.Counter{Value: 1}, 1)
	_, err := db.Put(context.Background(), repository.PutRequest{
		Path:       "qc/checks/x",
		Validity:   model.Validity{From: 0, To: 1},
		ObjectType: model.ObjectTypeQuality,
	})
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, Trigger{Path: "det/a", Version: 1}, <-out)
}
