package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/metrics"
	"github.com/speedwagon-io/qcflow/internal/model"
	"github.com/speedwagon-io/qcflow/internal/repository"
)

const (
	defaultQualityPrefix = "qc"
	defaultWorkers       = 4
)

// Trigger announces a new version of a monitor object.
type Trigger struct {
	Path    string
	Version uint64
}

// Result is the outcome of one check evaluation. Err is set when nothing was
// published; CheckErr when the check itself failed and Bad was published.
type Result struct {
	Check    string
	Trigger  Trigger
	Quality  model.Quality
	Objects  []*model.QualityObject
	Paths    []string
	Versions []uint64
	Err      error
	CheckErr error
}

type registered struct {
	cfg    config.CheckConfig
	policy Policy
	check  Check
	inputs []string
}

type Engine struct {
	log    *slog.Logger
	db     repository.Database
	cfg    config.CheckerConfig
	prefix string

	checks  []*registered
	byInput map[string][]*registered

	// aggMu serialises aggregation and its publication so aggregated
	// verdicts are written in the order they were computed.
	aggMu  sync.Mutex
	latest map[string]map[string]model.Quality

	mu        sync.Mutex
	inflight  map[string]bool
	dirty     map[string]Trigger
	// evaluated holds, per job, the input versions of its last published
	// evaluation. Triggers at or below them are already covered.
	evaluated map[string]map[string]uint64

	onResult func(Result)
}

type Option func(*Engine)

// WithResultHook registers fn to observe every result produced by Run.
func WithResultHook(fn func(Result)) Option {
	return func(e *Engine) { e.onResult = fn }
}

func New(
	log *slog.Logger,
	db repository.Database,
	cfg config.CheckerConfig,
	qualityPrefix string,
	checks []config.CheckConfig,
	registry *Registry,
	opts ...Option,
) (*Engine, error) {
	if qualityPrefix == "" {
		qualityPrefix = defaultQualityPrefix
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	e := &Engine{
		log:      log,
		db:       db,
		cfg:      cfg,
		prefix:   qualityPrefix,
		byInput:  make(map[string][]*registered),
		latest:   make(map[string]map[string]model.Quality),
		inflight:  make(map[string]bool),
		dirty:     make(map[string]Trigger),
		evaluated: make(map[string]map[string]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, cc := range checks {
		policy, err := ParsePolicy(cc.Policy)
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", cc.Name, err)
		}
		check, err := registry.New(cc)
		if err != nil {
			return nil, err
		}

		inputs := slices.Clone(cc.Inputs)
		sort.Strings(inputs)
		inputs = slices.Compact(inputs)
		for _, p := range inputs {
			if err := model.ValidatePath(p); err != nil {
				return nil, fmt.Errorf("check %q: %w", cc.Name, err)
			}
		}

		rc := &registered{cfg: cc, policy: policy, check: check, inputs: inputs}
		e.checks = append(e.checks, rc)
		for _, p := range inputs {
			e.byInput[p] = append(e.byInput[p], rc)
		}
	}

	return e, nil
}

// InputPaths returns every monitor path read by at least one check.
func (e *Engine) InputPaths() []string {
	paths := make([]string, 0, len(e.byInput))
	for p := range e.byInput {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (e *Engine) CheckPath(check string) string {
	return e.prefix + "/checks/" + check
}

func (e *Engine) QualityPath(monitorPath string) string {
	return e.prefix + "/quality/" + monitorPath
}

// Handle evaluates every check triggered by t and waits for the results,
// returned in registration order.
func (e *Engine) Handle(ctx context.Context, t Trigger) []Result {
	triggered := e.byInput[t.Path]
	results := make([]Result, len(triggered))

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, rc := range triggered {
		g.Go(func() error {
			results[i] = e.evaluate(ctx, rc, t)
			return nil
		})
	}
	g.Wait()

	for _, res := range results {
		e.report(res)
	}
	return results
}

// Run consumes triggers until ctx is cancelled or triggers is closed.
// Triggers arriving within one debounce window are deduplicated; a check
// that is still running when triggered again is re-run once afterwards.
func (e *Engine) Run(ctx context.Context, triggers <-chan Trigger) error {
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)

	pending := make(map[string]Trigger)
	var window <-chan time.Time

	e.log.Info("check engine started",
		slog.Int("checks", len(e.checks)),
		slog.Int("workers", e.cfg.Workers),
		slog.Duration("debounce", e.cfg.DebounceWindow),
	)

	for {
		select {
		case <-ctx.Done():
			g.Wait()
			e.log.Info("check engine stopped")
			return nil

		case t, ok := <-triggers:
			if !ok {
				e.dispatch(ctx, &g, pending)
				g.Wait()
				return nil
			}
			if _, watched := e.byInput[t.Path]; !watched {
				continue
			}
			if prev, dup := pending[t.Path]; dup {
				metrics.TriggersDeduplicated.Inc()
				if prev.Version > t.Version {
					t = prev
				}
			}
			pending[t.Path] = t
			if window == nil {
				window = time.After(e.cfg.DebounceWindow)
			}

		case <-window:
			window = nil
			e.dispatch(ctx, &g, pending)
			pending = make(map[string]Trigger)
		}
	}
}

func jobKey(rc *registered, t Trigger) string {
	if rc.policy == OnEachSeparately {
		return rc.cfg.Name + "@" + t.Path
	}
	return rc.cfg.Name
}

func (e *Engine) dispatch(ctx context.Context, g *errgroup.Group, pending map[string]Trigger) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	seen := make(map[string]bool)
	for _, p := range paths {
		t := pending[p]
		for _, rc := range e.byInput[p] {
			key := jobKey(rc, t)
			if seen[key] {
				metrics.TriggersDeduplicated.Inc()
				continue
			}
			seen[key] = true
			e.submit(ctx, g, rc, t, key)
		}
	}
}

// covered reports whether the last evaluation of key already read t.Path at
// t.Version or later. Triggers without a version are never covered.
// Callers hold e.mu.
func (e *Engine) covered(key string, t Trigger) bool {
	return t.Version > 0 && e.evaluated[key][t.Path] >= t.Version
}

func (e *Engine) submit(ctx context.Context, g *errgroup.Group, rc *registered, t Trigger, key string) {
	e.mu.Lock()
	if e.covered(key, t) {
		e.mu.Unlock()
		metrics.TriggersDeduplicated.Inc()
		return
	}
	if e.inflight[key] {
		e.dirty[key] = t
		e.mu.Unlock()
		metrics.TriggersDeduplicated.Inc()
		return
	}
	e.inflight[key] = true
	e.mu.Unlock()

	g.Go(func() error {
		for {
			e.report(e.evaluate(ctx, rc, t))

			e.mu.Lock()
			next, again := e.dirty[key]
			delete(e.dirty, key)
			if again && e.covered(key, next) {
				metrics.TriggersDeduplicated.Inc()
				again = false
			}
			if !again || ctx.Err() != nil {
				delete(e.inflight, key)
				e.mu.Unlock()
				return nil
			}
			e.mu.Unlock()
			t = next
		}
	})
}

func (e *Engine) report(res Result) {
	log := e.log.With(slog.String("check", res.Check), slog.String("trigger", res.Trigger.Path))

	var incomplete *model.IncompleteInputError
	switch {
	case errors.As(res.Err, &incomplete):
		metrics.CheckErrors.WithLabelValues(res.Check, "incomplete_input").Inc()
		log.Warn("check inputs incomplete", slog.Any("missing", incomplete.Missing))
	case errors.Is(res.Err, context.Canceled):
		log.Debug("check evaluation cancelled")
	case res.Err != nil:
		metrics.CheckErrors.WithLabelValues(res.Check, "store").Inc()
		log.Error("check evaluation failed", sl.Err(res.Err))
	default:
		metrics.ChecksEvaluated.WithLabelValues(res.Check, res.Quality.String()).Inc()
		if res.CheckErr != nil {
			metrics.CheckErrors.WithLabelValues(res.Check, "execution").Inc()
			log.Error("check failed, published bad quality", sl.Err(res.CheckErr))
		} else {
			log.Debug("check evaluated", slog.String("quality", res.Quality.String()))
		}
	}

	if e.onResult != nil {
		e.onResult(res)
	}
}

// graded is one check verdict ready to publish.
type graded struct {
	inputs Inputs
	path   string
	qo     *model.QualityObject
}

func (e *Engine) evaluate(ctx context.Context, rc *registered, t Trigger) Result {
	res := Result{Check: rc.cfg.Name, Trigger: t}

	groups, err := e.resolve(ctx, rc, t)
	if err != nil {
		res.Err = err
		return res
	}

	evaluated := make([]graded, 0, len(groups))
	for _, inputs := range groups {
		q, meta, checkErr := e.run(ctx, rc, inputs)
		if checkErr != nil {
			res.CheckErr = checkErr
			q = model.QualityBad
			meta = map[string]string{
				"error":     checkErr.Error(),
				"errorKind": "CheckExecutionError",
			}
		}
		res.Quality = model.Worst(res.Quality, q)

		path := e.CheckPath(rc.cfg.Name)
		if rc.policy == OnEachSeparately {
			path += "/" + inputs[0].Path
		}
		evaluated = append(evaluated, graded{
			inputs: inputs,
			path:   path,
			qo:     newQualityObject(rc, inputs, q, meta),
		})
	}

	e.aggMu.Lock()
	defer e.aggMu.Unlock()

	// Stage this evaluation's results on top of the committed ones.
	staged := make(map[string]map[string]model.Quality)
	for _, g := range evaluated {
		for _, in := range g.inputs {
			if staged[in.Path] == nil {
				staged[in.Path] = copyQualities(e.latest[in.Path])
			}
			staged[in.Path][rc.cfg.Name] = g.qo.Quality
		}
	}

	var reqs []repository.PutRequest
	for _, g := range evaluated {
		req, err := repository.QualityObjectRequest(g.path, g.qo)
		if err != nil {
			res.Err = err
			return res
		}
		reqs = append(reqs, req)
		res.Objects = append(res.Objects, g.qo)
		res.Paths = append(res.Paths, g.path)

		for _, in := range g.inputs {
			agg := e.aggregate(in, staged[in.Path])
			path := e.QualityPath(in.Path)
			req, err := repository.QualityObjectRequest(path, agg)
			if err != nil {
				res.Err = err
				return res
			}
			reqs = append(reqs, req)
			res.Objects = append(res.Objects, agg)
			res.Paths = append(res.Paths, path)
		}
	}

	versions, err := e.db.PutBatch(ctx, reqs)
	if err != nil {
		res.Err = fmt.Errorf("failed to publish quality objects: %w", err)
		return res
	}
	res.Versions = versions

	for p, qs := range staged {
		e.latest[p] = qs
	}
	e.markEvaluated(jobKey(rc, t), evaluated)
	return res
}

func (e *Engine) markEvaluated(key string, evaluated []graded) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := e.evaluated[key]
	if seen == nil {
		seen = make(map[string]uint64)
		e.evaluated[key] = seen
	}
	for _, g := range evaluated {
		for _, in := range g.inputs {
			seen[in.Path] = max(seen[in.Path], in.Version)
		}
	}
}

func copyQualities(m map[string]model.Quality) map[string]model.Quality {
	out := make(map[string]model.Quality, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// resolve loads the inputs rc needs for t, waiting up to the completeness
// timeout for missing ones. It returns one input set per evaluation.
func (e *Engine) resolve(ctx context.Context, rc *registered, t Trigger) ([]Inputs, error) {
	targets := rc.inputs
	if rc.policy == OnEachSeparately && slices.Contains(rc.inputs, t.Path) {
		targets = []string{t.Path}
	}

	deadline := time.Now().Add(e.cfg.CompletenessTimeout)
	for {
		found, missing, err := e.lookup(ctx, targets)
		if err != nil {
			return nil, err
		}

		switch {
		case rc.policy == OnEachSeparately && len(found) > 0 && len(missing) == 0:
			groups := make([]Inputs, len(found))
			for i, in := range found {
				groups[i] = Inputs{in}
			}
			return groups, nil
		case rc.policy == OnAny && len(found) > 0:
			return []Inputs{found}, nil
		case len(missing) == 0:
			return []Inputs{found}, nil
		}

		if !time.Now().Before(deadline) {
			return nil, &model.IncompleteInputError{Check: rc.cfg.Name, Trigger: t.Path, Missing: missing}
		}

		poll := e.cfg.PollInterval
		if poll <= 0 {
			poll = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (e *Engine) lookup(ctx context.Context, paths []string) (Inputs, []string, error) {
	var (
		found   Inputs
		missing []string
	)
	for _, p := range paths {
		entry, err := e.db.GetLatest(ctx, p)
		if errors.Is(err, model.ErrNotFound) {
			missing = append(missing, p)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		mo, err := repository.DecodeMonitorObject(entry)
		if err != nil {
			return nil, nil, err
		}
		found = append(found, Input{Path: p, Version: entry.Version, Object: mo})
	}
	return found, missing, nil
}

// run calls the check, turning errors and panics into CheckExecutionError.
func (e *Engine) run(ctx context.Context, rc *registered, inputs Inputs) (q model.Quality, meta map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.CheckExecutionError{Check: rc.cfg.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	q, meta, err = rc.check.Evaluate(ctx, inputs)
	if err != nil {
		return model.QualityBad, nil, &model.CheckExecutionError{Check: rc.cfg.Name, Err: err}
	}
	return q, meta, nil
}

func newQualityObject(rc *registered, inputs Inputs, q model.Quality, meta map[string]string) *model.QualityObject {
	refs := make([]model.InputRef, len(inputs))
	validity := inputs[0].Object.Validity
	for i, in := range inputs {
		refs[i] = model.InputRef{Path: in.Path, Version: in.Version}
		validity = validity.Hull(in.Object.Validity)
	}

	qo := &model.QualityObject{
		Quality:  q,
		Check:    rc.cfg.Name,
		Module:   rc.cfg.Module,
		Inputs:   refs,
		Metadata: meta,
		Validity: validity,
		Activity: inputs[0].Object.Activity,
	}
	if len(inputs) == 1 {
		qo.Path = inputs[0].Path
	}
	return qo
}

// aggregate builds the top-level verdict for one monitor path from the
// latest result of every check covering it, in registration order.
func (e *Engine) aggregate(in Input, results map[string]model.Quality) *model.QualityObject {
	var (
		contributions []model.CheckQuality
		qs            []model.Quality
	)
	for _, rc := range e.byInput[in.Path] {
		q, ok := results[rc.cfg.Name]
		if !ok {
			continue
		}
		contributions = append(contributions, model.CheckQuality{Check: rc.cfg.Name, Quality: q})
		qs = append(qs, q)
	}

	worst, primary := model.Aggregate(qs)
	return &model.QualityObject{
		Quality:       worst,
		Check:         contributions[primary].Check,
		Path:          in.Path,
		Inputs:        []model.InputRef{{Path: in.Path, Version: in.Version}},
		Contributions: contributions,
		Validity:      in.Object.Validity,
		Activity:      in.Object.Activity,
	}
}
