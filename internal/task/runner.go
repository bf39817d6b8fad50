package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/speedwagon-io/qcflow/internal/buffer"
	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/lib/retry"
	"github.com/speedwagon-io/qcflow/internal/metrics"
	"github.com/speedwagon-io/qcflow/internal/model"
	"github.com/speedwagon-io/qcflow/internal/publisher"
	"github.com/speedwagon-io/qcflow/internal/source"
)

const defaultGracePeriod = 5 * time.Second

// Status is a snapshot of a runner for health reporting.
type Status struct {
	Task      string    `json:"task"`
	State     string    `json:"state"`
	Run       int64     `json:"run"`
	Cycles    int64     `json:"cycles"`
	LastCycle time.Time `json:"last_cycle,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Runner drives one task through its cycles:
// Idle -> Activated -> Running -> Ended -> Idle, or Error when a cycle
// exhausts its retries. Error is left at the start of the next cycle.
type Runner struct {
	log     *slog.Logger
	cfg     config.TaskConfig
	task    Task
	src     source.Source
	pub     publisher.Publisher
	buf     buffer.Buffer
	backoff *retry.ExponentialBackoff
	grace   time.Duration
	now     func() time.Time

	mu        sync.Mutex
	state     State
	activity  model.Activity
	cycles    int64
	lastCycle time.Time
	lastErr   error
}

// NewRunner initializes task with cfg. buf may be nil, in which case batches
// that cannot be published are dropped.
func NewRunner(
	log *slog.Logger,
	cfg config.TaskConfig,
	task Task,
	src source.Source,
	pub publisher.Publisher,
	buf buffer.Buffer,
) (*Runner, error) {
	if err := task.Initialize(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize task %s: %w", cfg.Name, err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = cfg.Name
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 2 * cfg.CycleDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	r := &Runner{
		log:     log.With(slog.String("task", cfg.Name)),
		cfg:     cfg,
		task:    task,
		src:     src,
		pub:     pub,
		buf:     buf,
		backoff: retry.NewExponentialBackoff(100*time.Millisecond, 5*time.Second),
		grace:   defaultGracePeriod,
		now:     time.Now,
	}
	r.setState(StateIdle)
	return r, nil
}

func (r *Runner) Name() string {
	return r.cfg.Name
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		Task:      r.cfg.Name,
		State:     r.state.String(),
		Run:       r.activity.Run,
		Cycles:    r.cycles,
		LastCycle: r.lastCycle,
	}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	metrics.TaskState.WithLabelValues(r.cfg.Name).Set(float64(s))
}

// StartRun switches the runner to a new run. Accumulated task state is
// dropped so nothing leaks from the previous run.
func (r *Runner) StartRun(activity model.Activity) {
	r.Reset()
	r.mu.Lock()
	r.activity = activity
	r.mu.Unlock()
	r.log.Info("run started", slog.Int64("run", activity.Run))
}

func (r *Runner) Reset() {
	if rs, ok := r.task.(Resetter); ok {
		rs.Reset()
	}
	r.mu.Lock()
	r.lastErr = nil
	r.mu.Unlock()
	r.setState(StateIdle)
}

// Run executes cycles back to back until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("starting task runner",
		slog.Duration("cycle_duration", r.cfg.CycleDuration),
		slog.Duration("poll_interval", r.cfg.PollInterval),
		slog.String("source", r.src.Name()),
	)

	for ctx.Err() == nil {
		if err := r.RunCycle(ctx); err != nil {
			r.log.Error("cycle failed", sl.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.PollInterval):
			}
		}
	}

	r.log.Info("task runner stopped")
}

// RunCycle executes one cycle, retrying it up to MaxRetries times. A cycle
// that ends in error publishes nothing.
func (r *Runner) RunCycle(ctx context.Context) error {
	retryable := func(err error) bool {
		return ctx.Err() == nil && !model.IsValidation(err)
	}
	onRetry := func(attempt int, err error) {
		r.log.Warn("cycle attempt failed, retrying", slog.Int("attempt", attempt), sl.Err(err))
		if rs, ok := r.task.(Resetter); ok {
			rs.Reset()
		}
	}

	err := retry.Do(ctx, r.cfg.MaxRetries+1, r.backoff, retryable, onRetry, r.cycle)

	r.mu.Lock()
	r.lastErr = err
	r.lastCycle = r.now()
	r.mu.Unlock()

	if err != nil {
		r.setState(StateError)
		metrics.TaskCycles.WithLabelValues(r.cfg.Name, "error").Inc()
		return err
	}
	r.setState(StateIdle)
	return nil
}

func (r *Runner) cycle(ctx context.Context) error {
	r.mu.Lock()
	r.cycles++
	cycle := r.cycles
	activity := r.activity
	r.mu.Unlock()

	r.setState(StateActivated)
	start := r.now()

	cycleCtx, cancel := context.WithTimeout(ctx, r.cfg.CycleTimeout)
	defer cancel()

	if err := r.task.OnCycleStart(cycleCtx, activity); err != nil {
		return fmt.Errorf("failed to start cycle: %w", err)
	}

	r.setState(StateRunning)
	var produced []*model.MonitorObject
	err := r.collect(cycleCtx, &produced)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		r.log.Info("stop requested, ending cycle early", slog.Int64("cycle", cycle))
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("cycle %d exceeded timeout %s", cycle, r.cfg.CycleTimeout)
	default:
		return err
	}

	// After a stop request the cycle is still allowed to finish within the
	// grace period.
	endCtx := cycleCtx
	if ctx.Err() != nil {
		var cancelGrace context.CancelFunc
		endCtx, cancelGrace = context.WithTimeout(context.WithoutCancel(ctx), r.grace)
		defer cancelGrace()
	}

	final, err := r.task.OnCycleEnd(endCtx)
	if err != nil {
		return fmt.Errorf("failed to end cycle: %w", err)
	}
	produced = append(produced, final...)
	r.setState(StateEnded)

	window := model.Validity{From: start.UnixMilli(), To: r.now().UnixMilli()}
	if window.To <= window.From {
		window.To = window.From + 1
	}

	coll := model.NewCollection(r.cfg.Prefix)
	for _, mo := range produced {
		if mo == nil {
			continue
		}
		r.stamp(mo, window, activity)
		conflict, err := coll.AddOrKeep(mo)
		if err != nil {
			return fmt.Errorf("failed to collect %s: %w", mo.Path, err)
		}
		if conflict {
			r.log.Warn("incompatible objects for path, keeping both", slog.String("path", mo.Path))
		}
	}

	if coll.Len() == 0 {
		r.log.Debug("cycle produced no objects", slog.Int64("cycle", cycle))
		metrics.TaskCycles.WithLabelValues(r.cfg.Name, "empty").Inc()
		return nil
	}

	return r.publish(endCtx, model.NewBatch(r.cfg.Name, cycle, coll.Objects()))
}

func (r *Runner) collect(ctx context.Context, produced *[]*model.MonitorObject) error {
	deadline := time.NewTimer(r.cfg.CycleDuration)
	defer deadline.Stop()

	handle := func(ev source.Event) error {
		objs, err := r.task.OnData(ctx, ev)
		if err != nil {
			return fmt.Errorf("failed to process event: %w", err)
		}
		*produced = append(*produced, objs...)
		return nil
	}

	if s, ok := r.src.(source.Streamer); ok {
		events := s.Events()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-deadline.C:
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := handle(ev); err != nil {
					return err
				}
			}
		}
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	poll := func() error {
		events, err := r.src.Fetch(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch events from %s: %w", r.src.Name(), err)
		}
		for _, ev := range events {
			if err := handle(ev); err != nil {
				return err
			}
		}
		return nil
	}

	if err := poll(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if err := poll(); err != nil {
				return err
			}
		}
	}
}

// stamp places mo under the task prefix and fills in what the task left
// empty from the cycle.
func (r *Runner) stamp(mo *model.MonitorObject, window model.Validity, activity model.Activity) {
	switch {
	case mo.Path == "":
		mo.Path = r.cfg.Prefix
	case mo.Path != r.cfg.Prefix && !strings.HasPrefix(mo.Path, r.cfg.Prefix+"/"):
		mo.Path = r.cfg.Prefix + "/" + mo.Path
	}
	if mo.TaskName == "" {
		mo.TaskName = r.cfg.Name
	}
	if !mo.Validity.Valid() {
		mo.Validity = window
	}
	if mo.Activity == (model.Activity{}) {
		mo.Activity = activity
	}
}

func (r *Runner) publish(ctx context.Context, batch *model.Batch) error {
	_, err := r.pub.Publish(ctx, batch)
	if err == nil {
		metrics.TaskCycles.WithLabelValues(r.cfg.Name, "ok").Inc()
		r.log.Debug("cycle published",
			slog.Int64("cycle", batch.Cycle),
			slog.Int("objects", len(batch.Objects)),
		)
		return nil
	}

	// A cycle that overran its timeout publishes nothing, even when the
	// store reports the expired deadline as unavailability.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("cycle %d ran out of time while publishing: %w", batch.Cycle, errors.Join(ctxErr, err))
	}
	if !model.IsStoreUnavailable(err) || r.buf == nil {
		return fmt.Errorf("failed to publish cycle %d: %w", batch.Cycle, err)
	}

	if bufErr := r.buf.Store(context.WithoutCancel(ctx), batch); bufErr != nil {
		r.log.Error("failed to buffer batch", slog.String("id", batch.ID), sl.Err(bufErr))
		return fmt.Errorf("failed to publish cycle %d: %w", batch.Cycle, err)
	}

	metrics.BatchesBuffered.WithLabelValues(r.cfg.Name).Inc()
	metrics.TaskCycles.WithLabelValues(r.cfg.Name, "buffered").Inc()
	r.log.Info("repository unavailable, batch buffered for later retry",
		slog.String("id", batch.ID),
		slog.Int64("cycle", batch.Cycle),
		sl.Err(err),
	)
	return nil
}

func (r *Runner) Close() error {
	return r.src.Close()
}
