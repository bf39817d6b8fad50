package postprocessing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/repository"
	"github.com/speedwagon-io/qcflow/internal/scheduler"
)

// Runner schedules trending passes.
type Runner struct {
	log   *slog.Logger
	sched *scheduler.Scheduler
	tasks []*TrendingTask
}

// NewRunner builds a trending task for every entry of cfgs and schedules
// its passes on sched.
func NewRunner(
	log *slog.Logger,
	sched *scheduler.Scheduler,
	cfgs []config.TrendingConfig,
	db repository.Database,
	store TrendStore,
	reg *ReductorRegistry,
	exporter Exporter,
) (*Runner, error) {
	r := &Runner{log: log, sched: sched}

	for _, cfg := range cfgs {
		task, err := NewTrendingTask(log, cfg, db, store, reg, exporter)
		if err != nil {
			return nil, fmt.Errorf("failed to create trending task %s: %w", cfg.Name, err)
		}
		if err := sched.Add("trending:"+cfg.Name, cfg.Schedule, r.job(task)); err != nil {
			return nil, err
		}
		r.tasks = append(r.tasks, task)
	}
	return r, nil
}

func (r *Runner) job(task *TrendingTask) scheduler.Job {
	return func(ctx context.Context) error {
		res, err := task.Pass(ctx, 0)
		if err != nil {
			return fmt.Errorf("trending pass %s failed: %w", task.Name(), err)
		}
		r.log.Info("trending pass done",
			slog.String("trend", task.Name()),
			slog.Int("points", res.Points),
			slog.Int("skipped", res.Skipped),
		)
		return nil
	}
}

func (r *Runner) Tasks() []*TrendingTask {
	return r.tasks
}

// PassAll runs every trending task once, outside the schedule.
func (r *Runner) PassAll(ctx context.Context, at int64) error {
	for _, task := range r.tasks {
		if _, err := task.Pass(ctx, at); err != nil {
			return fmt.Errorf("trending pass %s failed: %w", task.Name(), err)
		}
	}
	return nil
}
