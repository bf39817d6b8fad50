// Package cleaner applies retention rules to the object repository.
package cleaner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/metrics"
	"github.com/speedwagon-io/qcflow/internal/repository"
	"github.com/speedwagon-io/qcflow/internal/scheduler"
)

const jobName = "cleaner"

type Cleaner struct {
	log   *slog.Logger
	db    repository.Database
	rules []config.CleanerRule
	now   func() time.Time
}

func New(log *slog.Logger, db repository.Database, rules []config.CleanerRule) *Cleaner {
	return &Cleaner{
		log:   log,
		db:    db,
		rules: rules,
		now:   time.Now,
	}
}

// Schedule registers a cleaning pass on sched. An empty schedule leaves the
// cleaner to be run by hand.
func (c *Cleaner) Schedule(sched *scheduler.Scheduler, schedule string) error {
	if schedule == "" || len(c.rules) == 0 {
		return nil
	}
	return sched.Add(jobName, schedule, func(ctx context.Context) error {
		_, err := c.Clean(ctx)
		return err
	})
}

// Clean deletes, for every path under each rule's prefix, the versions whose
// validity ended more than OlderThan ago. The store keeps the latest version
// of each path regardless.
func (c *Cleaner) Clean(ctx context.Context) (int, error) {
	var total int
	for _, rule := range c.rules {
		n, err := c.apply(ctx, rule)
		total += n
		if err != nil {
			return total, err
		}
	}

	metrics.VersionsDeleted.Add(float64(total))
	if total > 0 {
		c.log.Info("repository cleaned", slog.Int("deleted", total))
	}
	return total, nil
}

func (c *Cleaner) apply(ctx context.Context, rule config.CleanerRule) (int, error) {
	cutoff := c.now().Add(-rule.OlderThan).UnixMilli()

	paths, err := c.db.List(ctx, rule.Prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", rule.Prefix, err)
	}

	var deleted int
	for path := range paths {
		n, err := c.db.Delete(ctx, path, cutoff)
		if err != nil {
			c.log.Error("failed to clean path", slog.String("path", path), sl.Err(err))
			return deleted, fmt.Errorf("failed to clean %s: %w", path, err)
		}
		if n > 0 {
			c.log.Debug("old versions deleted", slog.String("path", path), slog.Int("count", n))
		}
		deleted += n
	}
	return deleted, nil
}
