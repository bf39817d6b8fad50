// Package scheduler runs periodic jobs on a cron schedule, one instance at a
// time across the cluster.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/lock"
)

// Schedules accept an optional seconds field and descriptors like "@every 1m".
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule parses schedule with the scheduler's cron parser.
func ValidateSchedule(schedule string) error {
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

type Job func(ctx context.Context) error

type Scheduler struct {
	log    *slog.Logger
	cron   *cron.Cron
	locker lock.Locker
	ttl    time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

func New(log *slog.Logger, locker lock.Locker, ttl time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:     log,
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		locker:  locker,
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// Add schedules job under name. The job runs only on the instance that takes
// the lock for name.
func (s *Scheduler) Add(name, schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("job %q already scheduled", name)
	}

	id, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.RunNow(s.ctx, name, job); err != nil {
			s.log.Error("scheduled job failed", slog.String("job", name), sl.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.entries[name] = id

	s.log.Info("job scheduled", slog.String("job", name), slog.String("schedule", schedule))
	return nil
}

// RunNow runs job under the lock for name and reports whether it ran.
func (s *Scheduler) RunNow(ctx context.Context, name string, job Job) (bool, error) {
	start := time.Now()
	ran, err := lock.WithLock(ctx, s.log, s.locker, name, s.ttl, job)
	if ran {
		s.log.Debug("job finished", slog.String("job", name), slog.Duration("took", time.Since(start)))
	}
	return ran, err
}

func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduled jobs still running at shutdown")
	}
}
