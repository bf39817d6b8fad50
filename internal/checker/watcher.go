package checker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/model"
	"github.com/speedwagon-io/qcflow/internal/repository"
)

// Watcher polls the store for new versions of watched paths. It is the
// subscription path for stores written by other processes.
type Watcher struct {
	log      *slog.Logger
	db       repository.Database
	paths    []string
	interval time.Duration
	seen     map[string]uint64
}

func NewWatcher(log *slog.Logger, db repository.Database, paths []string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		log:      log,
		db:       db,
		paths:    paths,
		interval: interval,
		seen:     make(map[string]uint64),
	}
}

// Poll returns a trigger for every watched path whose latest version moved
// since the previous call. Paths that fail to resolve are retried next time.
func (w *Watcher) Poll(ctx context.Context) []Trigger {
	var triggers []Trigger
	for _, p := range w.paths {
		entry, err := w.db.GetLatest(ctx, p)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			w.log.Warn("failed to poll path", slog.String("path", p), sl.Err(err))
			continue
		}
		if entry.Version > w.seen[p] {
			w.seen[p] = entry.Version
			triggers = append(triggers, Trigger{Path: p, Version: entry.Version})
		}
	}
	return triggers
}

func (w *Watcher) Run(ctx context.Context, out chan<- Trigger) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("watcher started", slog.Int("paths", len(w.paths)), slog.Duration("interval", w.interval))

	for {
		for _, t := range w.Poll(ctx) {
			select {
			case out <- t:
			case <-ctx.Done():
				return nil
			}
		}

		select {
		case <-ctx.Done():
			w.log.Info("watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Forward returns an Observed subscriber that turns local writes of monitor
// objects into triggers. Sends never block; a dropped trigger is picked up
// by the Watcher on its next poll.
func Forward(log *slog.Logger, out chan<- Trigger) func(repository.Event) {
	return func(ev repository.Event) {
		if ev.ObjectType == model.ObjectTypeQuality {
			return
		}
		select {
		case out <- Trigger{Path: ev.Path, Version: ev.Version}:
		default:
			log.Warn("trigger queue full, dropping trigger", slog.String("path", ev.Path))
		}
	}
}
