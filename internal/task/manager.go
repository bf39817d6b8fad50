package task

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/speedwagon-io/qcflow/internal/buffer"
	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/publisher"
)

// Manager runs task runners side by side and replays spooled batches.
type Manager struct {
	log      *slog.Logger
	bufCfg   config.BufferConfig
	runners  []*Runner
	pub      publisher.Publisher
	buffer   buffer.Buffer
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(
	log *slog.Logger,
	bufCfg config.BufferConfig,
	pub publisher.Publisher,
	buffer buffer.Buffer,
	runners ...*Runner,
) *Manager {
	if !bufCfg.Enabled {
		buffer = nil
	}
	return &Manager{
		log:     log,
		bufCfg:  bufCfg,
		runners: runners,
		pub:     pub,
		buffer:  buffer,
		stopCh:  make(chan struct{}),
	}
}

func (m *Manager) Runners() []*Runner {
	return m.runners
}

// Start blocks until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.log.Info("starting task manager", slog.Int("tasks", len(m.runners)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, r := range m.runners {
		m.wg.Add(1)
		go func(r *Runner) {
			defer m.wg.Done()
			r.Run(runCtx)
		}(r)
	}

	m.wg.Add(1)
	go m.replayBufferedBatches(runCtx)

	select {
	case <-ctx.Done():
		m.log.Info("context cancelled, stopping manager")
	case <-m.stopCh:
		m.log.Info("stop signal received, stopping manager")
	}
}

// Stop signals Start to return, waits for running cycles to finish and
// closes the task sources.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	for _, r := range m.runners {
		if err := r.Close(); err != nil {
			m.log.Error("failed to close source", slog.String("task", r.Name()), sl.Err(err))
		}
	}
}

func (m *Manager) Statuses() []Status {
	out := make([]Status, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r.Status())
	}
	return out
}

func (m *Manager) replayBufferedBatches(ctx context.Context) {
	defer m.wg.Done()

	if m.buffer == nil {
		return
	}

	interval := m.bufCfg.ReplayInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReplayBuffered(ctx)
		}
	}
}

// ReplayBuffered publishes spooled batches oldest first, stopping at the
// first failure so order is kept. It returns how many batches were sent.
func (m *Manager) ReplayBuffered(ctx context.Context) int {
	if m.buffer == nil {
		return 0
	}

	limit := m.bufCfg.BatchSize
	if limit <= 0 {
		limit = 50
	}
	pending, err := m.buffer.GetPending(ctx, limit)
	if err != nil {
		m.log.Error("failed to get pending batches from buffer", sl.Err(err))
		return 0
	}

	if len(pending) == 0 {
		return 0
	}

	m.log.Info("replaying buffered batches", slog.Int("count", len(pending)))

	var sentIDs []string
	for _, batch := range pending {
		if _, err := m.pub.Publish(ctx, batch); err != nil {
			m.log.Debug("failed to publish buffered batch",
				slog.String("id", batch.ID),
				sl.Err(err),
			)
			break
		}
		sentIDs = append(sentIDs, batch.ID)
	}

	if len(sentIDs) > 0 {
		if err := m.buffer.MarkSent(ctx, sentIDs); err != nil {
			m.log.Error("failed to mark buffered batches as sent", sl.Err(err))
		} else {
			m.log.Info("buffered batches published", slog.Int("count", len(sentIDs)))
		}
	}

	if m.bufCfg.MaxAge > 0 {
		if err := m.buffer.Cleanup(ctx, m.bufCfg.MaxAge); err != nil {
			m.log.Error("failed to cleanup old buffered batches", sl.Err(err))
		}
	}
	return len(sentIDs)
}
