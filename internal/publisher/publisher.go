// Package publisher writes the output of task cycles to the repository.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/speedwagon-io/qcflow/internal/metrics"
	"github.com/speedwagon-io/qcflow/internal/model"
	"github.com/speedwagon-io/qcflow/internal/repository"
)

type Publisher interface {
	// Publish stores every object of the batch or none of them.
	Publish(ctx context.Context, batch *model.Batch) ([]uint64, error)
	Health(ctx context.Context) error
}

type RepositoryPublisher struct {
	log *slog.Logger
	db  repository.Database
}

func NewRepositoryPublisher(log *slog.Logger, db repository.Database) *RepositoryPublisher {
	return &RepositoryPublisher{log: log, db: db}
}

func (p *RepositoryPublisher) Publish(ctx context.Context, batch *model.Batch) ([]uint64, error) {
	reqs := make([]repository.PutRequest, 0, len(batch.Objects))
	for _, mo := range batch.Objects {
		req, err := repository.MonitorObjectRequest(mo)
		if err != nil {
			return nil, fmt.Errorf("failed to encode batch %s: %w", batch.ID, err)
		}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		return nil, nil
	}

	versions, err := p.db.PutBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	metrics.ObjectsPublished.WithLabelValues(batch.Task).Add(float64(len(versions)))
	p.log.Debug("batch published",
		slog.String("id", batch.ID),
		slog.String("task", batch.Task),
		slog.Int64("cycle", batch.Cycle),
		slog.Int("objects", len(versions)),
	)
	return versions, nil
}

func (p *RepositoryPublisher) Health(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// LogPublisher logs batches instead of storing them (dry-run mode).
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, batch *model.Batch) ([]uint64, error) {
	versions := make([]uint64, len(batch.Objects))
	for i, mo := range batch.Objects {
		data, err := json.Marshal(mo)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal monitor object: %w", err)
		}

		p.log.Info("PUBLISH",
			slog.String("task", batch.Task),
			slog.Int64("cycle", batch.Cycle),
			slog.String("path", mo.Path),
			slog.String("kind", mo.Payload.Kind()),
			slog.Int64("run", mo.Activity.Run),
			slog.String("payload", string(data)),
		)
	}
	return versions, nil
}

func (p *LogPublisher) Health(ctx context.Context) error {
	return nil
}
