package repository

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/speedwagon-io/qcflow/internal/config"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRemote   = "remote"
)

// Open builds the configured backend wrapped in the standard decorators:
// timeout, retry on unavailability, then metrics.
func Open(log *slog.Logger, cfg config.RepositoryConfig) (Database, error) {
	var (
		db  Database
		err error
	)

	switch cfg.Backend {
	case BackendMemory, "":
		db = NewMemoryDatabase()
	case BackendSQLite:
		db, err = NewSQLiteDatabase(log, cfg.Path)
	case BackendPostgres:
		db, err = NewPostgresDatabase(log, cfg.DSN)
	case BackendRemote:
		db = NewRemoteDatabase(log, cfg.URL, RemoteOptions{
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
			Token:     cfg.Token,
		})
	default:
		return nil, fmt.Errorf("unknown repository backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s repository: %w", cfg.Backend, err)
	}

	backend := cfg.Backend
	if backend == "" {
		backend = BackendMemory
	}

	db = WithTimeout(db, cfg.Timeout)
	if cfg.Retry.MaxAttempts > 1 {
		db = NewRetrying(log, db, cfg.Retry.MaxAttempts, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)
	}
	db = NewInstrumented(db, backend)

	log.Info("repository opened", slog.String("backend", backend), slog.Duration("timeout", cfg.Timeout))
	return db, nil
}

// DefaultTimeout is used by the CLI when no configuration is loaded.
const DefaultTimeout = 10 * time.Second
