// Package buffer spools cycle batches that could not be published so they
// can be replayed once the repository is reachable again.
package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/model"
)

type Buffer interface {
	Store(ctx context.Context, batch *model.Batch) error
	GetPending(ctx context.Context, limit int) ([]*model.Batch, error)
	MarkSent(ctx context.Context, ids []string) error
	Cleanup(ctx context.Context, maxAge time.Duration) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

var _ Buffer = (*SQLiteBuffer)(nil)

type SQLiteBuffer struct {
	log *slog.Logger
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteBuffer(log *slog.Logger, dbPath string) (*SQLiteBuffer, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	buf := &SQLiteBuffer{
		log: log,
		db:  db,
		now: time.Now,
	}

	if err := buf.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return buf, nil
}

func (b *SQLiteBuffer) migrate() error {
	query := `
		CREATE TABLE IF NOT EXISTS spool (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			task TEXT NOT NULL,
			cycle INTEGER NOT NULL,
			objects INTEGER NOT NULL,
			batch_json TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_spool_created_at ON spool(created_at);
	`
	_, err := b.db.Exec(query)
	return err
}

func (b *SQLiteBuffer) Store(ctx context.Context, batch *model.Batch) error {
	data, err := batch.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	query := `
		INSERT INTO spool (id, task, cycle, objects, batch_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err = b.db.ExecContext(ctx, query,
		batch.ID,
		batch.Task,
		batch.Cycle,
		len(batch.Objects),
		string(data),
		b.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to store batch: %w", err)
	}

	b.log.Debug("batch stored in buffer", slog.String("id", batch.ID), slog.String("task", batch.Task))
	return nil
}

// GetPending returns spooled batches oldest first, so replays keep the
// order the cycles produced them in.
func (b *SQLiteBuffer) GetPending(ctx context.Context, limit int) ([]*model.Batch, error) {
	query := `
		SELECT id, batch_json
		FROM spool
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := b.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending batches: %w", err)
	}
	defer rows.Close()

	var batches []*model.Batch
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			b.log.Error("failed to scan row", sl.Err(err))
			continue
		}

		batch, err := model.BatchFromJSON([]byte(data))
		if err != nil {
			b.log.Error("failed to unmarshal batch", slog.String("id", id), sl.Err(err))
			continue
		}
		batches = append(batches, batch)
	}

	return batches, rows.Err()
}

func (b *SQLiteBuffer) MarkSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM spool WHERE id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("failed to delete batch %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.log.Debug("marked batches as sent", slog.Int("count", len(ids)))
	return nil
}

func (b *SQLiteBuffer) Cleanup(ctx context.Context, maxAge time.Duration) error {
	cutoff := b.now().UTC().Add(-maxAge).UnixMilli()

	result, err := b.db.ExecContext(ctx, "DELETE FROM spool WHERE created_at < ?", cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup old batches: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		b.log.Warn("dropped expired buffered batches", slog.Int64("deleted", deleted))
	}

	return nil
}

func (b *SQLiteBuffer) Close() error {
	return b.db.Close()
}

func (b *SQLiteBuffer) Count(ctx context.Context) (int64, error) {
	var count int64
	err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM spool").Scan(&count)
	return count, err
}
