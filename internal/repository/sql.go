package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/model"
)

var _ Database = (*SQLDatabase)(nil)

type dialect struct {
	name       string
	driver     string
	schema     string
	lockPath   string
	dollarArgs bool
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite3",
	schema: `
		CREATE TABLE IF NOT EXISTS objects (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			version INTEGER NOT NULL,
			valid_from INTEGER NOT NULL,
			valid_to INTEGER NOT NULL,
			meta_json TEXT NOT NULL,
			object_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			checksum TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(path, version)
		);
		CREATE INDEX IF NOT EXISTS idx_objects_path_validity ON objects(path, valid_from, valid_to);
	`,
}

var postgresDialect = dialect{
	name:   "postgres",
	driver: "postgres",
	schema: `
		CREATE TABLE IF NOT EXISTS objects (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			version BIGINT NOT NULL,
			valid_from BIGINT NOT NULL,
			valid_to BIGINT NOT NULL,
			meta_json TEXT NOT NULL,
			object_type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			checksum TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE(path, version)
		);
		CREATE INDEX IF NOT EXISTS idx_objects_path_validity ON objects(path, valid_from, valid_to);
	`,
	lockPath:   "SELECT pg_advisory_xact_lock(hashtext(?))",
	dollarArgs: true,
}

// rebind rewrites ? placeholders to $n for dialects that need it.
func (d dialect) rebind(query string) string {
	if !d.dollarArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLDatabase is the relational backend.
type SQLDatabase struct {
	log     *slog.Logger
	db      *sql.DB
	dialect dialect
	now     func() int64
}

// NewSQLiteDatabase opens (and creates) an SQLite repository at dbPath.
// Writes take the database lock at BEGIN, serialising version assignment.
func NewSQLiteDatabase(log *slog.Logger, dbPath string) (*SQLDatabase, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create repository directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	return newSQLDatabase(log, db, sqliteDialect)
}

// NewPostgresDatabase opens a postgres repository using a lib/pq DSN.
func NewPostgresDatabase(log *slog.Logger, dsn string) (*SQLDatabase, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newSQLDatabase(log, db, postgresDialect)
}

func newSQLDatabase(log *slog.Logger, db *sql.DB, d dialect) (*SQLDatabase, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLDatabase{
		log:     log,
		db:      db,
		dialect: d,
		now:     nowMillis,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *SQLDatabase) migrate() error {
	_, err := s.db.Exec(s.dialect.schema)
	return err
}

func (s *SQLDatabase) unavailable(op, path string, err error) error {
	return &model.StoreUnavailableError{Backend: s.dialect.name, Op: op, Path: path, Err: err}
}

func (s *SQLDatabase) Put(ctx context.Context, req PutRequest) (uint64, error) {
	versions, err := s.PutBatch(ctx, []PutRequest{req})
	if err != nil {
		return 0, err
	}
	return versions[0], nil
}

func (s *SQLDatabase) PutBatch(ctx context.Context, reqs []PutRequest) ([]uint64, error) {
	items, err := prepareAll(reqs)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []uint64{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.unavailable("put", items[0].Path, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx, s.dialect.rebind(`
		INSERT INTO objects (id, path, version, valid_from, valid_to, meta_json, object_type, payload, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return nil, s.unavailable("put", items[0].Path, fmt.Errorf("failed to prepare statement: %w", err))
	}
	defer insert.Close()

	out := make([]uint64, len(items))
	next := make(map[string]uint64)
	createdAt := s.now()

	for i, it := range items {
		version, ok := next[it.Path]
		if !ok {
			if s.dialect.lockPath != "" {
				if _, err := tx.ExecContext(ctx, s.dialect.rebind(s.dialect.lockPath), it.Path); err != nil {
					return nil, s.unavailable("put", it.Path, err)
				}
			}
			var current int64
			row := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT COALESCE(MAX(version), 0) FROM objects WHERE path = ?`), it.Path)
			if err := row.Scan(&current); err != nil {
				return nil, s.unavailable("put", it.Path, fmt.Errorf("failed to read current version: %w", err))
			}
			version = uint64(current)
		}
		version++
		next[it.Path] = version

		metaJSON, err := json.Marshal(it.Meta)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal meta: %w", err)
		}

		_, err = insert.ExecContext(ctx,
			uuid.New().String(),
			it.Path,
			int64(version),
			it.Validity.From,
			it.Validity.To,
			string(metaJSON),
			it.ObjectType,
			it.Payload,
			it.checksum,
			createdAt,
		)
		if err != nil {
			return nil, s.unavailable("put", it.Path, fmt.Errorf("failed to insert version %d: %w", version, err))
		}
		out[i] = version
	}

	if err := tx.Commit(); err != nil {
		return nil, s.unavailable("put", items[0].Path, fmt.Errorf("failed to commit transaction: %w", err))
	}

	s.log.Debug("objects stored", slog.Int("count", len(items)), slog.String("first_path", items[0].Path))
	return out, nil
}

const entryColumns = `id, path, version, valid_from, valid_to, meta_json, object_type, checksum, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInfo(row rowScanner, extra ...any) (VersionInfo, error) {
	var (
		info     VersionInfo
		version  int64
		metaJSON string
	)
	dest := []any{&info.ID, &info.Path, &version, &info.Validity.From, &info.Validity.To,
		&metaJSON, &info.ObjectType, &info.Checksum, &info.CreatedAt}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return VersionInfo{}, err
	}
	info.Version = uint64(version)

	var meta model.Metadata
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return VersionInfo{}, fmt.Errorf("failed to unmarshal meta: %w", err)
	}
	normalized, err := meta.Normalize()
	if err != nil {
		return VersionInfo{}, err
	}
	info.Meta = normalized
	return info, nil
}

func (s *SQLDatabase) queryEntry(ctx context.Context, op, path, query string, args ...any) (*Entry, error) {
	var payload []byte
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
	info, err := scanInfo(row, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, s.unavailable(op, path, err)
	}
	return &Entry{VersionInfo: info, Payload: payload}, nil
}

func (s *SQLDatabase) Get(ctx context.Context, path string, at int64) (*Entry, error) {
	return s.queryEntry(ctx, "get", path, `
		SELECT `+entryColumns+`, payload
		FROM objects
		WHERE path = ? AND valid_from <= ? AND valid_to > ?
		ORDER BY version DESC
		LIMIT 1
	`, path, at, at)
}

func (s *SQLDatabase) GetLatest(ctx context.Context, path string) (*Entry, error) {
	return s.queryEntry(ctx, "get_latest", path, `
		SELECT `+entryColumns+`, payload
		FROM objects
		WHERE path = ?
		ORDER BY version DESC
		LIMIT 1
	`, path)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQLDatabase) List(ctx context.Context, prefix string) (iter.Seq[string], error) {
	query := `SELECT DISTINCT path FROM objects ORDER BY path`
	var args []any
	if prefix != "" {
		pattern := escapeLike(prefix) + "%"
		if !strings.HasSuffix(prefix, "/") {
			pattern = escapeLike(prefix) + "/%"
		}
		query = `SELECT DISTINCT path FROM objects WHERE path = ? OR path LIKE ? ESCAPE '\' ORDER BY path`
		args = []any{prefix, pattern}
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, s.unavailable("list", prefix, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, s.unavailable("list", prefix, err)
		}
		// LIKE is case-insensitive on sqlite.
		if MatchPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.unavailable("list", prefix, err)
	}
	return seqOf(paths), nil
}

func (s *SQLDatabase) Versions(ctx context.Context, path string) ([]VersionInfo, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+entryColumns+`
		FROM objects
		WHERE path = ?
		ORDER BY version ASC
	`), path)
	if err != nil {
		return nil, s.unavailable("versions", path, err)
	}
	defer rows.Close()

	var out []VersionInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			s.log.Error("failed to scan version", slog.String("path", path), sl.Err(err))
			return nil, s.unavailable("versions", path, err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLDatabase) Delete(ctx context.Context, path string, olderThan int64) (int, error) {
	result, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM objects
		WHERE path = ? AND valid_to < ?
		  AND version < (SELECT MAX(version) FROM objects WHERE path = ?)
	`), path, olderThan, path)
	if err != nil {
		return 0, s.unavailable("delete", path, err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.log.Info("deleted expired versions", slog.String("path", path), slog.Int64("deleted", deleted))
	}
	return int(deleted), nil
}

func (s *SQLDatabase) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.unavailable("ping", "", err)
	}
	return nil
}

func (s *SQLDatabase) Close() error {
	return s.db.Close()
}
