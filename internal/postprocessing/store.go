package postprocessing

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/speedwagon-io/qcflow/internal/model"
)

// TrendStore keeps trend points keyed by (task, metric, timestamp).
type TrendStore interface {
	// Upsert writes p and reports whether the stored point changed.
	Upsert(task, metric string, p model.TrendPoint) (bool, error)
	Series(task, metric string) ([]model.TrendPoint, error)
	// Before returns the newest point strictly older than ts.
	Before(task, metric string, ts int64) (model.TrendPoint, bool, error)
	Close() error
}

type StoreConfig struct {
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

var _ TrendStore = (*BadgerTrendStore)(nil)

type BadgerTrendStore struct {
	db *badger.DB
}

func OpenTrendStore(cfg StoreConfig) (*BadgerTrendStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent trend store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create trend store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open trend store: %w", err)
	}
	return &BadgerTrendStore{db: db}, nil
}

// Keys are task NUL metric NUL timestamp, the timestamp big-endian with the
// sign bit flipped so iteration order is time order.
func seriesPrefix(task, metric string) []byte {
	return []byte("trend\x00" + task + "\x00" + metric + "\x00")
}

func pointKey(task, metric string, ts int64) []byte {
	key := seriesPrefix(task, metric)
	return binary.BigEndian.AppendUint64(key, uint64(ts)^(1<<63))
}

func (s *BadgerTrendStore) Upsert(task, metric string, p model.TrendPoint) (bool, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("failed to marshal trend point: %w", err)
	}
	key := pointKey(task, metric, p.Timestamp)

	changed := true
	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			same := false
			if err := item.Value(func(v []byte) error {
				same = string(v) == string(data)
				return nil
			}); err != nil {
				return err
			}
			if same {
				changed = false
				return nil
			}
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert trend point: %w", err)
	}
	return changed, nil
}

func (s *BadgerTrendStore) Series(task, metric string) ([]model.TrendPoint, error) {
	prefix := seriesPrefix(task, metric)
	var out []model.TrendPoint

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p model.TrendPoint
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &p)
			}); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read trend series: %w", err)
	}
	return out, nil
}

func (s *BadgerTrendStore) Before(task, metric string, ts int64) (model.TrendPoint, bool, error) {
	prefix := seriesPrefix(task, metric)
	var (
		p     model.TrendPoint
		found bool
	)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode Seek lands on the last key <= the seek key.
		seek := pointKey(task, metric, ts)
		it.Seek(seek)
		if it.Valid() && bytes.Equal(it.Item().Key(), seek) {
			it.Next()
		}
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, &p)
		})
	})
	if err != nil {
		return model.TrendPoint{}, false, fmt.Errorf("failed to read previous trend point: %w", err)
	}
	return p, found, nil
}

func (s *BadgerTrendStore) Close() error {
	return s.db.Close()
}
