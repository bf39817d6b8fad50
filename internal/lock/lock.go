// Package lock keeps periodic passes from running on more than one instance
// at a time.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
)

type Locker interface {
	// TryLock reports whether the lock was taken. It never blocks waiting for
	// another holder.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
	Close() error
}

// New builds the locker selected by cfg.
func New(log *slog.Logger, cfg config.LockConfig) (Locker, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedisLocker(log, cfg)
	case "local", "":
		return NewLocalLocker(), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// WithLock runs fn while holding key. It returns false without calling fn when
// another holder has the lock.
func WithLock(ctx context.Context, log *slog.Logger, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	locked, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !locked {
		log.Debug("lock held elsewhere, skipping", slog.String("key", key))
		return false, nil
	}

	defer func() {
		if err := l.Unlock(context.WithoutCancel(ctx), key); err != nil {
			log.Error("failed to release lock", slog.String("key", key), sl.Err(err))
		}
	}()

	return true, fn(ctx)
}

// LocalLocker serializes passes within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return false, nil
	}
	l.held[key] = now.Add(ttl)
	return true, nil
}

func (l *LocalLocker) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

func (l *LocalLocker) Close() error {
	return nil
}

const keyPrefix = "qcflow:lock:"

// Release only when the key still holds our owner id.
var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisLocker coordinates instances through SET NX with expiry.
type RedisLocker struct {
	log    *slog.Logger
	client *redis.Client
	owner  string
}

func NewRedisLocker(log *slog.Logger, cfg config.LockConfig) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	l := &RedisLocker{
		log:    log,
		client: client,
		owner:  uuid.New().String(),
	}
	log.Info("redis lock ready", slog.String("addr", cfg.RedisAddr), slog.String("owner", l.owner))
	return l, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set lock key: %w", err)
	}
	return ok, nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key string) error {
	n, err := unlockScript.Run(ctx, l.client, []string{keyPrefix + key}, l.owner).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock key: %w", err)
	}
	if n == 0 {
		l.log.Warn("lock expired or taken over before release", slog.String("key", key))
	}
	return nil
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
