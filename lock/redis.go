/*
Package lock provides a Redis-backed audit.Locker.

PURPOSE:
  Serializes night-audit runs across processes that share one Redis. The
  durable in-progress check in the audit store still applies; this lock
  makes the second process back off before it touches the database.

TTL & REFRESH:
  The lock is taken with a short TTL so a crashed holder frees it quickly,
  and refreshed in the background at TTL/2 while the run is going.

USAGE:
  locker, err := lock.NewRedisLockerFromURL(ctx, "redis://localhost:6379/0", 30*time.Second, logger)
  p := audit.NewPipeline(store, audit.WithLocker(locker))
*/
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/night-audit/audit"
)

const (
	DefaultTTL    = 30 * time.Second
	DefaultPrefix = "lock:"
)

// RedisLocker is an audit.Locker backed by redislock.
type RedisLocker struct {
	client *redislock.Client
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

var _ audit.Locker = (*RedisLocker)(nil)

// NewRedisLocker wraps rdb. A zero ttl means DefaultTTL.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		rdb:    rdb,
		ttl:    ttl,
		prefix: DefaultPrefix,
		logger: logger,
	}
}

// NewRedisLockerFromURL parses a redis:// URL and pings the server.
func NewRedisLockerFromURL(ctx context.Context, url string, ttl time.Duration, logger *zap.Logger) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return NewRedisLocker(rdb, ttl, logger), nil
}

// Obtain takes the lock for key without retrying. The returned release stops
// the refresher and frees the lock.
func (l *RedisLocker) Obtain(ctx context.Context, key string) (func(context.Context) error, error) {
	lk, err := l.client.Obtain(ctx, l.prefix+key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", audit.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain redis lock %s: %w", key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.refresh(lk, stop, done)

	release := func(ctx context.Context) error {
		close(stop)
		<-done
		if err := lk.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return fmt.Errorf("release redis lock %s: %w", key, err)
		}
		return nil
	}
	return release, nil
}

func (l *RedisLocker) refresh(lk *redislock.Lock, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := lk.Refresh(context.Background(), l.ttl, nil); err != nil {
				l.logger.Warn("refresh redis lock", zap.String("key", lk.Key()), zap.Error(err))
				return
			}
		}
	}
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}
