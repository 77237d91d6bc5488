// Package lock serialises case-open attempts per transaction.
//
// The repository's unique index already guarantees at most one case per
// transaction; the lock keeps concurrent rescoring on different replicas
// from racing for it and producing noisy conflict paths.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained means the lock stayed held for the whole retry window.
var ErrNotObtained = errors.New("lock not obtained")

// Locker acquires a named lock and returns its release func.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// New creates a locker from configuration. A redis locker reuses client
// when non-nil, otherwise it dials cfg.RedisAddr.
func New(cfg domain.LockConfig, client *redis.Client) (Locker, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocal(), nil
	case "redis":
		if client == nil {
			client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		}
		return NewRedis(client, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", cfg.Type)
	}
}

// Key scopes a lock to a tenant's transaction.
func Key(tenantID, txID string) string {
	return "harrier:case-open:" + tenantID + ":" + txID
}

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*localEntry)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, e)
		return nil, fmt.Errorf("%w: %w", ErrNotObtained, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.drop(key, e)
		})
	}, nil
}

func (l *Local) drop(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Redis is a distributed lock backed by bsm/redislock.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewRedis creates a distributed locker.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: redislock.New(client), ttl: ttl}
}

// Lock retries with linear backoff until the lock is obtained, ctx is done
// or the TTL elapses.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	retries := int(r.ttl / (50 * time.Millisecond))
	lock, err := r.client.Obtain(ctx, key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock: %w", err)
	}

	return func() {
		// Release with a fresh context so a cancelled request still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}, nil
}
