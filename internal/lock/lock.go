// Package lock serialises work on a single aggregate (a payment plan, a
// verification plan) across goroutines and service instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/farxc/disbursement/internal/logger"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

var ErrEmptyKey = errors.New("lock key cannot be empty")

// Locker runs fn while holding the lock named key. fn's error is returned
// unchanged.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

func PaymentPlanKey(id fmt.Stringer) string { return "payment-plan:" + id.String() }

// VerificationSummaryKey serialises every campaign of one parent batch.
func VerificationSummaryKey(parent fmt.Stringer) string {
	return "verification-summary:" + parent.String()
}

type Options struct {
	Expiry     time.Duration
	Tries      int
	RetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		Expiry:     30 * time.Second,
		Tries:      20,
		RetryDelay: 250 * time.Millisecond,
	}
}

// RedisLocker is a redlock-based Locker shared by every API and worker
// process pointed at the same Redis.
type RedisLocker struct {
	rs   *redsync.Redsync
	opts Options
	log  *logger.Logger
}

func NewRedisLocker(rdb redis.UniversalClient, opts Options, log *logger.Logger) *RedisLocker {
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(rdb)),
		opts: opts,
		log:  log,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	mutex := l.rs.NewMutex(
		"lock:"+key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	l.log.Debug("LOCK", "acquired %s", key)

	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			l.log.Error("LOCK", "failed to release %s: ok=%v err=%v", key, ok, err)
		}
	}()
	defer l.keepAlive(ctx, mutex, key)()

	return fn(ctx)
}

// keepAlive extends mutex every half expiry until the returned stop is
// called, so jobs that outlast Expiry keep the lock.
func (l *RedisLocker) keepAlive(ctx context.Context, mutex *redsync.Mutex, key string) (stop func()) {
	interval := l.opts.Expiry / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if ok, err := mutex.ExtendContext(context.WithoutCancel(ctx)); !ok || err != nil {
					l.log.Warn("LOCK", "failed to extend %s: ok=%v err=%v", key, ok, err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// LocalLocker is an in-process keyed mutex for single-instance deployments
// and tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*entry)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	defer l.release(key, e)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("failed to acquire lock %s: %w", key, ctx.Err())
	}
	defer func() { <-e.ch }()

	return fn(ctx)
}

func (l *LocalLocker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
