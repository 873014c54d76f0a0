package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/farxc/disbursement/internal/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) *RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb, Options{Expiry: 5 * time.Second, Tries: 200, RetryDelay: 5 * time.Millisecond}, logger.Nop())
}

// assertMutualExclusion runs n goroutines under the same key and checks no
// two ever overlap.
func assertMutualExclusion(t *testing.T, l Locker, n int) {
	t.Helper()
	var inside, maxInside, runs int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "payment-plan:1", func(ctx context.Context) error {
				cur := atomic.AddInt32(&inside, 1)
				for {
					old := atomic.LoadInt32(&maxInside)
					if cur <= old || atomic.CompareAndSwapInt32(&maxInside, old, cur) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				atomic.AddInt32(&runs, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(n), runs)
	assert.Equal(t, int32(1), maxInside, "critical sections overlapped")
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	assertMutualExclusion(t, NewLocalLocker(), 20)
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	assertMutualExclusion(t, newRedisLocker(t), 5)
}

func TestLocalLocker_ReturnsFnError(t *testing.T) {
	boom := errors.New("boom")
	err := NewLocalLocker().WithLock(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRedisLocker_ReturnsFnError(t *testing.T) {
	boom := errors.New("boom")
	err := newRedisLocker(t).WithLock(context.Background(), "k", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestRedisLocker_ExtendsWhileHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := NewRedisLocker(rdb, Options{Expiry: 200 * time.Millisecond, Tries: 1, RetryDelay: 5 * time.Millisecond}, logger.Nop())

	err := l.WithLock(context.Background(), "k", func(ctx context.Context) error {
		for i := 0; i < 3; i++ {
			mr.FastForward(150 * time.Millisecond)
			time.Sleep(180 * time.Millisecond)
		}
		assert.True(t, mr.Exists("lock:k"), "lock outlived its expiry")

		other := NewRedisLocker(rdb, Options{Expiry: time.Second, Tries: 1, RetryDelay: 5 * time.Millisecond}, logger.Nop())
		assert.Error(t, other.WithLock(ctx, "k", func(context.Context) error { return nil }))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:k"), "released after fn")
}

func TestLocalLocker_ContextCancelledWhileWaiting(t *testing.T) {
	l := NewLocalLocker()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "k", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.WithLock(ctx, "k", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestLocalLocker_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewLocalLocker()
	err := l.WithLock(context.Background(), "a", func(ctx context.Context) error {
		return l.WithLock(ctx, "b", func(context.Context) error { return nil })
	})
	assert.NoError(t, err)
	assert.Empty(t, l.locks)
}

func TestEmptyKey(t *testing.T) {
	err := NewLocalLocker().WithLock(context.Background(), " ", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestKeys(t *testing.T) {
	id := uuid.MustParse("7b1b7d6e-5d0e-4c3e-9a7a-0f5b1d1c2a33")
	assert.Equal(t, "payment-plan:7b1b7d6e-5d0e-4c3e-9a7a-0f5b1d1c2a33", PaymentPlanKey(id))
	assert.Equal(t, "verification-summary:7b1b7d6e-5d0e-4c3e-9a7a-0f5b1d1c2a33", VerificationSummaryKey(id))
}
