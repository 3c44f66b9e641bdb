package locking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/ruteri/leasestore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisLock(t *testing.T, opts Options) (*RedisLock, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l, err := NewRedisLock(client, "lock:", opts)
	require.NoError(t, err)
	return l, mr
}

func TestRedisLock(t *testing.T) {
	runStrategyContract(t, func(t *testing.T, opts Options) interfaces.LockStrategy {
		l, _ := newTestRedisLock(t, opts)
		return l
	})
}

func TestRedisLock_StoresOwnerWithLeaseTTL(t *testing.T) {
	l, mr := newTestRedisLock(t, testOptions(5*time.Second, time.Second))
	ctx := context.Background()

	h, err := l.Acquire(ctx, "session:42", 0)
	require.NoError(t, err)

	owner, err := mr.Get("lock:session:42")
	require.NoError(t, err)
	assert.Equal(t, h.Owner, owner)
	assert.Equal(t, 5*time.Second, mr.TTL("lock:session:42"))

	require.NoError(t, l.Release(ctx, h))
	assert.False(t, mr.Exists("lock:session:42"))
}

func TestRedisLock_StaleRecovery(t *testing.T) {
	const lease = 300 * time.Millisecond
	l, mr := newTestRedisLock(t, testOptions(lease, 2*time.Second))
	ctx := context.Background()

	crashed, err := l.Acquire(ctx, "session:42", 0)
	require.NoError(t, err)

	// not before the lease has elapsed
	_, err = l.Acquire(ctx, "session:42", 100*time.Millisecond)
	require.ErrorIs(t, err, interfaces.ErrLockAcquisition)

	type result struct {
		h   *interfaces.LockHandle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := l.Acquire(ctx, "session:42", 0)
		done <- result{h, err}
	}()

	time.Sleep(lease)
	mr.FastForward(lease)

	r := <-done
	require.NoError(t, r.err)
	assert.NotEqual(t, crashed.Owner, r.h.Owner)

	// the crashed holder neither renews nor releases the new holder's lock
	assert.ErrorIs(t, l.Renew(ctx, crashed), interfaces.ErrLockNotHeld)
	require.NoError(t, l.Release(ctx, crashed))
	owner, err := mr.Get("lock:session:42")
	require.NoError(t, err)
	assert.Equal(t, r.h.Owner, owner)
}

func TestRedisLock_RenewResetsTTL(t *testing.T) {
	l, mr := newTestRedisLock(t, testOptions(2*time.Second, time.Second))
	ctx := context.Background()

	h, err := l.Acquire(ctx, "renew-me", 0)
	require.NoError(t, err)

	mr.FastForward(1500 * time.Millisecond)
	require.NoError(t, l.Renew(ctx, h))
	assert.Equal(t, 2*time.Second, mr.TTL("lock:renew-me"))
}

func TestRedisLock_MediumFailure(t *testing.T) {
	l, mr := newTestRedisLock(t, testOptions(time.Second, 100*time.Millisecond))
	mr.Close()

	_, err := l.Acquire(context.Background(), "down", 0)
	assert.ErrorIs(t, err, interfaces.ErrLockAcquisition)
}

func TestNewRedisLock_RequiresClient(t *testing.T) {
	_, err := NewRedisLock(nil, "", testOptions(time.Second, time.Second))
	assert.ErrorIs(t, err, interfaces.ErrConfiguration)
}
