package locking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/leasestore/blockingio"
	"github.com/ruteri/leasestore/interfaces"
)

// compare-and-delete: only the owner may remove the key
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compare-and-extend: only the owner may push the expiry
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock implements interfaces.LockStrategy with SET NX PX. The key's TTL
// is the lease, so Redis itself expires abandoned locks.
type RedisLock struct {
	client    redis.UniversalClient
	keyPrefix string
	opts      Options
	log       *slog.Logger
}

// NewRedisLock creates a Redis lock strategy. Keys are keyPrefix + resource.
func NewRedisLock(client redis.UniversalClient, keyPrefix string, opts Options) (*RedisLock, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: redis lock requires a client", interfaces.ErrConfiguration)
	}
	return &RedisLock{
		client:    client,
		keyPrefix: keyPrefix,
		opts:      opts,
		log:       opts.Log.With(slog.String("lock_strategy", "redis")),
	}, nil
}

// Name returns the strategy identifier.
func (l *RedisLock) Name() string {
	return "redis"
}

// Acquire implements interfaces.LockStrategy.
func (l *RedisLock) Acquire(ctx context.Context, resource string, timeout time.Duration) (*interfaces.LockHandle, error) {
	return acquire(ctx, l.opts, l.Name(), resource, timeout, func(ctx context.Context) (*interfaces.LockHandle, error) {
		handle := l.opts.newHandle(resource, time.Now())
		ok, err := blockingio.Call(ctx, l.opts.Executor, func() (bool, error) {
			return l.client.SetNX(ctx, l.key(resource), handle.Owner, handle.Lease).Result()
		})
		if err != nil {
			return nil, fmt.Errorf("%w: redis SET NX: %v", interfaces.ErrIO, err)
		}
		if !ok {
			return nil, nil
		}
		return handle, nil
	})
}

// Renew implements interfaces.LockStrategy.
func (l *RedisLock) Renew(ctx context.Context, handle *interfaces.LockHandle) error {
	now := time.Now()
	if handle.Expired(now) {
		return fmt.Errorf("%w: %q lease expired at %s", interfaces.ErrLockNotHeld, handle.Resource, handle.ExpiresAt)
	}
	n, err := blockingio.Call(ctx, l.opts.Executor, func() (int64, error) {
		return renewScript.Run(ctx, l.client, []string{l.key(handle.Resource)}, handle.Owner, handle.Lease.Milliseconds()).Int64()
	})
	if err != nil {
		return fmt.Errorf("%w: redis renew: %v", interfaces.ErrIO, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", interfaces.ErrLockNotHeld, handle.Resource)
	}
	handle.ExpiresAt = now.Add(handle.Lease)
	return nil
}

// Release implements interfaces.LockStrategy.
func (l *RedisLock) Release(ctx context.Context, handle *interfaces.LockHandle) error {
	n, err := blockingio.Call(ctx, l.opts.Executor, func() (int64, error) {
		return releaseScript.Run(ctx, l.client, []string{l.key(handle.Resource)}, handle.Owner).Int64()
	})
	if err != nil {
		return fmt.Errorf("%w: redis release: %v", interfaces.ErrIO, err)
	}
	if n == 0 {
		l.log.Debug("Redis lock already expired or reclaimed", slog.String("resource", handle.Resource))
	}
	return nil
}

func (l *RedisLock) key(resource string) string {
	return l.keyPrefix + resource
}
