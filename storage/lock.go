package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ruteri/leasestore/interfaces"
)

// lockable is embedded by every backend to own its lock strategy.
type lockable struct {
	strategy interfaces.LockStrategy
}

// SetLockStrategy attaches the strategy used by Lock. It must be called
// before the backend is shared; the factory does this during construction.
func (l *lockable) SetLockStrategy(strategy interfaces.LockStrategy) {
	l.strategy = strategy
}

// LockStrategy returns the attached strategy, or nil.
func (l *lockable) LockStrategy() interfaces.LockStrategy {
	return l.strategy
}

// Lock acquires resource through the attached strategy.
func (l *lockable) Lock(ctx context.Context, resource string, timeout time.Duration) (*interfaces.Lease, error) {
	if l.strategy == nil {
		return nil, fmt.Errorf("%w: backend has no lock strategy", interfaces.ErrConfiguration)
	}
	handle, err := l.strategy.Acquire(ctx, resource, timeout)
	if err != nil {
		return nil, err
	}
	return interfaces.NewLease(handle, l.strategy), nil
}

// WithLock runs fn while holding resource and releases the lease on every
// exit path, panics included. fn's error takes precedence over a release
// error.
func WithLock(ctx context.Context, backend interfaces.StorageBackend, resource string, timeout time.Duration, fn func(ctx context.Context, lease *interfaces.Lease) error) (err error) {
	lease, err := backend.Lock(ctx, resource, timeout)
	if err != nil {
		return err
	}
	defer func() {
		// release even if ctx was canceled inside fn
		releaseErr := lease.Release(context.WithoutCancel(ctx))
		if err == nil && releaseErr != nil {
			err = fmt.Errorf("failed to release %q: %w", resource, releaseErr)
		}
	}()
	return fn(ctx, lease)
}
