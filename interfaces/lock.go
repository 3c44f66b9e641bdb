package interfaces

import (
	"context"
	"sync"
	"time"
)

// LockHandle describes an exclusive claim on a resource name.
type LockHandle struct {
	Resource   string
	Owner      string
	AcquiredAt time.Time
	Lease      time.Duration
	ExpiresAt  time.Time

	// Version is the medium-specific revision of the lock entry (an ETag, a
	// KV version) used for compare-and-swap on renew and release.
	Version string
}

// Expired reports whether the lease has run out at now.
func (h *LockHandle) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// Lease binds a LockHandle to the strategy that issued it. A Lease belongs to
// the call stack that acquired it and must not be shared between goroutines
// that race on Release and Renew.
type Lease struct {
	*LockHandle

	strategy LockStrategy
	mu       sync.Mutex
	released bool
}

// NewLease wraps handle so it can be renewed and released through strategy.
func NewLease(handle *LockHandle, strategy LockStrategy) *Lease {
	return &Lease{LockHandle: handle, strategy: strategy}
}

// Renew extends the lease.
func (l *Lease) Renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrLockNotHeld
	}
	return l.strategy.Renew(ctx, l.LockHandle)
}

// Release ends the lease. Calling Release more than once is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	return l.strategy.Release(ctx, l.LockHandle)
}

// Strategy returns the strategy that issued the lease.
func (l *Lease) Strategy() LockStrategy {
	return l.strategy
}
