package locking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/ruteri/leasestore/blockingio"
	"github.com/ruteri/leasestore/interfaces"
)

// FileLock implements interfaces.LockStrategy with OS-level exclusive locks on
// one sentinel file per resource.
//
// Coordination is limited to processes sharing the host's filesystem. A
// crashed process drops its OS locks, so cross-process staleness resolves on
// its own; holders inside this process are reclaimed once their lease runs
// out. A live process elsewhere that outstays its lease cannot be evicted.
type FileLock struct {
	dir  string
	opts Options
	log  *slog.Logger

	mu   sync.Mutex
	held map[string]*fileHold
}

type fileHold struct {
	lock   *flock.Flock
	handle interfaces.LockHandle
}

type sentinelRecord struct {
	Resource  string    `json:"resource"`
	Owner     string    `json:"owner"`
	PID       int       `json:"pid"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFileLock creates a file lock strategy keeping sentinel files in dir.
func NewFileLock(dir string, opts Options) (*FileLock, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create lock directory: %v", interfaces.ErrConfiguration, err)
	}
	return &FileLock{
		dir:  dir,
		opts: opts,
		log:  opts.Log.With(slog.String("lock_strategy", "file")),
		held: make(map[string]*fileHold),
	}, nil
}

// Name returns the strategy identifier.
func (l *FileLock) Name() string {
	return "file"
}

// Acquire implements interfaces.LockStrategy.
func (l *FileLock) Acquire(ctx context.Context, resource string, timeout time.Duration) (*interfaces.LockHandle, error) {
	return acquire(ctx, l.opts, l.Name(), resource, timeout, func(ctx context.Context) (*interfaces.LockHandle, error) {
		return l.tryAcquire(ctx, resource)
	})
}

func (l *FileLock) tryAcquire(ctx context.Context, resource string) (*interfaces.LockHandle, error) {
	var stale *fileHold

	l.mu.Lock()
	if hold, ok := l.held[resource]; ok {
		if !hold.handle.Expired(time.Now()) {
			l.mu.Unlock()
			return nil, nil
		}
		delete(l.held, resource)
		stale = hold
	}
	l.mu.Unlock()

	if stale != nil {
		l.log.Warn("Reclaiming expired file lock",
			slog.String("resource", resource),
			slog.String("previous_owner", stale.handle.Owner),
			slog.Time("expired_at", stale.handle.ExpiresAt))
		if err := l.opts.Executor.Run(ctx, stale.lock.Unlock); err != nil {
			l.restore(resource, stale)
			return nil, fmt.Errorf("%w: failed to unlock stale sentinel: %v", interfaces.ErrIO, err)
		}
	}

	// Separate descriptors conflict under flock, so the OS lock alone keeps
	// two attempts in this process apart while l.mu is not held.
	path := l.sentinelPath(resource)
	fl := flock.New(path)
	locked, err := blockingio.Call(ctx, l.opts.Executor, fl.TryLock)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to lock %s: %v", interfaces.ErrIO, path, err)
	}
	if !locked {
		return nil, nil
	}

	handle := l.opts.newHandle(resource, time.Now())
	if err := l.writeRecord(ctx, path, handle); err != nil {
		// the record is informational; the OS lock is what counts
		l.log.Debug("Failed to write sentinel record", slog.String("path", path), "err", err)
	}

	l.mu.Lock()
	l.held[resource] = &fileHold{lock: fl, handle: *handle}
	l.mu.Unlock()
	return handle, nil
}

// restore puts back a stale hold whose unlock failed so a later attempt can
// retry the unlock instead of leaking the descriptor.
func (l *FileLock) restore(resource string, hold *fileHold) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[resource]; !ok {
		l.held[resource] = hold
	}
}

// Renew implements interfaces.LockStrategy.
func (l *FileLock) Renew(ctx context.Context, handle *interfaces.LockHandle) error {
	now := time.Now()

	l.mu.Lock()
	hold, ok := l.held[handle.Resource]
	if !ok || hold.handle.Owner != handle.Owner {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", interfaces.ErrLockNotHeld, handle.Resource)
	}
	if hold.handle.Expired(now) {
		delete(l.held, handle.Resource)
		l.mu.Unlock()
		if err := l.opts.Executor.Run(context.WithoutCancel(ctx), hold.lock.Unlock); err != nil {
			l.log.Warn("Failed to unlock expired file lock",
				slog.String("resource", handle.Resource), "err", err)
		}
		return fmt.Errorf("%w: %q lease expired at %s", interfaces.ErrLockNotHeld, handle.Resource, hold.handle.ExpiresAt)
	}
	hold.handle.ExpiresAt = now.Add(handle.Lease)
	renewed := hold.handle
	l.mu.Unlock()

	handle.ExpiresAt = renewed.ExpiresAt
	if err := l.writeRecord(ctx, l.sentinelPath(handle.Resource), &renewed); err != nil {
		l.log.Debug("Failed to refresh sentinel record", slog.String("resource", handle.Resource), "err", err)
	}
	return nil
}

// Release implements interfaces.LockStrategy.
func (l *FileLock) Release(ctx context.Context, handle *interfaces.LockHandle) error {
	l.mu.Lock()
	hold, ok := l.held[handle.Resource]
	if !ok || hold.handle.Owner != handle.Owner {
		l.mu.Unlock()
		l.log.Debug("File lock already reclaimed", slog.String("resource", handle.Resource))
		return nil
	}
	delete(l.held, handle.Resource)
	l.mu.Unlock()

	// Sentinel files are never removed: unlinking a file another process
	// has open would let two holders lock different inodes.
	err := l.opts.Executor.Run(ctx, hold.lock.Unlock)
	if err != nil {
		return fmt.Errorf("%w: failed to unlock %q: %v", interfaces.ErrIO, handle.Resource, err)
	}
	return nil
}

func (l *FileLock) writeRecord(ctx context.Context, path string, handle *interfaces.LockHandle) error {
	data, err := json.Marshal(sentinelRecord{
		Resource:  handle.Resource,
		Owner:     handle.Owner,
		PID:       os.Getpid(),
		ExpiresAt: handle.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return l.opts.Executor.Run(ctx, func() error {
		return os.WriteFile(path, data, 0644)
	})
}

// sentinelPath hashes the resource so any resource name maps to a flat,
// filesystem-safe file name.
func (l *FileLock) sentinelPath(resource string) string {
	sum := sha256.Sum256([]byte(resource))
	return filepath.Join(l.dir, hex.EncodeToString(sum[:16])+".lock")
}
