package interfaces

import (
	"context"
	"time"
)

// StorageBackend provides key-addressed blob storage with an attached lock strategy.
// Implementations are safe for concurrent use and hold no per-request state.
type StorageBackend interface {
	// Read returns the blob stored under key.
	// Returns ErrNotFound if the key does not exist.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write creates or fully replaces the blob under key. Readers never observe
	// a partially written blob. contentType is a hint and may be empty.
	Write(ctx context.Context, key string, data []byte, contentType string) error

	// Exists reports whether key is stored. A missing key is not an error.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ListKeys returns every stored key starting with prefix, sorted lexicographically.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Lock acquires an exclusive lease on resource. A zero timeout uses the
	// configured acquisition timeout.
	Lock(ctx context.Context, resource string, timeout time.Duration) (*Lease, error)

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend, with credentials masked.
	LocationURI() string
}

// LockStrategy implements acquire/renew/release for one consistency model.
type LockStrategy interface {
	// Acquire retries until the lock is held, the retry budget is spent or
	// timeout elapses. A zero timeout uses the configured acquisition timeout.
	// Returns ErrLockAcquisition when the lock could not be obtained.
	Acquire(ctx context.Context, resource string, timeout time.Duration) (*LockHandle, error)

	// Renew extends the lease of a held lock by its lease duration.
	// Returns ErrLockNotHeld if the lease was lost to another holder.
	Renew(ctx context.Context, handle *LockHandle) error

	// Release removes the lock entry if it is still owned by handle.
	// Releasing a lock that already expired and was reclaimed is not an error.
	Release(ctx context.Context, handle *LockHandle) error

	// Name returns the strategy identifier (file, object, redis).
	Name() string
}
