// Package interfaces defines the contracts between the storage and locking
// components, separating interface definitions from their implementations.
//
// # Storage
//
//   - StorageBackend: key-addressed blob storage (read, write, exists, delete,
//     list) that owns one LockStrategy and hands out Leases through Lock.
//
// # Locking
//
//   - LockStrategy: acquire, renew and release of exclusive, lease-based locks.
//   - LockHandle: resource, owner token, acquisition time and lease duration.
//   - Lease: a LockHandle bound to its strategy, released once.
//
// A lock moves through UNLOCKED -> ACQUIRING -> HELD and leaves HELD either by
// Release or by lease expiry. After expiry the entry may be reclaimed by the
// next acquirer; the previous holder is no longer protected.
//
// # Errors
//
// All failures surface as one of the sentinel errors (ErrInvalidKey,
// ErrNotFound, ErrIO, ErrLockAcquisition, ErrLockNotHeld, ErrConfiguration),
// wrapped with context and matched with errors.Is. ErrorKind maps an error to
// a short label used by the monitor.
package interfaces
