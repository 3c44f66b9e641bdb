// Package storage provides key-addressed blob storage with pluggable backends
// and a pluggable lock strategy per backend.
//
// Backends:
//
//   - FileBackend: local filesystem, atomic writes through temp file + rename
//   - S3Backend: Amazon S3 or a compatible store (aws-sdk-go-v2)
//   - VaultBackend: HashiCorp Vault KV v2
//
// Every backend exposes Read, Write, Exists, Delete, ListKeys and Lock. Keys
// follow the rules of package keys; names starting with ".leasestore" are
// reserved for temp files and lock markers and never appear in listings.
//
// # Construction
//
// Backends are normally built by a StorageBackendFactory from a
// config.Config. The factory validates the configuration, enforces the
// deployment tier policy, wires the lock strategy and caches the result, so a
// process creates one factory at startup and shares it:
//
//	factory := storage.NewStorageBackendFactory(logger, storage.WithObserver(mon))
//	backend, err := factory.Get(ctx, *cfg)
//
// # Locking
//
// Lock returns a *interfaces.Lease. WithLock scopes a lease to a function and
// releases it on every exit path:
//
//	err := storage.WithLock(ctx, backend, "session:42", 0, func(ctx context.Context, lease *interfaces.Lease) error {
//	    data, err := backend.Read(ctx, "sessions/42")
//	    ...
//	})
//
// S3Backend and VaultBackend implement locking.MarkerStore, which lets them
// host the object lock strategy. On S3 the profile is selected by
// configuration: "strong" relies on If-None-Match/If-Match conditional writes,
// "eventual" falls back to HEAD checks plus read-back and is best-effort.
package storage
