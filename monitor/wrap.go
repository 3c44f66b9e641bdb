package monitor

import (
	"context"
	"time"

	"github.com/ruteri/leasestore/interfaces"
)

// Operation names used as metric labels and span names.
const (
	OpRead        = "read"
	OpWrite       = "write"
	OpExists      = "exists"
	OpDelete      = "delete"
	OpListKeys    = "list_keys"
	OpLock        = "lock"
	OpLockAcquire = "lock.acquire"
	OpLockRenew   = "lock.renew"
	OpLockRelease = "lock.release"
)

// WrapBackend returns b with every call observed. The target label is
// b.Name().
func (m *Monitor) WrapBackend(b interfaces.StorageBackend) interfaces.StorageBackend {
	return &monitoredBackend{inner: b, m: m, target: b.Name()}
}

// WrapLock returns s with every call observed. The target label is
// "lock/" + s.Name().
func (m *Monitor) WrapLock(s interfaces.LockStrategy) interfaces.LockStrategy {
	return &monitoredLock{inner: s, m: m, target: "lock/" + s.Name()}
}

type monitoredBackend struct {
	inner  interfaces.StorageBackend
	m      *Monitor
	target string
}

func (b *monitoredBackend) Read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := b.m.observe(ctx, b.target, OpRead, func(ctx context.Context) error {
		var err error
		data, err = b.inner.Read(ctx, key)
		return err
	})
	return data, err
}

func (b *monitoredBackend) Write(ctx context.Context, key string, data []byte, contentType string) error {
	return b.m.observe(ctx, b.target, OpWrite, func(ctx context.Context) error {
		return b.inner.Write(ctx, key, data, contentType)
	})
}

func (b *monitoredBackend) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.m.observe(ctx, b.target, OpExists, func(ctx context.Context) error {
		var err error
		ok, err = b.inner.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (b *monitoredBackend) Delete(ctx context.Context, key string) error {
	return b.m.observe(ctx, b.target, OpDelete, func(ctx context.Context) error {
		return b.inner.Delete(ctx, key)
	})
}

func (b *monitoredBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.m.observe(ctx, b.target, OpListKeys, func(ctx context.Context) error {
		var err error
		keys, err = b.inner.ListKeys(ctx, prefix)
		return err
	})
	return keys, err
}

func (b *monitoredBackend) Lock(ctx context.Context, resource string, timeout time.Duration) (*interfaces.Lease, error) {
	var lease *interfaces.Lease
	err := b.m.observe(ctx, b.target, OpLock, func(ctx context.Context) error {
		var err error
		lease, err = b.inner.Lock(ctx, resource, timeout)
		return err
	})
	return lease, err
}

func (b *monitoredBackend) Name() string {
	return b.inner.Name()
}

func (b *monitoredBackend) LocationURI() string {
	return b.inner.LocationURI()
}

// Unwrap returns the observed backend.
func (b *monitoredBackend) Unwrap() interfaces.StorageBackend {
	return b.inner
}

type monitoredLock struct {
	inner  interfaces.LockStrategy
	m      *Monitor
	target string
}

func (l *monitoredLock) Acquire(ctx context.Context, resource string, timeout time.Duration) (*interfaces.LockHandle, error) {
	var handle *interfaces.LockHandle
	err := l.m.observe(ctx, l.target, OpLockAcquire, func(ctx context.Context) error {
		var err error
		handle, err = l.inner.Acquire(ctx, resource, timeout)
		return err
	})
	return handle, err
}

func (l *monitoredLock) Renew(ctx context.Context, handle *interfaces.LockHandle) error {
	return l.m.observe(ctx, l.target, OpLockRenew, func(ctx context.Context) error {
		return l.inner.Renew(ctx, handle)
	})
}

func (l *monitoredLock) Release(ctx context.Context, handle *interfaces.LockHandle) error {
	return l.m.observe(ctx, l.target, OpLockRelease, func(ctx context.Context) error {
		return l.inner.Release(ctx, handle)
	})
}

func (l *monitoredLock) Name() string {
	return l.inner.Name()
}
