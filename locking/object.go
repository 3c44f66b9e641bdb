package locking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/leasestore/interfaces"
)

// Consistency describes what a MarkerStore's conditional writes guarantee.
type Consistency int

const (
	// StrongConsistency: conditional writes are atomic and immediately
	// visible, so exactly one concurrent writer wins.
	StrongConsistency Consistency = iota
	// EventualConsistency: conditional writes are best-effort and every
	// write must be verified by reading it back.
	EventualConsistency
)

// String returns the consistency profile name.
func (c Consistency) String() string {
	switch c {
	case StrongConsistency:
		return "strong"
	case EventualConsistency:
		return "eventual"
	default:
		return "unknown"
	}
}

// MarkerStore is the slice of an object store the object lock needs. Marker
// names are resource names; the store decides where markers live.
type MarkerStore interface {
	// GetMarker returns the marker and its version, or ErrNotFound.
	GetMarker(ctx context.Context, resource string) ([]byte, string, error)

	// PutMarkerIfAbsent creates the marker only if none exists.
	// Returns ErrPreconditionFailed when a marker is already present.
	PutMarkerIfAbsent(ctx context.Context, resource string, data []byte) (string, error)

	// ReplaceMarker overwrites the marker only if its version still matches.
	// Returns ErrPreconditionFailed on mismatch.
	ReplaceMarker(ctx context.Context, resource string, data []byte, version string) (string, error)

	// DeleteMarker removes the marker only if its version still matches.
	// A missing marker is not an error.
	DeleteMarker(ctx context.Context, resource, version string) error

	// MarkerConsistency reports the consistency profile of the store.
	MarkerConsistency() Consistency
}

// ObjectLock implements interfaces.LockStrategy with a small marker object per
// resource written through conditional puts.
//
// On EventualConsistency stores the lock is best-effort: the read-back after
// each write narrows the race window but does not close it. Resources with
// high contention on such stores belong on RedisLock.
type ObjectLock struct {
	store MarkerStore
	opts  Options
	log   *slog.Logger
}

type marker struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LeaseMS    int64     `json:"lease_ms"`
}

// NewObjectLock creates an object lock strategy over store.
func NewObjectLock(store MarkerStore, opts Options) (*ObjectLock, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: object lock requires a marker store", interfaces.ErrConfiguration)
	}
	return &ObjectLock{
		store: store,
		opts:  opts,
		log: opts.Log.With(
			slog.String("lock_strategy", "object"),
			slog.String("consistency", store.MarkerConsistency().String())),
	}, nil
}

// Name returns the strategy identifier.
func (l *ObjectLock) Name() string {
	return "object"
}

// Acquire implements interfaces.LockStrategy.
func (l *ObjectLock) Acquire(ctx context.Context, resource string, timeout time.Duration) (*interfaces.LockHandle, error) {
	return acquire(ctx, l.opts, l.Name(), resource, timeout, func(ctx context.Context) (*interfaces.LockHandle, error) {
		return l.tryAcquire(ctx, resource)
	})
}

func (l *ObjectLock) tryAcquire(ctx context.Context, resource string) (*interfaces.LockHandle, error) {
	handle := l.opts.newHandle(resource, time.Now())
	data, err := encodeMarker(handle)
	if err != nil {
		return nil, err
	}

	version, err := l.store.PutMarkerIfAbsent(ctx, resource, data)
	if err == nil {
		return l.confirm(ctx, handle, version)
	}
	if !errors.Is(err, interfaces.ErrPreconditionFailed) {
		return nil, err
	}

	existing, existingVersion, err := l.store.GetMarker(ctx, resource)
	if errors.Is(err, interfaces.ErrNotFound) {
		// released between our put and our read
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var current marker
	if err := json.Unmarshal(existing, &current); err != nil {
		l.log.Warn("Treating unreadable lock marker as stale", slog.String("resource", resource), "err", err)
	} else if time.Now().Before(current.ExpiresAt) {
		return nil, nil
	} else if current.Owner != "" {
		// an empty owner is a released marker left behind by stores that
		// cannot delete conditionally
		l.log.Info("Reclaiming expired lock marker",
			slog.String("resource", resource),
			slog.String("previous_owner", current.Owner),
			slog.Time("expired_at", current.ExpiresAt))
	}

	version, err = l.store.ReplaceMarker(ctx, resource, data, existingVersion)
	if errors.Is(err, interfaces.ErrPreconditionFailed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l.confirm(ctx, handle, version)
}

// confirm finishes a successful write. On eventually consistent stores it
// reads the marker back and gives up the attempt if another owner is recorded.
func (l *ObjectLock) confirm(ctx context.Context, handle *interfaces.LockHandle, version string) (*interfaces.LockHandle, error) {
	handle.Version = version
	if l.store.MarkerConsistency() != EventualConsistency {
		return handle, nil
	}

	data, readVersion, err := l.store.GetMarker(ctx, handle.Resource)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var current marker
	if err := json.Unmarshal(data, &current); err != nil || current.Owner != handle.Owner {
		l.log.Debug("Lost lock marker race on read-back", slog.String("resource", handle.Resource))
		return nil, nil
	}
	handle.Version = readVersion
	return handle, nil
}

// Renew implements interfaces.LockStrategy.
func (l *ObjectLock) Renew(ctx context.Context, handle *interfaces.LockHandle) error {
	now := time.Now()
	if handle.Expired(now) {
		// the marker may still be ours, but the next acquirer is already
		// entitled to reclaim it
		return fmt.Errorf("%w: %q lease expired at %s", interfaces.ErrLockNotHeld, handle.Resource, handle.ExpiresAt)
	}

	renewed := *handle
	renewed.ExpiresAt = now.Add(handle.Lease)
	data, err := encodeMarker(&renewed)
	if err != nil {
		return err
	}

	version, err := l.store.ReplaceMarker(ctx, handle.Resource, data, handle.Version)
	if errors.Is(err, interfaces.ErrPreconditionFailed) {
		return fmt.Errorf("%w: %q marker changed owner", interfaces.ErrLockNotHeld, handle.Resource)
	}
	if err != nil {
		return err
	}

	confirmed, err := l.confirm(ctx, &renewed, version)
	if err != nil {
		return err
	}
	if confirmed == nil {
		return fmt.Errorf("%w: %q marker changed owner", interfaces.ErrLockNotHeld, handle.Resource)
	}
	handle.ExpiresAt = confirmed.ExpiresAt
	handle.Version = confirmed.Version
	return nil
}

// Release implements interfaces.LockStrategy.
func (l *ObjectLock) Release(ctx context.Context, handle *interfaces.LockHandle) error {
	err := l.store.DeleteMarker(ctx, handle.Resource, handle.Version)
	if errors.Is(err, interfaces.ErrPreconditionFailed) {
		l.log.Debug("Lock marker already reclaimed", slog.String("resource", handle.Resource))
		return nil
	}
	return err
}

func encodeMarker(handle *interfaces.LockHandle) ([]byte, error) {
	data, err := json.Marshal(marker{
		Owner:      handle.Owner,
		AcquiredAt: handle.AcquiredAt,
		ExpiresAt:  handle.ExpiresAt,
		LeaseMS:    handle.Lease.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock marker: %w", err)
	}
	return data, nil
}
