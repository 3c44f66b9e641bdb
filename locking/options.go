package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/leasestore/blockingio"
	"github.com/ruteri/leasestore/interfaces"
)

// MinRetryDelay is the shortest pause between two acquisition attempts, so a
// zero BaseDelay cannot spin against the medium.
const MinRetryDelay = 5 * time.Millisecond

// RetryPolicy controls the ACQUIRING state. Attempt n sleeps BaseDelay*n
// before the next try, capped by MaxDelay when set and never below
// MinRetryDelay.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Options are shared by every lock strategy.
//
// Lease and AcquisitionTimeout are independent: Lease decides how long an
// abandoned lock keeps blocking others, AcquisitionTimeout decides how long
// a caller keeps retrying.
type Options struct {
	Lease              time.Duration
	AcquisitionTimeout time.Duration
	Retry              RetryPolicy

	Executor *blockingio.Executor
	Log      *slog.Logger
}

func (o Options) withDefaults() (Options, error) {
	if o.Lease <= 0 {
		return o, fmt.Errorf("%w: lease duration must be positive", interfaces.ErrConfiguration)
	}
	if o.AcquisitionTimeout <= 0 {
		return o, fmt.Errorf("%w: acquisition timeout must be positive", interfaces.ErrConfiguration)
	}
	if o.Retry.Attempts <= 0 {
		return o, fmt.Errorf("%w: retry attempts must be at least 1", interfaces.ErrConfiguration)
	}
	if o.Retry.BaseDelay < 0 || o.Retry.MaxDelay < 0 {
		return o, fmt.Errorf("%w: retry delays must not be negative", interfaces.ErrConfiguration)
	}
	if o.Executor == nil {
		o.Executor = blockingio.NewExecutor(0)
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o, nil
}

func (o Options) newHandle(resource string, now time.Time) *interfaces.LockHandle {
	return &interfaces.LockHandle{
		Resource:   resource,
		Owner:      uuid.NewString(),
		AcquiredAt: now,
		Lease:      o.Lease,
		ExpiresAt:  now.Add(o.Lease),
	}
}

// attemptFunc tries to take the lock once. A nil handle with a nil error
// means the resource is currently held by someone else.
type attemptFunc func(ctx context.Context) (*interfaces.LockHandle, error)

// acquire drives the ACQUIRING state until try succeeds, the attempts are
// spent or timeout elapses, whichever comes first.
func acquire(ctx context.Context, o Options, strategy, resource string, timeout time.Duration, try attemptFunc) (*interfaces.LockHandle, error) {
	if resource == "" {
		return nil, fmt.Errorf("%w: empty lock resource", interfaces.ErrInvalidKey)
	}
	if timeout <= 0 {
		timeout = o.AcquisitionTimeout
	}
	start := time.Now()
	deadline := start.Add(timeout)

	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		handle, err := try(ctx)
		if err == nil && handle != nil {
			o.Log.Debug("Acquired lock",
				slog.String("strategy", strategy),
				slog.String("resource", resource),
				slog.Int("attempt", attempt),
				slog.Duration("duration", time.Since(start)))
			return handle, nil
		}
		if err != nil {
			if errors.Is(err, interfaces.ErrInvalidKey) {
				return nil, err
			}
			lastErr = err
			o.Log.Warn("Lock attempt failed",
				slog.String("strategy", strategy),
				slog.String("resource", resource),
				slog.Int("attempt", attempt),
				"err", err)
		}

		if attempt >= o.Retry.Attempts {
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		delay := o.Retry.BaseDelay * time.Duration(attempt)
		if o.Retry.MaxDelay > 0 && delay > o.Retry.MaxDelay {
			delay = o.Retry.MaxDelay
		}
		if delay < MinRetryDelay {
			delay = MinRetryDelay
		}
		if delay > remaining {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %q: %w", interfaces.ErrLockAcquisition, resource, ctx.Err())
		case <-timer.C:
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %q busy after %d attempts in %s: %v",
			interfaces.ErrLockAcquisition, resource, attempt, time.Since(start).Round(time.Millisecond), lastErr)
	}
	return nil, fmt.Errorf("%w: %q busy after %d attempts in %s",
		interfaces.ErrLockAcquisition, resource, attempt, time.Since(start).Round(time.Millisecond))
}
