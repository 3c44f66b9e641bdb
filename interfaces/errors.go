package interfaces

import (
	"context"
	"errors"
)

var (
	// ErrInvalidKey is returned for malformed keys. Never retried.
	ErrInvalidKey = errors.New("invalid key")

	// ErrNotFound is returned when a key does not exist. It is an expected
	// outcome and should not be logged as a failure.
	ErrNotFound = errors.New("not found")

	// ErrIO is returned for medium failures on read, write, delete or list.
	ErrIO = errors.New("storage i/o error")

	// ErrLockAcquisition is returned when a lock could not be obtained within
	// the retry budget. Callers should treat it as "resource busy".
	ErrLockAcquisition = errors.New("lock acquisition failed")

	// ErrLockNotHeld is returned when renewing a lease that expired and was
	// taken over by another holder.
	ErrLockNotHeld = errors.New("lock not held")

	// ErrPreconditionFailed is returned by conditional writes that lost a race.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrConfiguration is returned for invalid or disallowed configuration.
	ErrConfiguration = errors.New("invalid configuration")
)

// ErrorKind classifies err for metrics and logging.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrLockAcquisition):
		return "lock_acquisition"
	case errors.Is(err, ErrLockNotHeld):
		return "lock_not_held"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, ErrIO), errors.Is(err, ErrPreconditionFailed):
		return "io"
	default:
		return "unknown"
	}
}
