// Package blockingio runs blocking medium calls (filesystem syscalls, cloud SDK
// requests) on a bounded set of goroutines so callers can abandon them through
// their context without stalling sibling operations.
package blockingio

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrency bounds in-flight calls when no limit is configured.
var DefaultMaxConcurrency = int64(4 * runtime.NumCPU())

// Executor bounds how many blocking calls run at the same time.
// The zero value is not usable; use NewExecutor.
type Executor struct {
	sem   *semaphore.Weighted
	limit int64
}

// NewExecutor creates an executor allowing up to maxConcurrency parallel calls.
func NewExecutor(maxConcurrency int64) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &Executor{
		sem:   semaphore.NewWeighted(maxConcurrency),
		limit: maxConcurrency,
	}
}

// Limit returns the maximum number of parallel calls.
func (e *Executor) Limit() int64 {
	return e.limit
}

// Run executes fn and returns its error unchanged.
func (e *Executor) Run(ctx context.Context, fn func() error) error {
	_, err := Call(ctx, e, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

type result[T any] struct {
	value    T
	err      error
	panicked any
}

// Call executes fn on a worker slot and returns its result. If ctx is done
// before fn finishes, Call returns ctx.Err() and fn keeps running to completion
// in the background; its late result is discarded. A panic inside fn is
// re-raised on the caller's goroutine.
func Call[T any](ctx context.Context, e *Executor, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	done := make(chan result[T], 1)
	go func() {
		defer e.sem.Release(1)
		var r result[T]
		defer func() {
			if p := recover(); p != nil {
				r.panicked = p
			}
			done <- r
		}()
		r.value, r.err = fn()
	}()

	select {
	case r := <-done:
		if r.panicked != nil {
			panic(r.panicked)
		}
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
