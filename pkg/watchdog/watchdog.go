// Package watchdog bounds blocking operations with a wall-clock timeout.
//
// A hung FUSE or network mount can block a read, write, open or close call
// indefinitely, and Go offers no safe way to interrupt a goroutine stuck in
// such a syscall. The watchdog therefore runs the operation on its own
// goroutine and abandons it on timeout: the caller gets a typed
// *TimeoutError within the bound, while the stuck goroutine is left to
// finish (or never finish) on its own. The contract is a bounded wait, not a
// guaranteed interrupt.
package watchdog

import (
	"fmt"
	"time"
)

// TimeoutError reports that an operation did not complete within its bound.
type TimeoutError struct {
	Op    string
	Bound time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q timed out after %s: the filesystem is not responding", e.Op, e.Bound)
}

// Run executes fn and returns its result, failing with a *TimeoutError if fn
// has not returned within timeout. A timeout of zero (or negative) means no
// bound: fn is called directly on the caller's goroutine.
//
// On timeout the worker goroutine is abandoned, not killed. Its eventual
// result is discarded via a buffered channel so it can always exit.
func Run[T any](op string, timeout time.Duration, fn func() (T, error)) (T, error) {
	if timeout <= 0 {
		return fn()
	}

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn()
		done <- outcome{val: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.val, out.err
	case <-timer.C:
		var zero T
		return zero, &TimeoutError{Op: op, Bound: timeout}
	}
}

// Do is Run for operations without a result value.
func Do(op string, timeout time.Duration, fn func() error) error {
	_, err := Run(op, timeout, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
