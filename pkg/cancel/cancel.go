// Package cancel implements the cooperative cancellation protocol shared
// between a pipeline run and its caller. The flag is monotonic: once set it
// stays set for the lifetime of the run. Operations poll it at safe points;
// nothing is ever pre-empted.
package cancel

import (
	"errors"
	"sync/atomic"
)

// ErrCanceled is the sentinel all cancellation-aware operations wrap when
// they observe a requested stop. Match with errors.Is.
var ErrCanceled = errors.New("canceled by user request")

// Flag is a set-once cancellation flag, safe for concurrent use. The zero
// value is ready to use.
type Flag struct {
	requested atomic.Bool
}

// Request marks the run for cancellation. Calling it more than once is a no-op.
func (f *Flag) Request() {
	f.requested.Store(true)
}

// Requested reports whether cancellation has been requested.
func (f *Flag) Requested() bool {
	return f.requested.Load()
}

// Check returns ErrCanceled if cancellation has been requested, nil otherwise.
// It exists so poll points read as a single early-return line.
func (f *Flag) Check() error {
	if f.requested.Load() {
		return ErrCanceled
	}
	return nil
}
