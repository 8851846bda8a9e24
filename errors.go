package looptest

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run or Flush is called while a
	// run is already active, including reentrant calls from a loop callback.
	ErrLoopAlreadyRunning = errors.New("looptest: loop is already running")

	// ErrLoopClosed is returned when operations are attempted on a loop that
	// has been closed via Close.
	ErrLoopClosed = errors.New("looptest: loop has been closed")

	// ErrNegativeDelay is returned by ScheduleTimer for a delay < 0.
	ErrNegativeDelay = errors.New("looptest: negative timer delay")
)

// PanicError wraps a value recovered from a panicking loop callback.
//
// The loop never swallows callback panics: the first recovered value is
// retained, the run terminates with [ExitPanic], and [Loop.Run] returns the
// PanicError so the failure surfaces at the run boundary.
type PanicError struct {
	// Value is the recovered panic value.
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("looptest: callback panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As] for error matching
// through the cause chain. If the panic Value is not an error, returns nil.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
