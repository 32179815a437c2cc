package jobqueue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisposed           = errors.New("jobqueue has been disposed")
	ErrTimeout            = errors.New("job timed out")
	ErrNilFunc            = errors.New("job func is nil")
	ErrInvalidConcurrency = errors.New("concurrency limit must be > 0")
	ErrInvalidWindow      = errors.New("rate window must be > 0")
)

// TimeoutError is the failure delivered when a job outlives the timeout.
// It matches ErrTimeout with errors.Is.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job timed out after %dms", e.Limit.Milliseconds())
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// PanicError wraps a value recovered from a panicking job.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("job panicked: %v", e.Value) }

// IsTimeout reports whether err is a job timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsDisposed reports whether err came from a disposed queue.
func IsDisposed(err error) bool { return errors.Is(err, ErrDisposed) }
