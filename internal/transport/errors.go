package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Predefined errors
var (
	// ErrLifecycle marks a transport operation attempted out of order.
	ErrLifecycle = errors.New("transport: lifecycle violation")

	// ErrCrucialTransport reports that at least one crucial transport failed a
	// broadcast. The journal has been switched to read-only mode.
	ErrCrucialTransport = errors.New("transport: crucial transport failed")

	// ErrUnknownClass is returned for a classname with no registered factory.
	ErrUnknownClass = errors.New("transport: unknown classname")
)

// LifecycleError names the transport, the rejected operation and the state it
// was attempted in.
type LifecycleError struct {
	Transport string
	Op        string
	State     State
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("transport %s: cannot %s in state %s", e.Transport, e.Op, e.State)
}

func (e *LifecycleError) Unwrap() error {
	return ErrLifecycle
}

// Failure is the error one transport returned during a broadcast.
type Failure struct {
	Transport string
	Crucial   bool
	Err       error
}

// BroadcastError collects the crucial failures of one broadcast round.
type BroadcastError struct {
	Op       string
	Failures []Failure
}

func (e *BroadcastError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Transport, f.Err))
	}
	return fmt.Sprintf("transport: crucial transport failed during %s: %s", e.Op, strings.Join(parts, "; "))
}

func (e *BroadcastError) Is(target error) bool {
	return target == ErrCrucialTransport
}

func (e *BroadcastError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
