package fiber

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	ErrInvalidThreadCount = errors.New("fiber: thread count must be at least 1")
	ErrInvalidPollTimeout = errors.New("fiber: max poll timeout must be positive")
	ErrInvalidConfig      = errors.New("fiber: invalid config")
	ErrFDOutOfRange       = errors.New("fiber: fd out of range")
	ErrInvalidEvent       = errors.New("fiber: event must be exactly one of EventRead or EventWrite")
	ErrEventNotRegistered = errors.New("fiber: event not registered")
	ErrIOManagerClosed    = errors.New("fiber: io manager closed")
)

// errUnwind is the panic value used to unwind a suspended fiber whose stack
// is being released.
var errUnwind = errors.New("fiber: stack released while suspended")

// PanicError wraps a value recovered from a panicking fiber callback, along
// with the stack trace of the fiber at the time of the panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("fiber: callback panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error, enabling [errors.Is] and
// [errors.As] through the cause chain.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// InvariantError is the panic value used for violated preconditions, e.g.
// resuming a fiber that is already running. It is never contained by the
// fiber trampoline.
type InvariantError struct {
	Op      string
	Message string
}

func (e *InvariantError) Error() string {
	return "fiber: invariant violated: " + e.Op + ": " + e.Message
}
