package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals an unknown job, attempt, or worker id.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidState signals an operation that is not legal for the current
	// job or attempt status. Surfaced before any mutation is attempted.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrAlreadyResolved signals a benign race loss: the attempt was resolved
	// by a concurrent writer. Logged by callers, never surfaced as a failure.
	ErrAlreadyResolved = errors.New("attempt already resolved")
	// ErrDependencyFailure signals a store or collaborator failure that
	// aborted the whole operation.
	ErrDependencyFailure = errors.New("dependency failure")
)

// StateError wraps ErrInvalidState with an operator-readable reason.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string {
	return e.Reason
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// NewStateError builds a StateError with a formatted reason.
func NewStateError(format string, args ...any) error {
	return &StateError{Reason: fmt.Sprintf(format, args...)}
}
