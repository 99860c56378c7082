package claim

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateJob is returned when a non-terminal job already exists
	// for the same seller and sync batch. Callers treat it as "already scheduled".
	ErrDuplicateJob = errors.New("detection job already scheduled for batch")

	// ErrInvalidTransition matches every *InvalidTransitionError
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyResolved is returned on a second resolution attempt
	ErrAlreadyResolved = errors.New("detection result already resolved")

	// ErrNotFound is returned when a job or result id does not exist
	ErrNotFound = errors.New("not found")

	// ErrConcurrentUpdate is returned when an optimistic update lost a race
	ErrConcurrentUpdate = errors.New("concurrent update")
)

// InvalidTransitionError describes a rejected lifecycle move
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// TransientDependencyError wraps a failure of an external collaborator
// (scoring oracle, document store) that may succeed on retry.
type TransientDependencyError struct {
	Dependency string
	Err        error
}

func (e *TransientDependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Dependency, e.Err)
}

func (e *TransientDependencyError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientDependencyError for dependency
func Transient(dependency string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientDependencyError{Dependency: dependency, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientDependencyError
func IsTransient(err error) bool {
	var te *TransientDependencyError
	return errors.As(err, &te)
}
