// Package apperr defines the error taxonomy shared by intake, dispatch
// and query paths. Sentinels classify; call sites wrap with %w so the
// HTTP layer can map them without string matching.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrReferenceNotFound means a submitted dataset, room or method id
	// does not exist.
	ErrReferenceNotFound = errors.New("reference not found")

	// ErrJobNotFound means the job id is unknown to both cache and store.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition means the requested state change is not
	// permitted from the job's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrTransient marks infrastructure failures worth retrying with
	// backoff (store, cache or bus temporarily unreachable).
	ErrTransient = errors.New("transient infrastructure error")

	// ErrTaskFailure marks a terminal prediction or I/O failure; the job
	// is marked failed and not retried further.
	ErrTaskFailure = errors.New("task failure")
)

// Transient wraps err as retriable infrastructure trouble.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// TaskFailure wraps err as a terminal task-level failure.
func TaskFailure(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTaskFailure, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
