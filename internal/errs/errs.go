// Package errs contains the error taxonomy shared by the store, the
// collaboration hub and the HTTP gateway.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input. Not retryable without a client fix.
	ErrValidation = errors.New("validation error")

	// ErrConflict marks a stale revision number. Retryable after re-fetch.
	ErrConflict = errors.New("revision conflict")

	// ErrNotFound marks a missing or soft-deleted entity.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks an insufficient workspace role.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthenticated marks a request without a valid principal.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTransport marks an unavailable broadcast or storage fabric.
	ErrTransport = errors.New("transport unavailable")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Detail
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Detail)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for a field-scoped ValidationError.
func Invalid(field, detail string) error {
	return &ValidationError{Field: field, Detail: detail}
}

// ConflictError carries the authoritative revision and entity state the
// caller must reconcile against.
type ConflictError struct {
	CurrentRevision int
	Current         any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale revision, current revision is %d", e.CurrentRevision)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
