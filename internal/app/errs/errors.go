// Package errs defines the error taxonomy shared by the service layer.
// Callers branch on these sentinels rather than on message text.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks validation failures. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks lookups of accounts or resources that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists marks duplicate registration attempts.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnavailable marks transient external failures (ledger unreachable).
	// The scheduler retries these on the next tick.
	ErrUnavailable = errors.New("temporarily unavailable")

	// ErrRejected marks terminal ledger-level rejections for one attempt.
	ErrRejected = errors.New("rejected by ledger")

	// ErrInternal marks invariant violations; these indicate a programming
	// fault and must never be reported as success.
	ErrInternal = errors.New("internal error")
)

// NotFoundError describes a missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError builds a NotFoundError for a resource and identifier.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError describes a uniqueness violation.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s %q already exists", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s %q: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrAlreadyExists }

// NewConflictError builds a ConflictError.
func NewConflictError(resource, id, reason string) *ConflictError {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidation reports whether err wraps ErrInvalidInput.
func IsValidation(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsConflict reports whether err wraps ErrAlreadyExists.
func IsConflict(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsUnavailable reports whether err wraps ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsRejected reports whether err wraps ErrRejected.
func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }
