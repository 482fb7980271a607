// Package errs defines the stable, transport-visible error kinds shared
// across every component of the orchestration daemon (spec §7).
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the stable error kinds surfaced by the tool protocol.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindNotFound            Kind = "NotFound"
	KindPhaseStateInvalid   Kind = "PhaseStateInvalid"
	KindReviewBlocked       Kind = "ReviewBlocked"
	KindCapacityExceeded    Kind = "CapacityExceeded"
	KindInsufficientResource Kind = "InsufficientResources"
	KindRegistryLockConflict Kind = "RegistryLockConflict"
	KindSubprocessFailure   Kind = "SubprocessFailure"
	KindAlreadySubmitted    Kind = "AlreadySubmitted"
)

// Error wraps a Kind with contextual detail and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a new kinded error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a new kinded error around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err, if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
