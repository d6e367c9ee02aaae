package controlplane

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable category of a control plane error.
type Kind string

const (
	KindAuthenticationFailed Kind = "authentication_failed"
	KindUnregistered         Kind = "unregistered"
	KindPermissionDenied     Kind = "permission_denied"
	KindNotFound             Kind = "not_found"
	KindValidation           Kind = "validation_error"
	KindDuplicateResource    Kind = "duplicate_resource"
	KindMethodNotAllowed     Kind = "method_not_allowed"
	KindConflict             Kind = "conflict"
	KindInternal             Kind = "internal"
)

// Error carries a Kind alongside a human readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal for anything unclassified.
func KindOf(err error) Kind {
	var cpErr *Error
	if errors.As(err, &cpErr) {
		return cpErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrAuthFailed reports a missing or mismatched credential.
func ErrAuthFailed(format string, args ...any) error {
	return newError(KindAuthenticationFailed, format, args...)
}

// ErrUnregistered reports a runner that never completed the registration handshake.
func ErrUnregistered(runnerID string) error {
	return newError(KindUnregistered, "runner %s is unregistered", runnerID)
}

// ErrPermissionDenied reports a caller acting on something it does not own.
func ErrPermissionDenied(format string, args ...any) error {
	return newError(KindPermissionDenied, format, args...)
}

// ErrNotFound reports an unknown id.
func ErrNotFound(entity, id string) error {
	return newError(KindNotFound, "%s %s not found", entity, id)
}

// ErrValidation reports a malformed or disallowed field.
func ErrValidation(format string, args ...any) error {
	return newError(KindValidation, format, args...)
}

// ErrDuplicate reports a unique constraint violation.
func ErrDuplicate(format string, args ...any) error {
	return newError(KindDuplicateResource, format, args...)
}

// ErrMethodNotAllowed reports a capability that the caller's role does not expose.
func ErrMethodNotAllowed(format string, args ...any) error {
	return newError(KindMethodNotAllowed, format, args...)
}

// ErrConflict reports an illegal state transition or a stale version.
func ErrConflict(format string, args ...any) error {
	return newError(KindConflict, format, args...)
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}
