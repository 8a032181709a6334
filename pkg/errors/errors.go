// Package errors defines the error taxonomy shared by the MXCP auth core.
//
// Every failure that can cross a component boundary is classified with a
// Type. HTTP handlers map types onto RFC 6749 error responses; internal
// callers branch on the type with IsType. Messages are safe to return to
// clients; the Cause chain is for logs only and may carry detail that must
// never reach a response body.
package errors

import (
	"errors"
	"fmt"
)

// Type classifies an error. The values double as OAuth error codes where
// RFC 6749 defines one.
type Type string

// Error type constants.
const (
	// ErrInvalidRequest indicates malformed client input.
	ErrInvalidRequest Type = "invalid_request"

	// ErrInvalidGrant indicates a code or refresh token that is unknown,
	// already consumed, expired, or bound to a different client.
	ErrInvalidGrant Type = "invalid_grant"

	// ErrInvalidScope indicates a requested scope outside the allowed set.
	ErrInvalidScope Type = "invalid_scope"

	// ErrAccessDenied indicates the user or a policy refused the request.
	ErrAccessDenied Type = "access_denied"

	// ErrUnauthorized indicates a missing or unresolvable credential.
	ErrUnauthorized Type = "unauthorized"

	// ErrForbidden indicates an authenticated caller lacking an MXCP scope.
	ErrForbidden Type = "forbidden"

	// ErrProviderError indicates an upstream IdP failure.
	ErrProviderError Type = "provider_error"

	// ErrDownstreamUnavailable indicates a failed token exchange.
	ErrDownstreamUnavailable Type = "downstream_unavailable"

	// ErrTamper indicates a decryption or signature failure.
	ErrTamper Type = "tamper"

	// ErrInternal indicates a programming error.
	ErrInternal Type = "internal"
)

// Error is the concrete error type carried across the auth core.
type Error struct {
	// Type classifies the error.
	Type Type

	// Message is a sanitized, client-safe description.
	Message string

	// Cause is the underlying error, if any. Never surfaced to clients.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(t Type, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

// Newf creates a new Error with a formatted message and no cause.
func Newf(t Type, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy type to an existing error. A nil cause returns
// nil so call sites can wrap unconditionally.
func Wrap(t Type, message string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Type: t, Message: message, Cause: cause}
}

// TypeOf extracts the taxonomy type from an error chain. Unclassified
// errors report ErrInternal.
func TypeOf(err error) Type {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// IsType reports whether the error chain carries the given type.
func IsType(err error, t Type) bool {
	return err != nil && TypeOf(err) == t
}

// Retriable reports whether the failure class is worth a single retry.
// Only transient provider failures qualify.
func Retriable(err error) bool {
	return IsType(err, ErrProviderError)
}
