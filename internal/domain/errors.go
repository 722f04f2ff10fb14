package domain

import (
	"errors"
	"fmt"
)

// Wire-stable error codes. These are part of the protocol surface and must
// not change between releases.
const (
	CodeUnauthorized        = "unauthorized"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeBadRequest          = "bad_request"
	CodeDependencyMissing   = "dependency_missing"
	CodeProviderUnavailable = "provider_unavailable"
	CodeStoreUnavailable    = "store_unavailable"
	CodeCancelled           = "cancelled"
	CodeInternal            = "internal"
)

// Error is a structured error carried to the wire as {code, message, details?}.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails attaches a details map and returns e for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a missing or invalid token for the requested role.
func Unauthorized(format string, args ...any) *Error {
	return newError(CodeUnauthorized, format, args...)
}

// NotFound reports an absent referenced entity.
func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args...)
}

// Conflict reports an invariant violation.
func Conflict(format string, args ...any) *Error {
	return newError(CodeConflict, format, args...)
}

// BadRequest reports a schema validation failure or contradictory parameters.
func BadRequest(format string, args ...any) *Error {
	return newError(CodeBadRequest, format, args...)
}

// DependencyMissing reports a referenced dependency task that does not exist.
func DependencyMissing(format string, args ...any) *Error {
	return newError(CodeDependencyMissing, format, args...)
}

// ProviderUnavailable reports fallback-chain exhaustion on a provider call.
func ProviderUnavailable(format string, args ...any) *Error {
	return newError(CodeProviderUnavailable, format, args...)
}

// StoreUnavailable reports an unopenable or corrupt database.
func StoreUnavailable(format string, args ...any) *Error {
	return newError(CodeStoreUnavailable, format, args...)
}

// Cancelled reports a request cancelled by disconnect or shutdown.
func Cancelled(format string, args ...any) *Error {
	return newError(CodeCancelled, format, args...)
}

// Internal reports an unexpected condition. Callers must also write an
// action-log entry.
func Internal(format string, args ...any) *Error {
	return newError(CodeInternal, format, args...)
}

// CodeOf extracts the wire code from err, or CodeInternal when err is not a
// *Error.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given wire code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
