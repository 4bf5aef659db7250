// Package errors defines the stable error taxonomy shared by the
// orchestrator, the supervisor, and their HTTP surfaces. Codes are part of
// the wire contract and must never be renamed.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// CodeUnauthenticated is returned when no valid bearer token is presented
	CodeUnauthenticated = "unauthenticated"

	// CodeForbidden is returned when the acting user does not own the resource
	CodeForbidden = "forbidden"

	// CodeLabNotFound is returned when a lab slug is unknown
	CodeLabNotFound = "lab_not_found"

	// CodeSessionNotFound is returned when a session id is unknown
	CodeSessionNotFound = "session_not_found"

	// CodeNoActiveSession is returned when a (user, lab) pair has no live session
	CodeNoActiveSession = "no_active_session"

	// CodeSessionExpired is returned when a session is past expires_at or already ended
	CodeSessionExpired = "session_expired"

	// CodeInvalidRequest is returned for malformed request bodies
	CodeInvalidRequest = "invalid_request"

	// CodeInvalidPath is returned for malformed workspace paths
	CodeInvalidPath = "invalid_path"

	// CodePathEscapesWorkspace is returned when a path resolves outside the workspace root
	CodePathEscapesWorkspace = "path_escapes_workspace"

	// CodePathContainsNul is returned when a path contains a NUL byte
	CodePathContainsNul = "path_contains_nul"

	// CodeNotADirectory is returned when a directory operation hits a file
	CodeNotADirectory = "not_a_directory"

	// CodeIsADirectory is returned when a file operation hits a directory
	CodeIsADirectory = "is_a_directory"

	// CodeRateLimited is returned when the per-session agent budget is exceeded
	CodeRateLimited = "rate_limited"

	// CodeCapacityExhausted is returned when the worker cap is reached
	CodeCapacityExhausted = "capacity_exhausted"

	// CodeSupervisorUnavailable is returned when the supervisor cannot be reached
	CodeSupervisorUnavailable = "supervisor_unavailable"

	// CodeWorkerMissing is returned when the supervisor no longer knows the worker
	CodeWorkerMissing = "worker_missing"

	// CodeEngineError is returned when the container engine reports a failure
	CodeEngineError = "engine_error"

	// CodeInvalidIdentity is returned when an identity claim is malformed
	CodeInvalidIdentity = "invalid_identity"

	// CodeInternal is the catch-all for unexpected failures
	CodeInternal = "internal_error"
)

// Error represents a coded error in the application.
type Error struct {
	// Code is the stable taxonomy code
	Code string

	// Message is the human-readable detail
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new coded error.
func New(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Newf creates a new coded error with a formatted message and no cause.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from an error. Errors outside the
// taxonomy map to CodeInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// httpStatus maps taxonomy codes to transport statuses per the contract.
var httpStatus = map[string]int{
	CodeUnauthenticated:       http.StatusUnauthorized,
	CodeForbidden:             http.StatusForbidden,
	CodeLabNotFound:           http.StatusNotFound,
	CodeSessionNotFound:       http.StatusNotFound,
	CodeNoActiveSession:       http.StatusNotFound,
	CodeSessionExpired:        http.StatusConflict,
	CodeInvalidRequest:        http.StatusBadRequest,
	CodeInvalidPath:           http.StatusBadRequest,
	CodePathEscapesWorkspace:  http.StatusBadRequest,
	CodePathContainsNul:       http.StatusBadRequest,
	CodeNotADirectory:         http.StatusBadRequest,
	CodeIsADirectory:          http.StatusBadRequest,
	CodeInvalidIdentity:       http.StatusBadRequest,
	CodeRateLimited:           http.StatusTooManyRequests,
	CodeCapacityExhausted:     http.StatusServiceUnavailable,
	CodeSupervisorUnavailable: http.StatusBadGateway,
	CodeWorkerMissing:         http.StatusBadGateway,
	CodeEngineError:           http.StatusBadGateway,
	CodeInternal:              http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status for an error's taxonomy code.
// Unrecognized errors are treated as internal.
func HTTPStatus(err error) int {
	if status, ok := httpStatus[CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// FromCode rebuilds a coded error from a wire (code, detail) pair. Unknown
// codes collapse to CodeInternal so remote peers cannot mint new taxonomy.
func FromCode(code, detail string) *Error {
	if _, ok := httpStatus[code]; !ok {
		code = CodeInternal
	}
	return &Error{Code: code, Message: detail}
}

// NewUnauthenticated creates a new unauthenticated error.
func NewUnauthenticated(message string) *Error {
	return New(CodeUnauthenticated, message, nil)
}

// NewForbidden creates a new forbidden error.
func NewForbidden(message string) *Error {
	return New(CodeForbidden, message, nil)
}

// NewLabNotFound creates a new lab-not-found error.
func NewLabNotFound(slug string) *Error {
	return Newf(CodeLabNotFound, "lab %q not found", slug)
}

// NewSessionNotFound creates a new session-not-found error.
func NewSessionNotFound(id string) *Error {
	return Newf(CodeSessionNotFound, "session %q not found", id)
}

// NewSessionExpired creates a new session-expired error.
func NewSessionExpired(id string) *Error {
	return Newf(CodeSessionExpired, "session %q has ended or expired", id)
}

// NewWorkerMissing creates a new worker-missing error.
func NewWorkerMissing(sessionID string) *Error {
	return Newf(CodeWorkerMissing, "no worker for session %q", sessionID)
}

// NewSupervisorUnavailable creates a new supervisor-unavailable error.
func NewSupervisorUnavailable(cause error) *Error {
	return New(CodeSupervisorUnavailable, "supervisor unreachable", cause)
}

// NewEngineError creates a new engine error.
func NewEngineError(message string, cause error) *Error {
	return New(CodeEngineError, message, cause)
}

// NewInternal creates a new internal error.
func NewInternal(message string, cause error) *Error {
	return New(CodeInternal, message, cause)
}

// IsNotFound checks whether the error is any of the not-found codes.
func IsNotFound(err error) bool {
	code := CodeOf(err)
	return code == CodeLabNotFound || code == CodeSessionNotFound || code == CodeNoActiveSession
}

// IsSessionExpired checks if the error is a session-expired error.
func IsSessionExpired(err error) bool {
	return Is(err, CodeSessionExpired)
}

// IsWorkerMissing checks if the error is a worker-missing error.
func IsWorkerMissing(err error) bool {
	return Is(err, CodeWorkerMissing)
}

// IsTransient reports whether the error is a downstream failure worth
// retrying at the call site.
func IsTransient(err error) bool {
	code := CodeOf(err)
	return code == CodeSupervisorUnavailable || code == CodeEngineError
}
