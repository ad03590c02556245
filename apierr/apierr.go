// Package apierr provides standardized error handling for twitchblade.
//
// Every failure surfaced by the library carries a machine-readable code so
// callers can branch without string matching:
//
//	tok, err := provider.AccessToken(ctx)
//	if apierr.CodeOf(err) == apierr.CodeInvalidToken {
//	    // re-run the login flow
//	}
//
// Error Structure:
//   - Code: machine-readable error identifier (e.g., "SCOPE_MISSING")
//   - Message: human-readable error message
//   - Details: optional additional context (wrapped errors, payloads)
//   - Status: HTTP status code when the error originated from a response
package apierr

import (
	"errors"
	"fmt"
)

// Error is a coded library error.
type Error struct {
	// Code is a machine-readable error identifier.
	// Format: UPPER_SNAKE_CASE (e.g., "SCOPE_MISSING", "RATE_LIMITED").
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details provides additional context for debugging (optional).
	// May contain wrapped error messages or offending payload fragments.
	Details string `json:"details,omitempty"`

	// Status is the HTTP status code of the response that produced this
	// error, or zero when the error did not originate from a response.
	Status int `json:"status,omitempty"`

	cause error
}

// Error codes.
const (
	CodeConfigError     = "CONFIG_ERROR"
	CodeAuthUnsupported = "AUTH_UNSUPPORTED"
	CodeScopeMissing    = "SCOPE_MISSING"
	CodeInvalidToken    = "INVALID_TOKEN"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeBadRequest      = "BAD_REQUEST"
	CodeProtocolError   = "PROTOCOL_ERROR"
	CodeRevoked         = "REVOKED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeHelixError      = "HELIX_ERROR"
	CodeTransport       = "TRANSPORT"
	CodeCancelled       = "CANCELLED"
	CodeUnknownKind     = "UNKNOWN_KIND"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, &Error{Code: CodeRevoked}) matches any revocation.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a new Error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error, keeping it reachable through errors.Unwrap.
func Wrap(code, message string, err error) *Error {
	e := &Error{Code: code, Message: message, cause: err}
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

// CodeOf returns the code of err, or "" when err is not a library error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error constructors for convenience.

func ConfigError(message string) *Error {
	return New(CodeConfigError, message)
}

func AuthUnsupported(endpoint string) *Error {
	return Newf(CodeAuthUnsupported, "endpoint %s does not accept this token kind", endpoint)
}

func ScopeMissing(detail string) *Error {
	return &Error{Code: CodeScopeMissing, Message: "granted scopes do not satisfy the requirement", Details: detail}
}

func InvalidToken(message string) *Error {
	return New(CodeInvalidToken, message)
}

func Unauthenticated() *Error {
	return &Error{Code: CodeUnauthenticated, Message: "request rejected with 401 after token refresh", Status: 401}
}

func BadRequest(detail string) *Error {
	return &Error{Code: CodeBadRequest, Message: "request failed client-side validation", Details: detail}
}

func ProtocolError(message string) *Error {
	return New(CodeProtocolError, message)
}

// Revoked reports a server-side subscription revocation.
// reason is the server-provided status, e.g. "authorization_revoked".
func Revoked(reason string) *Error {
	return &Error{Code: CodeRevoked, Message: "subscription revoked", Details: reason}
}

// RevocationReason extracts the reason from a CodeRevoked error.
func RevocationReason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeRevoked {
		return e.Details
	}
	return ""
}

func RateLimited() *Error {
	return &Error{Code: CodeRateLimited, Message: "rate limited after automatic retry", Status: 429}
}

func HelixError(status int, message string) *Error {
	return &Error{Code: CodeHelixError, Message: message, Status: status}
}

func Transport(err error) *Error {
	return Wrap(CodeTransport, "transport failure", err)
}

func Cancelled(err error) *Error {
	return Wrap(CodeCancelled, "operation cancelled", err)
}

func UnknownKind(kind, version string) *Error {
	return Newf(CodeUnknownKind, "no event definition for %s version %s", kind, version)
}
