package api

import (
	"errors"
	"fmt"
)

// The client never surfaces raw transport or HTTP errors: every failure is
// classified so callers can react differently (force logout on auth failure,
// suggest checking connectivity on network failure, show the server's own
// message otherwise).

// AuthError means the stored token is missing, invalid or expired. When
// Refreshed is true a one-shot token refresh already succeeded and the
// caller should retry the original request; when false the session is dead
// and the user must sign in again.
type AuthError struct {
	Refreshed bool
	Err       error
}

func (e *AuthError) Error() string {
	if e.Refreshed {
		return "auth: token refreshed, retry the request"
	}
	return fmt.Sprintf("auth: session expired: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError means the request could not be sent or completed at all
// (DNS, connection refused, timeout).
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response. Message carries the server-provided
// message when the body was parseable, else a generic "HTTP <status>".
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string { return fmt.Sprintf("server: %s", e.Message) }

// Conflict reports whether the error is a server rejection that indicates
// the resource was claimed concurrently, e.g. a ride another driver already
// accepted.
func (e *ServerError) Conflict() bool {
	return e.Status == 409 || e.Status == 400
}

// ValidationError is a local input error, resolved before any network call
// is attempted. It is never sent to the server.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Kind returns a stable label for metrics and log fields.
func Kind(err error) string {
	var ae *AuthError
	var ne *NetworkError
	var se *ServerError
	var ve *ValidationError
	switch {
	case errors.As(err, &ae):
		return "auth"
	case errors.As(err, &ne):
		return "network"
	case errors.As(err, &se):
		return "server"
	case errors.As(err, &ve):
		return "validation"
	default:
		return "unknown"
	}
}
