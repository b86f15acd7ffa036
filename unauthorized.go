package mcpway

import (
	"errors"
	"fmt"
)

// unauthorizedBodyLimit caps how much of an upstream rejection body is
// carried into the error text; remote 401 pages can be arbitrarily large.
const unauthorizedBodyLimit = 512

// UnauthorizedError is the transport-level rejection an outbound adapter
// maps an HTTP 401 onto. The reliability layer treats it as terminal (no
// retry), and the bridge surfaces it to callers as the -32006 error.
type UnauthorizedError struct {
	// StatusCode is the HTTP status the upstream answered with.
	StatusCode int
	// Body is the raw response body, when one was sent.
	Body []byte
}

// Error implements the error interface.
func (e *UnauthorizedError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("unauthorized (status %d)", e.StatusCode)
	}
	body := e.Body
	if len(body) > unauthorizedBodyLimit {
		body = body[:unauthorizedBodyLimit]
	}
	return fmt.Sprintf("unauthorized (status %d): %s", e.StatusCode, body)
}

// JSONError renders the rejection as the gateway's -32006 error object.
func (e *UnauthorizedError) JSONError() *Error {
	return NewUnauthorizedJSONError(e.Error())
}

// NewUnauthorizedError constructs an UnauthorizedError, snapshotting body
// so a reused read buffer cannot mutate the error after the fact.
func NewUnauthorizedError(statusCode int, body []byte) *UnauthorizedError {
	return &UnauthorizedError{StatusCode: statusCode, Body: append([]byte(nil), body...)}
}

// IsUnauthorized reports whether err is or wraps an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var target *UnauthorizedError
	return errors.As(err, &target)
}
