package mcpway

import "fmt"

// NewError creates a new error object with the given code, message and data.
func NewError(code int, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// NewParsingError creates a new parsing error
func NewParsingError(err error, data []byte) *Error {
	return NewError(ParseError, err.Error(), data)
}

// NewInternalError creates a new internal error
func NewInternalError(err error, data []byte) *Error {
	return NewError(InternalError, err.Error(), data)
}

// NewInvalidRequest creates a new invalid request error
func NewInvalidRequest(err error, data []byte) *Error {
	return NewError(InvalidRequest, err.Error(), data)
}

// NewMethodNotFound creates a new method not found error
func NewMethodNotFound(method string) *Error {
	return NewError(MethodNotFound, fmt.Sprintf("method %v not found", method), nil)
}

// NewSessionTimedOut creates the error delivered when a session is evicted for inactivity.
func NewSessionTimedOut() *Error {
	return NewError(SessionTimedOut, "session timed out", nil)
}

// NewChannelClosed creates the error delivered when either side of a bridge closes.
func NewChannelClosed() *Error {
	return NewError(ChannelClosed, "channel closed", nil)
}

// NewUpstreamExited creates the error delivered when a stdio child exits mid-request.
func NewUpstreamExited(exitCode int) *Error {
	return NewError(UpstreamExited, "upstream exited", map[string]int{"exitCode": exitCode})
}

// NewUpstreamRestarted creates the error delivered when a child restart fails in-flight requests.
func NewUpstreamRestarted() *Error {
	return NewError(UpstreamRestarted, "upstream restarted", nil)
}

// NewCircuitOpen creates the error delivered when an endpoint breaker rejects a dispatch.
func NewCircuitOpen(endpoint string) *Error {
	return NewError(CircuitOpen, "circuit open", endpoint)
}

// NewBackpressureExceeded creates the error delivered when an outbound buffer is saturated.
func NewBackpressureExceeded() *Error {
	return NewError(BackpressureExceeded, "backpressure exceeded", nil)
}

// NewUnauthorizedJSONError creates the error delivered when a token supplier rejects the caller.
func NewUnauthorizedJSONError(cause string) *Error {
	return NewError(Unauthorized, "unauthorized", cause)
}

// ErrorKind classifies gateway failures for propagation decisions and logs.
type ErrorKind int

const (
	KindConfiguration ErrorKind = iota
	KindTransport
	KindProtocol
	KindUpstream
	KindSession
	KindBackpressure
	KindAuthorization
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindUpstream:
		return "upstream"
	case KindSession:
		return "session"
	case KindBackpressure:
		return "backpressure"
	case KindAuthorization:
		return "authorization"
	}
	return "unknown"
}

// GatewayError wraps an underlying cause with its taxonomy kind so logs keep
// the cause even when the user-visible error is abstracted.
type GatewayError struct {
	Kind  ErrorKind
	Cause error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
}

// Unwrap exposes the cause.
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// NewGatewayError wraps cause with kind.
func NewGatewayError(kind ErrorKind, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Cause: cause}
}
