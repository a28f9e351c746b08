package errors

import "fmt"

// Kind classifies where in the connection lifecycle an error originated,
// used by the engine to decide whether to retry with a different upstream,
// surface a specific reply code to the client, or just close the
// connection.
type Kind string

const (
	// KindClientProtocol covers malformed or unsupported bytes from the
	// client (bad SOCKS version, unsupported CMD, truncated request).
	KindClientProtocol Kind = "client-protocol"
	// KindUpstreamConnect covers failures dialing the upstream proxy
	// itself (connection refused, timeout, DNS failure).
	KindUpstreamConnect Kind = "upstream-connect"
	// KindUpstreamHandshake covers the upstream rejecting us during its
	// own handshake (auth failure, unsupported method, non-zero general
	// REP/CD that isn't a target-level code).
	KindUpstreamHandshake Kind = "upstream-handshake"
	// KindUpstreamTarget covers the upstream successfully reaching out but
	// the target refusing or being unreachable; the upstream itself is not
	// at fault and is not penalized.
	KindUpstreamTarget Kind = "upstream-target"
	// KindDirectConnect covers failures dialing a bypassed target directly.
	KindDirectConnect Kind = "direct-connect"
	// KindTransport covers relay-phase I/O errors once PROXY_CONNECTED.
	KindTransport Kind = "transport"
	// KindResource covers local resource exhaustion (buffer overflow,
	// accept-loop backpressure).
	KindResource Kind = "resource"
)

// AppError represents an application error
type AppError struct {
	Code    string
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new AppError wrapping another error
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewKind creates a new AppError tagged with a Kind.
func NewKind(kind Kind, code, message string) *AppError {
	return &AppError{Code: code, Kind: kind, Message: message}
}

// WrapKind creates a new AppError tagged with a Kind, wrapping another error.
func WrapKind(kind Kind, code, message string, err error) *AppError {
	return &AppError{Code: code, Kind: kind, Message: message, Err: err}
}
