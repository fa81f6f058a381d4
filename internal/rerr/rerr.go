// Package rerr provides structured error types for the rawserve request
// pipeline and connection engines.
package rerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents the category of error that occurred.
type ErrorType string

const (
	// ErrorTypeParse represents request-line/header/frame parse failures.
	ErrorTypeParse ErrorType = "parse"
	// ErrorTypeOversize represents request-line/header/body/frame size breaches.
	ErrorTypeOversize ErrorType = "oversize"
	// ErrorTypePathRejected represents a path-resolution rejection.
	ErrorTypePathRejected ErrorType = "path_rejected"
	// ErrorTypeAuth represents an authentication failure.
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimited represents a rate-limit denial.
	ErrorTypeRateLimited ErrorType = "rate_limited"
	// ErrorTypeMethod represents an unsupported HTTP method.
	ErrorTypeMethod ErrorType = "method"
	// ErrorTypeUpstream represents a handler panic or unexpected failure.
	ErrorTypeUpstream ErrorType = "upstream"
	// ErrorTypeFlowControl represents an HTTP/2 flow-control breach.
	ErrorTypeFlowControl ErrorType = "flow_control"
	// ErrorTypeCompression represents an HPACK decode failure.
	ErrorTypeCompression ErrorType = "compression"
	// ErrorTypeShutdown represents a rejection made during graceful shutdown.
	ErrorTypeShutdown ErrorType = "shutdown"
	// ErrorTypeProtocol represents a generic wire-protocol invariant violation.
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeIO represents a socket/file I/O error.
	ErrorTypeIO ErrorType = "io"
)

// Error represents a structured error with context information, carried
// through the pipeline so engines and the logger can key off of Type
// without string-matching messages.
type Error struct {
	Type      ErrorType `json:"type"`
	Op        string    `json:"op"`
	Message   string    `json:"message"`
	Cause     error     `json:"cause,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
// Format: [type] op: message: cause
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))
	if e.Op != "" {
		parts = append(parts, e.Op)
	}

	errStr := strings.Join(parts, " ")
	if e.Message != "" {
		errStr += ": " + e.Message
	}
	if e.Cause != nil {
		errStr += ": " + e.Cause.Error()
	}
	return errStr
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target type.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Type == t.Type
	}
	return false
}

func newError(t ErrorType, op, message string, cause error) *Error {
	return &Error{
		Type:      t,
		Op:        op,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// NewParseError creates a parse-failure error.
func NewParseError(op, message string, cause error) *Error {
	return newError(ErrorTypeParse, op, message, cause)
}

// NewOversizeError creates an oversize (line/header/body/frame) error.
func NewOversizeError(op string, limit int64) *Error {
	return newError(ErrorTypeOversize, op, fmt.Sprintf("exceeds limit of %d bytes", limit), nil)
}

// NewPathRejectedError creates a path-resolution rejection error.
func NewPathRejectedError(reason string) *Error {
	return newError(ErrorTypePathRejected, "resolve", reason, nil)
}

// NewAuthError creates an authentication-failure error.
func NewAuthError(reason string) *Error {
	return newError(ErrorTypeAuth, "authenticate", reason, nil)
}

// NewRateLimitedError creates a rate-limit-denial error.
func NewRateLimitedError(retryAfter time.Duration) *Error {
	return newError(ErrorTypeRateLimited, "acquire", fmt.Sprintf("retry after %v", retryAfter), nil)
}

// NewMethodError creates an unsupported-method error.
func NewMethodError(method string) *Error {
	return newError(ErrorTypeMethod, "dispatch", fmt.Sprintf("method %s not allowed", method), nil)
}

// NewUpstreamError creates a handler-panic / unexpected-failure error.
func NewUpstreamError(op string, cause error) *Error {
	return newError(ErrorTypeUpstream, op, "unexpected failure", cause)
}

// NewFlowControlError creates an HTTP/2 flow-control breach error.
func NewFlowControlError(op string) *Error {
	return newError(ErrorTypeFlowControl, op, "flow control window breach", nil)
}

// NewCompressionError creates an HPACK decode-failure error.
func NewCompressionError(cause error) *Error {
	return newError(ErrorTypeCompression, "hpack_decode", "header decompression failed", cause)
}

// NewShutdownError creates a shutdown-in-progress rejection error.
func NewShutdownError() *Error {
	return newError(ErrorTypeShutdown, "accept", "server is draining connections", nil)
}

// NewProtocolError creates a generic protocol-invariant error.
func NewProtocolError(op, message string) *Error {
	return newError(ErrorTypeProtocol, op, message, nil)
}

// NewIOError creates an I/O error.
func NewIOError(op string, cause error) *Error {
	return newError(ErrorTypeIO, op, fmt.Sprintf("I/O error during %s", op), cause)
}

// Type returns the error type if err is a structured *Error, else "".
func Type(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsContextCanceled reports whether err is due to context cancellation.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsContextTimeout reports whether err is due to a context deadline.
func IsContextTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
