package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Request error codes
const (
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"
	ErrNotFound             ErrorCode = "NOT_FOUND"
	ErrIdentifierFormat     ErrorCode = "IDENTIFIER_FORMAT"
	ErrStreamingUnsupported ErrorCode = "STREAMING_UNSUPPORTED"
)

// Dependency error codes
const (
	ErrAdapter            ErrorCode = "ADAPTER_ERROR"
	ErrStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Internal error codes
const (
	ErrConfiguration     ErrorCode = "CONFIGURATION_ERROR"
	ErrStatelessWrite    ErrorCode = "STATELESS_WRITE"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Component  string    `json:"component,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithComponent records which adapter or store produced the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// AsError unwraps err to *Error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// =============================================================================
// 🧩 Taxonomy constructors
// =============================================================================

// NewAdapterError wraps a failed embedding/extraction/LLM call.
// Cancellation by the caller is never retried.
func NewAdapterError(component string, cause error) *Error {
	retryable := !errors.Is(cause, context.Canceled)
	return &Error{
		Code:       ErrAdapter,
		Message:    component + " call failed",
		HTTPStatus: http.StatusBadGateway,
		Retryable:  retryable,
		Component:  component,
		Cause:      cause,
	}
}

// NewStoreUnavailable wraps an unreachable vector or graph store.
func NewStoreUnavailable(store string, cause error) *Error {
	return &Error{
		Code:       ErrStoreUnavailable,
		Message:    store + " unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		Component:  store,
		Cause:      cause,
	}
}

// NewIdentifierFormatError rejects an identifier that fails canonical format validation.
func NewIdentifierFormatError(field, value string) *Error {
	return &Error{
		Code:       ErrIdentifierFormat,
		Message:    fmt.Sprintf("invalid %s %q: expected canonical UUID", field, value),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewConfigurationError reports missing or invalid startup configuration.
func NewConfigurationError(message string) *Error {
	return &Error{
		Code:       ErrConfiguration,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// NewStreamingUnsupported rejects stream=true while streaming is disabled.
func NewStreamingUnsupported() *Error {
	return &Error{
		Code:       ErrStreamingUnsupported,
		Message:    "streaming is disabled on this server; retry with stream=false",
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Code: ErrInvalidRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Code: ErrNotFound, Message: message, HTTPStatus: http.StatusNotFound}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *Error {
	return &Error{Code: ErrInternalError, Message: message, HTTPStatus: http.StatusInternalServerError}
}
