// Package errors provides structured error handling for the duplex SDK.
// It defines an error taxonomy (protocol format, invalid operation, timeout,
// argument and transport errors) carrying codes, categories and context so
// callers can classify failures programmatically.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// Category represents the type/category of an error for classification and handling
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryState      Category = "state"
	CategoryTransport  Category = "transport"
	CategoryInternal   Category = "internal"
	CategoryTimeout    Category = "timeout"
	CategoryCancelled  Category = "cancelled"
	CategoryProtocol   Category = "protocol"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context provides additional context about where and when an error occurred
type Context struct {
	ChannelID          string                 `json:"channel_id,omitempty"`
	ResponseReceiverID string                 `json:"response_receiver_id,omitempty"`
	SequenceID         string                 `json:"sequence_id,omitempty"`
	Parameters         map[string]interface{} `json:"parameters,omitempty"`
	Timestamp          time.Time              `json:"timestamp"`
	Component          string                 `json:"component,omitempty"`
	Operation          string                 `json:"operation,omitempty"`
	TraceID            string                 `json:"trace_id,omitempty"`
}

// MessagingError defines the interface for all duplex SDK errors
type MessagingError interface {
	error

	// Code returns the numeric error code
	Code() int

	// Message returns a human-readable error message
	Message() string

	// Details returns detailed technical description for debugging
	Details() string

	// Data returns structured error data for programmatic handling
	Data() interface{}

	// Category returns the error category for classification
	Category() Category

	// Severity returns the error severity level
	Severity() Severity

	// Context returns the error context information
	Context() *Context

	// WithContext returns a new error with the provided context
	WithContext(ctx *Context) MessagingError

	// WithDetail returns a new error with additional detail
	WithDetail(detail string) MessagingError

	// WithData returns a new error with structured data
	WithData(data interface{}) MessagingError

	// Unwrap returns the underlying error for error chain traversal
	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map
	ToJSON() map[string]interface{}
}

// baseError implements the MessagingError interface
type baseError struct {
	code     int
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

// Error implements the error interface
func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

// Code returns the numeric error code
func (e *baseError) Code() int {
	return e.code
}

// Message returns the human-readable error message
func (e *baseError) Message() string {
	return e.message
}

// Details returns detailed technical description
func (e *baseError) Details() string {
	return e.details
}

// Data returns structured error data
func (e *baseError) Data() interface{} {
	return e.data
}

// Category returns the error category
func (e *baseError) Category() Category {
	return e.category
}

// Severity returns the error severity
func (e *baseError) Severity() Severity {
	return e.severity
}

// Context returns the error context
func (e *baseError) Context() *Context {
	return e.context
}

// WithContext returns a new error with the provided context
func (e *baseError) WithContext(ctx *Context) MessagingError {
	newErr := *e
	newErr.context = ctx
	return &newErr
}

// WithDetail returns a new error with additional detail
func (e *baseError) WithDetail(detail string) MessagingError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

// WithData returns a new error with structured data
func (e *baseError) WithData(data interface{}) MessagingError {
	newErr := *e
	newErr.data = data
	return &newErr
}

// Unwrap returns the underlying error
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a MessagingError with the same code, so
// errors.Is can match against the sentinel-like values built by this package.
func (e *baseError) Is(target error) bool {
	t, ok := target.(*baseError)
	if !ok {
		return false
	}
	return t.code == e.code
}

// ToJSON returns the error as a JSON-serializable map
func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     e.code,
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}

	if e.details != "" {
		result["details"] = e.details
	}

	if e.data != nil {
		result["data"] = e.data
	}

	if e.context != nil {
		result["context"] = e.context
	}

	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}

	return result
}

// NewError creates a new MessagingError with the specified parameters
func NewError(code int, message string, category Category, severity Severity) MessagingError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// NewErrorf creates a new MessagingError with formatted message
func NewErrorf(code int, category Category, severity Severity, format string, args ...interface{}) MessagingError {
	return NewError(code, fmt.Sprintf(format, args...), category, severity)
}

// WrapError wraps an existing error as a MessagingError
func WrapError(err error, code int, message string, category Category, severity Severity) MessagingError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// WrapErrorf wraps an existing error as a MessagingError with formatted message
func WrapErrorf(err error, code int, category Category, severity Severity, format string, args ...interface{}) MessagingError {
	return WrapError(err, code, fmt.Sprintf(format, args...), category, severity)
}

// AsMessagingError extracts a MessagingError from anywhere in err's chain.
func AsMessagingError(err error) (MessagingError, bool) {
	if err == nil {
		return nil, false
	}

	var msgErr MessagingError
	if stderrors.As(err, &msgErr) {
		return msgErr, true
	}

	return nil, false
}

// IsMessagingError checks if an error is a MessagingError
func IsMessagingError(err error) bool {
	_, ok := AsMessagingError(err)
	return ok
}

// IsCategory checks if an error is of a specific category
func IsCategory(err error, category Category) bool {
	if msgErr, ok := AsMessagingError(err); ok {
		return msgErr.Category() == category
	}
	return false
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code int) bool {
	if msgErr, ok := AsMessagingError(err); ok {
		return msgErr.Code() == code
	}
	return false
}

// MarshalJSON implements json.Marshaler for baseError
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}
