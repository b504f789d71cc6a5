package errors

import (
	"fmt"
	"time"
)

// StateErrorData contains structured data for invalid-operation errors
type StateErrorData struct {
	Component string `json:"component"`
	Operation string `json:"operation"`
	State     string `json:"state,omitempty"`
	ID        string `json:"id,omitempty"`
}

// TimeoutErrorData contains structured data for expired bounded waits
type TimeoutErrorData struct {
	Operation string        `json:"operation"`
	Timeout   time.Duration `json:"timeout"`
}

// InvalidOperation creates an error for an operation that violates the current state
func InvalidOperation(component, operation, reason string) MessagingError {
	return NewError(
		CodeInvalidOperation,
		fmt.Sprintf("%s: invalid operation %s: %s", component, operation, reason),
		CategoryState,
		SeverityError,
	).WithData(&StateErrorData{
		Component: component,
		Operation: operation,
	})
}

// AlreadyRegistered creates an error for a second registration into a
// single-subscriber slot. id names what was already registered.
func AlreadyRegistered(component, id string) MessagingError {
	return NewError(
		CodeAlreadyRegistered,
		fmt.Sprintf("%s: handler for '%s' is already registered", component, id),
		CategoryState,
		SeverityError,
	).WithData(&StateErrorData{
		Component: component,
		Operation: "register",
		ID:        id,
	})
}

// ChannelNotConnected creates an error for sending on a channel that is not open
func ChannelNotConnected(channelID, state string) MessagingError {
	return NewError(
		CodeChannelNotConnected,
		fmt.Sprintf("channel '%s' is not connected (state: %s)", channelID, state),
		CategoryState,
		SeverityError,
	).WithData(&StateErrorData{
		Component: "DuplexOutputChannel",
		Operation: "send",
		State:     state,
		ID:        channelID,
	})
}

// ConnectionNotGranted creates an error for a connection refused by the input side
func ConnectionNotGranted(channelID, responseReceiverID string) MessagingError {
	return NewError(
		CodeConnectionNotGranted,
		fmt.Sprintf("connection of '%s' to channel '%s' was not granted", responseReceiverID, channelID),
		CategoryState,
		SeverityError,
	).WithContext(&Context{
		ChannelID:          channelID,
		ResponseReceiverID: responseReceiverID,
		Component:          "DuplexOutputChannel",
		Operation:          "open_connection",
		Timestamp:          time.Now(),
	})
}

// AlreadyListening creates an error for starting an input channel twice
func AlreadyListening(channelID string) MessagingError {
	return NewError(
		CodeAlreadyListening,
		fmt.Sprintf("channel '%s' is already listening", channelID),
		CategoryState,
		SeverityError,
	)
}

// ReceiverNotConnected creates an error for routing to an unknown or closed response receiver
func ReceiverNotConnected(channelID, responseReceiverID string) MessagingError {
	return NewError(
		CodeReceiverNotConnected,
		fmt.Sprintf("response receiver '%s' is not connected to channel '%s'", responseReceiverID, channelID),
		CategoryState,
		SeverityWarning,
	).WithContext(&Context{
		ChannelID:          channelID,
		ResponseReceiverID: responseReceiverID,
		Component:          "DuplexInputChannel",
		Operation:          "send_response",
		Timestamp:          time.Now(),
	})
}

// Timeout creates an error for an expired bounded wait
func Timeout(operation string, timeout time.Duration) MessagingError {
	return NewError(
		CodeOperationTimeout,
		fmt.Sprintf("%s timed out after %v", operation, timeout),
		CategoryTimeout,
		SeverityError,
	).WithData(&TimeoutErrorData{
		Operation: operation,
		Timeout:   timeout,
	})
}

// Cancelled wraps a context cancellation observed during operation
func Cancelled(operation string, cause error) MessagingError {
	return WrapError(
		cause,
		CodeOperationCancelled,
		fmt.Sprintf("%s cancelled", operation),
		CategoryCancelled,
		SeverityInfo,
	)
}
