package errors

import (
	"fmt"
)

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Transport string `json:"transport"`
	Operation string `json:"operation,omitempty"`
	Address   string `json:"address,omitempty"`
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

// FrameErrorData contains structured data for oversized frames
type FrameErrorData struct {
	Transport string `json:"transport"`
	Size      int64  `json:"size"`
	MaxSize   int64  `json:"max_size"`
}

func reason(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// TransportError creates a generic transport error
func TransportError(transport, operation string, cause error) MessagingError {
	message := fmt.Sprintf("%s transport error", transport)
	if operation != "" {
		message = fmt.Sprintf("%s transport error during %s", transport, operation)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeTransportError,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: operation,
		Reason:    reason(cause),
	})
}

// ConnectionFailed creates an error for connection failures
func ConnectionFailed(transport, address string, cause error) MessagingError {
	message := fmt.Sprintf("Failed to connect via %s", transport)
	if address != "" {
		message = fmt.Sprintf("Failed to connect to %s via %s", address, transport)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeConnectionFailed,
		message,
		CategoryTransport,
		SeverityCritical,
	).WithData(&TransportErrorData{
		Transport: transport,
		Operation: "connect",
		Address:   address,
		Reason:    reason(cause),
	})
}

// ConnectionLost creates an error for lost connections
func ConnectionLost(transport, address string, cause error) MessagingError {
	message := fmt.Sprintf("Lost connection via %s", transport)
	if address != "" {
		message = fmt.Sprintf("Lost connection to %s via %s", address, transport)
	}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
	}

	return WrapError(
		cause,
		CodeConnectionLost,
		message,
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Address:   address,
		Connected: false,
		Reason:    reason(cause),
	})
}

// NotConnected creates an error for sending through a connector with no live connection
func NotConnected(transport, address string) MessagingError {
	return NewError(
		CodeConnectionLost,
		fmt.Sprintf("%s connector to %s is not connected", transport, address),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: transport,
		Address:   address,
		Operation: "send",
	})
}

// MessageTooLarge creates an error for a frame exceeding the configured size limit
func MessageTooLarge(transport string, size, maxSize int64) MessagingError {
	return NewError(
		CodeMessageTooLarge,
		fmt.Sprintf("%s frame of %d bytes exceeds limit of %d bytes", transport, size, maxSize),
		CategoryTransport,
		SeverityError,
	).WithData(&FrameErrorData{
		Transport: transport,
		Size:      size,
		MaxSize:   maxSize,
	})
}
