package errors

// Generic error codes
const (
	// CodeInternalError indicates an unexpected internal failure
	CodeInternalError int = -32603
)

// Messaging error codes
const (
	// Protocol Errors (-32100 to -32199)
	CodeProtocolFormat    int = -32100 // Envelope has unrecognized or malformed framing
	CodeProtocolViolation int = -32102 // Well-formed message arriving in the wrong state

	// State Errors (-32200 to -32299)
	CodeInvalidOperation     int = -32200 // Operation not valid in the current state
	CodeAlreadyRegistered    int = -32201 // Single-subscriber slot already taken
	CodeChannelNotConnected  int = -32202 // Send on a channel that is not open
	CodeConnectionNotGranted int = -32203 // Input side refused the connection
	CodeAlreadyListening     int = -32204 // Input channel is already listening
	CodeReceiverNotConnected int = -32205 // Response receiver unknown or disconnected

	// Operation Errors (-32300 to -32399)
	CodeOperationCancelled int = -32300 // Operation was cancelled
	CodeOperationTimeout   int = -32301 // Bounded wait expired

	// Transport Errors (-32500 to -32599)
	CodeTransportError   int = -32500 // Generic transport error
	CodeConnectionFailed int = -32501 // Failed to establish connection
	CodeConnectionLost   int = -32502 // Connection lost during operation
	CodeMessageTooLarge  int = -32503 // Frame exceeds the configured limit

	// Validation Errors (-32750 to -32799)
	CodeInvalidArgument  int = -32750 // Argument has an invalid value
	CodeSequenceMismatch int = -32751 // Fragment routed to the wrong sequence
	CodeInvalidConfig    int = -32752 // Configuration rejected
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

// errorCodeRegistry maps error codes to their information
var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeInternalError: {CodeInternalError, "InternalError", "Internal error", CategoryInternal, SeverityError},

	// Protocol
	CodeProtocolFormat:    {CodeProtocolFormat, "ProtocolFormatError", "Malformed or unrecognized envelope", CategoryProtocol, SeverityError},
	CodeProtocolViolation: {CodeProtocolViolation, "ProtocolViolation", "Message not valid in current state", CategoryProtocol, SeverityWarning},

	// State
	CodeInvalidOperation:     {CodeInvalidOperation, "InvalidOperation", "Operation not valid in current state", CategoryState, SeverityError},
	CodeAlreadyRegistered:    {CodeAlreadyRegistered, "AlreadyRegistered", "Handler already registered", CategoryState, SeverityError},
	CodeChannelNotConnected:  {CodeChannelNotConnected, "ChannelNotConnected", "Channel is not connected", CategoryState, SeverityError},
	CodeConnectionNotGranted: {CodeConnectionNotGranted, "ConnectionNotGranted", "Connection refused by input channel", CategoryState, SeverityError},
	CodeAlreadyListening:     {CodeAlreadyListening, "AlreadyListening", "Input channel already listening", CategoryState, SeverityError},
	CodeReceiverNotConnected: {CodeReceiverNotConnected, "ReceiverNotConnected", "Response receiver not connected", CategoryState, SeverityWarning},

	// Operation
	CodeOperationCancelled: {CodeOperationCancelled, "OperationCancelled", "Operation cancelled", CategoryCancelled, SeverityInfo},
	CodeOperationTimeout:   {CodeOperationTimeout, "OperationTimeout", "Operation timed out", CategoryTimeout, SeverityError},

	// Transport
	CodeTransportError:   {CodeTransportError, "TransportError", "Transport error", CategoryTransport, SeverityError},
	CodeConnectionFailed: {CodeConnectionFailed, "ConnectionFailed", "Connection failed", CategoryTransport, SeverityCritical},
	CodeConnectionLost:   {CodeConnectionLost, "ConnectionLost", "Connection lost", CategoryTransport, SeverityError},
	CodeMessageTooLarge:  {CodeMessageTooLarge, "MessageTooLarge", "Frame exceeds size limit", CategoryTransport, SeverityError},

	// Validation
	CodeInvalidArgument:  {CodeInvalidArgument, "InvalidArgument", "Invalid argument", CategoryValidation, SeverityError},
	CodeSequenceMismatch: {CodeSequenceMismatch, "SequenceMismatch", "Fragment sequence id mismatch", CategoryValidation, SeverityError},
	CodeInvalidConfig:    {CodeInvalidConfig, "InvalidConfig", "Invalid configuration", CategoryValidation, SeverityError},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// ListErrorCodes returns all registered error codes
func ListErrorCodes() []ErrorCodeInfo {
	codes := make([]ErrorCodeInfo, 0, len(errorCodeRegistry))
	for _, info := range errorCodeRegistry {
		codes = append(codes, info)
	}
	return codes
}
