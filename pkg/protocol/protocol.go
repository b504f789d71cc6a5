package protocol

import (
	"fmt"
	"strings"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
)

// MessageType identifies the kind of a ProtocolMessage. The numeric values are
// the ones written by BinaryFormatter.
type MessageType byte

const (
	// OpenConnectionRequest asks to open, or acknowledges, a logical connection
	OpenConnectionRequest MessageType = 10
	// CloseConnectionRequest closes, or refuses, a logical connection
	CloseConnectionRequest MessageType = 20
	// MessageReceived carries an application payload
	MessageReceived MessageType = 40
)

// String returns the name of the message type
func (t MessageType) String() string {
	switch t {
	case OpenConnectionRequest:
		return "OpenConnectionRequest"
	case CloseConnectionRequest:
		return "CloseConnectionRequest"
	case MessageReceived:
		return "MessageReceived"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// Valid reports whether t is one of the defined message types
func (t MessageType) Valid() bool {
	switch t {
	case OpenConnectionRequest, CloseConnectionRequest, MessageReceived:
		return true
	default:
		return false
	}
}

// ProtocolMessage is the decoded form of a connector frame. Message is nil for
// open and close requests.
type ProtocolMessage struct {
	MessageType        MessageType
	ResponseReceiverID string
	Message            []byte
}

// Formatter encodes and decodes protocol messages
type Formatter interface {
	EncodeOpenConnectionMessage(responseReceiverID string) ([]byte, error)
	EncodeCloseConnectionMessage(responseReceiverID string) ([]byte, error)
	EncodeMessage(responseReceiverID string, payload []byte) ([]byte, error)
	DecodeMessage(encoded []byte) (*ProtocolMessage, error)
}

// Formatter names used in configuration
const (
	FormatterBinary = "binary"
	FormatterJSON   = "json"
)

// ParseFormatter returns the formatter registered under name
func ParseFormatter(name string) (Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", FormatterBinary:
		return NewBinaryFormatter(), nil
	case FormatterJSON:
		return NewJSONFormatter(), nil
	default:
		return nil, dxerrors.InvalidConfig("formatter", name, "one of binary, json")
	}
}

// Encode encodes msg with f, choosing the method from its type
func Encode(f Formatter, msg *ProtocolMessage) ([]byte, error) {
	switch msg.MessageType {
	case OpenConnectionRequest:
		return f.EncodeOpenConnectionMessage(msg.ResponseReceiverID)
	case CloseConnectionRequest:
		return f.EncodeCloseConnectionMessage(msg.ResponseReceiverID)
	case MessageReceived:
		return f.EncodeMessage(msg.ResponseReceiverID, msg.Message)
	default:
		return nil, dxerrors.InvalidArgument("message_type", msg.MessageType, "open, close or message")
	}
}

func validateID(responseReceiverID string) error {
	if responseReceiverID == "" {
		return dxerrors.InvalidArgument("response_receiver_id", responseReceiverID, "non-empty string")
	}
	return nil
}
