package transport

import (
	"strings"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
)

// MessageHandler receives decoded envelopes. senderAddress identifies the
// physical peer for logging and may be empty.
type MessageHandler func(msg *protocol.ProtocolMessage, senderAddress string)

// InputConnector is the service end of a transport
type InputConnector interface {
	// StartListening begins accepting connections and delivering envelopes to handler
	StartListening(handler MessageHandler) error
	// StopListening closes every connection and stops accepting new ones
	StopListening()
	// IsListening reports whether the connector accepts connections
	IsListening() bool
	// SendResponseMessage writes an encoded envelope to the connection bound to responseReceiverID
	SendResponseMessage(responseReceiverID string, encoded []byte) error
	// CloseConnection unbinds responseReceiverID, closing its physical
	// connection once nothing else is bound to it
	CloseConnection(responseReceiverID string) error
}

// OutputConnector is the client end of a transport
type OutputConnector interface {
	// OpenConnection connects and sends the open envelope of the connector's response receiver id
	OpenConnection(handler MessageHandler) error
	// CloseConnection sends the close envelope and tears the connection down. It is idempotent.
	CloseConnection()
	// IsConnected reports whether the physical connection is up
	IsConnected() bool
	// SendRequestMessage writes an encoded envelope
	SendRequestMessage(encoded []byte) error
}

// Factory creates connectors of one transport
type Factory interface {
	CreateInputConnector(address string) (InputConnector, error)
	CreateOutputConnector(address, responseReceiverID string) (OutputConnector, error)
	// Formatter returns the envelope formatter the connectors decode with
	Formatter() protocol.Formatter
}

// Type names a transport in configuration
type Type string

const (
	TypeInProcess Type = "inprocess"
	TypeTCP       Type = "tcp"
	TypeWebSocket Type = "websocket"
)

// DefaultMaxFrameSize bounds a single envelope on stream transports
const DefaultMaxFrameSize = 16 << 20

// Config selects and configures a transport
type Config struct {
	Type         Type   `json:"type" yaml:"type"`
	Address      string `json:"address" yaml:"address"`
	Formatter    string `json:"formatter" yaml:"formatter"`
	MaxFrameSize int    `json:"max_frame_size" yaml:"max_frame_size"`
}

// ParseType validates a transport name
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeInProcess, TypeTCP, TypeWebSocket:
		return t, nil
	default:
		return "", dxerrors.InvalidConfig("transport.type", s, "one of inprocess, tcp, websocket")
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	var errs []dxerrors.MessagingError

	if _, err := ParseType(string(c.Type)); err != nil {
		errs = appendMessagingError(errs, err)
	}
	if _, err := protocol.ParseFormatter(c.Formatter); err != nil {
		errs = appendMessagingError(errs, err)
	}
	if c.MaxFrameSize < 0 {
		errs = append(errs, dxerrors.InvalidConfig("transport.max_frame_size", c.MaxFrameSize, "must not be negative"))
	}
	if c.Type != TypeInProcess && c.Address == "" {
		errs = append(errs, dxerrors.InvalidConfig("transport.address", c.Address, "required for network transports"))
	}

	if err := dxerrors.CombineValidationErrors(errs); err != nil {
		return err
	}
	return nil
}

func appendMessagingError(errs []dxerrors.MessagingError, err error) []dxerrors.MessagingError {
	if msgErr, ok := dxerrors.AsMessagingError(err); ok {
		return append(errs, msgErr)
	}
	return append(errs, dxerrors.WrapError(err, dxerrors.CodeInvalidConfig, err.Error(),
		dxerrors.CategoryValidation, dxerrors.SeverityError))
}

// StripScheme removes a "scheme://" prefix from an address
func StripScheme(address string) string {
	if i := strings.Index(address, "://"); i >= 0 {
		return address[i+3:]
	}
	return address
}

// NewOpenMessage returns the synthesized envelope for an open request
func NewOpenMessage(responseReceiverID string) *protocol.ProtocolMessage {
	return &protocol.ProtocolMessage{
		MessageType:        protocol.OpenConnectionRequest,
		ResponseReceiverID: responseReceiverID,
	}
}

// NewCloseMessage returns the synthesized envelope reported when a connection drops
func NewCloseMessage(responseReceiverID string) *protocol.ProtocolMessage {
	return &protocol.ProtocolMessage{
		MessageType:        protocol.CloseConnectionRequest,
		ResponseReceiverID: responseReceiverID,
	}
}
