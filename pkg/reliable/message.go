package reliable

import (
	"encoding/json"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
)

const formatName = "reliable"

// MessageType distinguishes payloads from acknowledgements
type MessageType string

const (
	TypeMessage MessageType = "message"
	TypeAck     MessageType = "ack"
)

// ReliableMessage is the payload reliable channels exchange over the inner
// duplex channel
type ReliableMessage struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`
	Payload []byte      `json:"payload,omitempty"`
}

// EncodeMessage encodes m as JSON
func EncodeMessage(m ReliableMessage) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, dxerrors.WrapProtocolFormat(formatName, err)
	}
	return b, nil
}

// DecodeMessage decodes a message produced by EncodeMessage
func DecodeMessage(b []byte) (ReliableMessage, error) {
	var m ReliableMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return ReliableMessage{}, dxerrors.WrapProtocolFormat(formatName, err)
	}
	switch m.Type {
	case TypeMessage, TypeAck:
	default:
		return ReliableMessage{}, dxerrors.ProtocolFormat(formatName, 0, len(b), "unknown message type "+string(m.Type))
	}
	if m.ID == "" {
		return ReliableMessage{}, dxerrors.ProtocolFormat(formatName, 0, len(b), "missing message id")
	}
	return m, nil
}
