package protocol

import (
	"bytes"
	"encoding/json"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
)

const (
	jsonTypeOpen    = "open"
	jsonTypeClose   = "close"
	jsonTypeMessage = "message"
)

// jsonEnvelope is the wire form used by JSONFormatter. Data is base64 encoded
// by encoding/json.
type jsonEnvelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data []byte `json:"data,omitempty"`
}

// JSONFormatter encodes messages as JSON objects
type JSONFormatter struct{}

// NewJSONFormatter creates a JSON formatter
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

// EncodeOpenConnectionMessage encodes an open request
func (f *JSONFormatter) EncodeOpenConnectionMessage(responseReceiverID string) ([]byte, error) {
	return f.encode(jsonTypeOpen, responseReceiverID, nil)
}

// EncodeCloseConnectionMessage encodes a close request
func (f *JSONFormatter) EncodeCloseConnectionMessage(responseReceiverID string) ([]byte, error) {
	return f.encode(jsonTypeClose, responseReceiverID, nil)
}

// EncodeMessage encodes a data message
func (f *JSONFormatter) EncodeMessage(responseReceiverID string, payload []byte) ([]byte, error) {
	return f.encode(jsonTypeMessage, responseReceiverID, payload)
}

func (f *JSONFormatter) encode(typ, id string, payload []byte) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	data, err := json.Marshal(jsonEnvelope{Type: typ, ID: id, Data: payload})
	if err != nil {
		return nil, dxerrors.WrapError(err, dxerrors.CodeInternalError, "failed to marshal envelope",
			dxerrors.CategoryInternal, dxerrors.SeverityError)
	}
	return data, nil
}

// DecodeMessage decodes a frame produced by JSONFormatter
func (f *JSONFormatter) DecodeMessage(encoded []byte) (*ProtocolMessage, error) {
	var env jsonEnvelope

	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, dxerrors.WrapProtocolFormat(FormatterJSON, err)
	}
	if dec.More() {
		return nil, dxerrors.ProtocolFormat(FormatterJSON, int(dec.InputOffset()), len(encoded), "trailing data after envelope")
	}

	if env.ID == "" {
		return nil, dxerrors.ProtocolFormat(FormatterJSON, 0, len(encoded), "empty response receiver id")
	}

	msg := &ProtocolMessage{ResponseReceiverID: env.ID}
	switch env.Type {
	case jsonTypeOpen:
		msg.MessageType = OpenConnectionRequest
	case jsonTypeClose:
		msg.MessageType = CloseConnectionRequest
	case jsonTypeMessage:
		msg.MessageType = MessageReceived
		msg.Message = env.Data
		if msg.Message == nil {
			msg.Message = []byte{}
		}
	default:
		return nil, dxerrors.ProtocolFormat(FormatterJSON, 0, len(encoded), "unknown message type "+env.Type)
	}

	return msg, nil
}
