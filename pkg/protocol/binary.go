package protocol

import (
	"unicode/utf8"

	"github.com/multiformats/go-varint"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
)

const (
	binaryMagic0  = 'D'
	binaryMagic1  = 'X'
	binaryVersion = 1

	// magic, version and type
	binaryHeaderSize = 4
)

// BinaryFormatter encodes messages as
//
//	'D' 'X' version type uvarint(len(id)) id [uvarint(len(payload)) payload]
//
// where the payload part is present only for MessageReceived.
type BinaryFormatter struct{}

// NewBinaryFormatter creates a binary formatter
func NewBinaryFormatter() *BinaryFormatter {
	return &BinaryFormatter{}
}

// EncodeOpenConnectionMessage encodes an open request
func (f *BinaryFormatter) EncodeOpenConnectionMessage(responseReceiverID string) ([]byte, error) {
	return f.encode(OpenConnectionRequest, responseReceiverID, nil)
}

// EncodeCloseConnectionMessage encodes a close request
func (f *BinaryFormatter) EncodeCloseConnectionMessage(responseReceiverID string) ([]byte, error) {
	return f.encode(CloseConnectionRequest, responseReceiverID, nil)
}

// EncodeMessage encodes a data message
func (f *BinaryFormatter) EncodeMessage(responseReceiverID string, payload []byte) ([]byte, error) {
	return f.encode(MessageReceived, responseReceiverID, payload)
}

func (f *BinaryFormatter) encode(t MessageType, id string, payload []byte) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	size := binaryHeaderSize + varint.UvarintSize(uint64(len(id))) + len(id)
	if t == MessageReceived {
		size += varint.UvarintSize(uint64(len(payload))) + len(payload)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, binaryMagic0, binaryMagic1, binaryVersion, byte(t))
	buf = append(buf, varint.ToUvarint(uint64(len(id)))...)
	buf = append(buf, id...)
	if t == MessageReceived {
		buf = append(buf, varint.ToUvarint(uint64(len(payload)))...)
		buf = append(buf, payload...)
	}
	return buf, nil
}

// DecodeMessage decodes a frame produced by BinaryFormatter
func (f *BinaryFormatter) DecodeMessage(encoded []byte) (*ProtocolMessage, error) {
	n := len(encoded)
	if n < binaryHeaderSize {
		return nil, dxerrors.ProtocolFormat(FormatterBinary, 0, n, "frame shorter than header")
	}
	if encoded[0] != binaryMagic0 || encoded[1] != binaryMagic1 {
		return nil, dxerrors.ProtocolFormat(FormatterBinary, 0, n, "bad magic")
	}
	if encoded[2] != binaryVersion {
		return nil, dxerrors.ProtocolFormat(FormatterBinary, 2, n, "unsupported version")
	}

	t := MessageType(encoded[3])
	if !t.Valid() {
		return nil, dxerrors.ProtocolFormat(FormatterBinary, 3, n, "unknown message type")
	}

	off := binaryHeaderSize
	id, off, err := readChunk(encoded, off, "response receiver id")
	if err != nil {
		return nil, err
	}
	if len(id) == 0 {
		return nil, dxerrors.ProtocolFormat(FormatterBinary, off, n, "empty response receiver id")
	}
	if !utf8.Valid(id) {
		return nil, dxerrors.ProtocolFormat(FormatterBinary, off, n, "response receiver id is not UTF-8")
	}

	msg := &ProtocolMessage{
		MessageType:        t,
		ResponseReceiverID: string(id),
	}

	if t == MessageReceived {
		var payload []byte
		payload, off, err = readChunk(encoded, off, "payload")
		if err != nil {
			return nil, err
		}
		msg.Message = make([]byte, len(payload))
		copy(msg.Message, payload)
	}

	if off != n {
		return nil, dxerrors.ProtocolFormat(FormatterBinary, off, n, "trailing bytes after message")
	}

	return msg, nil
}

// readChunk reads a uvarint length-prefixed chunk at off and returns it with
// the offset following it.
func readChunk(buf []byte, off int, what string) ([]byte, int, error) {
	length, read, err := varint.FromUvarint(buf[off:])
	if err != nil {
		return nil, off, dxerrors.ProtocolFormat(FormatterBinary, off, len(buf), what+" length: "+err.Error())
	}
	off += read
	if length > uint64(len(buf)-off) {
		return nil, off, dxerrors.ProtocolFormat(FormatterBinary, off, len(buf), what+" truncated")
	}
	end := off + int(length)
	return buf[off:end], end, nil
}
