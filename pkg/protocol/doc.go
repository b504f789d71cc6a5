// Package protocol defines the envelope exchanged between duplex output and
// input channels.
//
// Every frame a connector carries is one of three messages, each naming the
// response receiver it belongs to:
//
//   - OpenConnectionRequest: a client asks to connect; the service echoes it back to accept.
//   - CloseConnectionRequest: either side ends the logical connection; a close sent in
//     reply to an open is a refusal.
//   - MessageReceived: an application payload.
//
// # Formatters
//
// A Formatter turns messages into bytes and back. Two are provided:
//
//   - BinaryFormatter: compact framing with a "DX" magic, a version byte, the message
//     type and varint length-prefixed id and payload. Used by stream transports.
//   - JSONFormatter: {"type":"open|close|message","id":"...","data":"<base64>"},
//     suited for text-oriented transports such as WebSocket text frames.
//
// Decoding anything a formatter does not recognize fails with a protocol format
// error (errors.CodeProtocolFormat) instead of producing a partial message.
//
// # Example
//
//	f := protocol.NewBinaryFormatter()
//	frame, _ := f.EncodeMessage("client-1", []byte("hello"))
//	msg, err := f.DecodeMessage(frame)
//	// msg.MessageType == protocol.MessageReceived, msg.ResponseReceiverID == "client-1"
package protocol
