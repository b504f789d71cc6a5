// Package transport defines the connector contracts that carry protocol
// envelopes between duplex channels, plus the pieces shared by the concrete
// transports: stream framing, response receiver bindings and factory
// middleware.
//
// An OutputConnector is the client end of one logical connection. It opens a
// physical connection to an address, sends the open envelope for its response
// receiver id and hands every inbound envelope to its handler.
//
// An InputConnector is the service end. It accepts physical connections,
// binds each response receiver id to the connection its open envelope came
// from, and routes responses back over that connection. When a physical
// connection drops, the handler receives a CloseConnectionRequest for every id
// that was bound to it, so the channel layer sees a transport failure exactly
// like an orderly close.
//
// Concrete transports live in sub-packages:
//
//   - inprocess: connectors within one process, owned by a Network value
//   - tcp: length-prefixed frames over TCP sockets
//   - websocket: one envelope per WebSocket message (gorilla/websocket)
//
// Connectors never interpret envelopes beyond what binding requires; the
// channel layer is the only place that implements the connection state machine.
package transport
