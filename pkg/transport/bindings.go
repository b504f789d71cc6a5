package transport

import (
	"runtime/debug"
	"sync"

	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
)

// Bindings maps response receiver ids to the physical connection serving
// them. C is the connection handle of a transport.
type Bindings[C comparable] struct {
	mu     sync.Mutex
	byID   map[string]C
	byConn map[C]map[string]struct{}
}

// NewBindings creates an empty table
func NewBindings[C comparable]() *Bindings[C] {
	return &Bindings[C]{
		byID:   make(map[string]C),
		byConn: make(map[C]map[string]struct{}),
	}
}

// Claim routes id to conn unless another connection already serves it. It
// returns the connection serving id and whether that is conn.
func (b *Bindings[C]) Claim(id string, conn C) (owner C, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, bound := b.byID[id]; bound && prev != conn {
		return prev, false
	}
	b.byID[id] = conn
	ids, ok := b.byConn[conn]
	if !ok {
		ids = make(map[string]struct{})
		b.byConn[conn] = ids
	}
	ids[id] = struct{}{}
	return conn, true
}

// Lookup returns the connection serving id
func (b *Bindings[C]) Lookup(id string) (C, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.byID[id]
	return conn, ok
}

// Unbind removes id and reports the connection it was bound to and how many
// ids remain bound to that connection.
func (b *Bindings[C]) Unbind(id string) (conn C, remaining int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, ok = b.byID[id]
	if !ok {
		return conn, 0, false
	}
	b.removeLocked(id, conn)
	return conn, len(b.byConn[conn]), true
}

// Release unbinds id only when it is bound to conn
func (b *Bindings[C]) Release(id string, conn C) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.byID[id]; !ok || prev != conn {
		return false
	}
	b.removeLocked(id, conn)
	return true
}

// DropConnection removes conn and returns the ids that were bound to it
func (b *Bindings[C]) DropConnection(conn C) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := b.byConn[conn]
	delete(b.byConn, conn)

	dropped := make([]string, 0, len(ids))
	for id := range ids {
		delete(b.byID, id)
		dropped = append(dropped, id)
	}
	return dropped
}

// IDs returns every bound id
func (b *Bindings[C]) IDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.byID))
	for id := range b.byID {
		ids = append(ids, id)
	}
	return ids
}

func (b *Bindings[C]) removeLocked(id string, conn C) {
	delete(b.byID, id)
	if ids, ok := b.byConn[conn]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(b.byConn, conn)
		}
	}
}

// ReplyFunc writes an encoded envelope back on the connection a frame came from
type ReplyFunc[C comparable] func(conn C, encoded []byte) error

// Router decodes the frames read by an input connector, keeps the bindings
// current and reports dropped connections as close requests. A response
// receiver id belongs to the connection that opened it: frames for that id
// arriving on any other connection are refused or dropped.
type Router[C comparable] struct {
	formatter protocol.Formatter
	bindings  *Bindings[C]
	handler   MessageHandler
	reply     ReplyFunc[C]
	logger    logging.Logger
}

// NewRouter creates a router delivering to handler. reply answers refused
// opens; it may be nil.
func NewRouter[C comparable](formatter protocol.Formatter, bindings *Bindings[C], handler MessageHandler, reply ReplyFunc[C], logger logging.Logger) *Router[C] {
	return &Router[C]{
		formatter: formatter,
		bindings:  bindings,
		handler:   handler,
		reply:     reply,
		logger:    logger,
	}
}

// HandleFrame decodes frame received on conn and delivers it. Frames that do
// not decode are logged and dropped.
func (r *Router[C]) HandleFrame(conn C, frame []byte, senderAddress string) {
	msg, err := r.formatter.DecodeMessage(frame)
	if err != nil {
		r.logger.WithError(err).Warn("dropping undecodable frame",
			logging.String("sender", senderAddress),
			logging.Int("size", len(frame)),
		)
		return
	}

	id := msg.ResponseReceiverID
	switch msg.MessageType {
	case protocol.OpenConnectionRequest:
		if _, ok := r.bindings.Claim(id, conn); !ok {
			r.refuse(conn, id, senderAddress)
			return
		}
	case protocol.CloseConnectionRequest:
		if !r.bindings.Release(id, conn) {
			r.logger.Debug("ignoring close for a response receiver not served by this connection",
				logging.String("response_receiver_id", id),
				logging.String("sender", senderAddress),
			)
			return
		}
	case protocol.MessageReceived:
		if owner, ok := r.bindings.Lookup(id); ok && owner != conn {
			r.logger.Warn("dropping message for a response receiver served by another connection",
				logging.String("response_receiver_id", id),
				logging.String("sender", senderAddress),
			)
			return
		}
	}

	r.deliver(msg, senderAddress)
}

// refuse answers an open for an id another connection already serves with a
// close on the requesting connection. The existing binding is untouched.
func (r *Router[C]) refuse(conn C, id, senderAddress string) {
	r.logger.Warn("refusing open for a response receiver served by another connection",
		logging.String("response_receiver_id", id),
		logging.String("sender", senderAddress),
	)
	if r.reply == nil {
		return
	}
	frame, err := r.formatter.EncodeCloseConnectionMessage(id)
	if err == nil {
		err = r.reply(conn, frame)
	}
	if err != nil {
		r.logger.WithError(err).Debug("failed to send refusal",
			logging.String("response_receiver_id", id))
	}
}

// ConnectionClosed reports a close request for every id bound to conn
func (r *Router[C]) ConnectionClosed(conn C, senderAddress string) {
	for _, id := range r.bindings.DropConnection(conn) {
		r.logger.Debug("connection dropped, closing response receiver",
			logging.String("response_receiver_id", id),
			logging.String("sender", senderAddress),
		)
		r.deliver(NewCloseMessage(id), senderAddress)
	}
}

func (r *Router[C]) deliver(msg *protocol.ProtocolMessage, senderAddress string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panicked",
				logging.Any("panic", rec),
				logging.String("stack", string(debug.Stack())),
			)
		}
	}()
	r.handler(msg, senderAddress)
}
