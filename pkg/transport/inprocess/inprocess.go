// Package inprocess provides connectors that exchange envelopes between
// channels of the same process. A Network owns the address space, so tests
// and embedded services never share global state.
package inprocess

import (
	"errors"
	"sync"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport"
)

const transportName = "inprocess"

// Option configures a Network
type Option func(*Network)

// WithFormatter sets the envelope formatter (default binary)
func WithFormatter(f protocol.Formatter) Option {
	return func(n *Network) {
		n.formatter = f
	}
}

// WithDispatching sets how frames are delivered to input connectors. The
// default serial dispatching keeps every input's frames in arrival order;
// sync dispatching delivers on the sender's goroutine.
func WithDispatching(p threading.DispatcherProvider) Option {
	return func(n *Network) {
		n.dispatching = p
	}
}

// WithPool sets the pool draining each output connector's response queue
func WithPool(pool threading.Executor) Option {
	return func(n *Network) {
		n.pool = pool
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(n *Network) {
		n.logger = logger
	}
}

// Network is a transport.Factory whose addresses are plain names
type Network struct {
	formatter   protocol.Formatter
	dispatching threading.DispatcherProvider
	pool        threading.Executor
	logger      logging.Logger

	mu     sync.Mutex
	inputs map[string]*InputConnector
}

var _ transport.Factory = (*Network)(nil)

// NewNetwork creates an empty network
func NewNetwork(opts ...Option) *Network {
	n := &Network{
		formatter: protocol.NewBinaryFormatter(),
		inputs:    make(map[string]*InputConnector),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.pool == nil {
		n.pool = threading.DefaultPool()
	}
	if n.dispatching == nil {
		n.dispatching = threading.NewSerialDispatching(n.pool)
	}
	if n.logger == nil {
		n.logger = logging.Component("InProcessTransport")
	}
	return n
}

// Formatter returns the envelope formatter
func (n *Network) Formatter() protocol.Formatter {
	return n.formatter
}

// CreateInputConnector creates a connector that listens on address
func (n *Network) CreateInputConnector(address string) (transport.InputConnector, error) {
	if address == "" {
		return nil, dxerrors.InvalidArgument("address", address, "non-empty address")
	}
	return &InputConnector{
		network:    n,
		address:    address,
		bindings:   transport.NewBindings[*OutputConnector](),
		dispatcher: n.dispatching.GetDispatcher(),
		logger:     n.logger.WithFields(logging.String("address", address)),
	}, nil
}

// CreateOutputConnector creates a connector to address for responseReceiverID
func (n *Network) CreateOutputConnector(address, responseReceiverID string) (transport.OutputConnector, error) {
	if address == "" {
		return nil, dxerrors.InvalidArgument("address", address, "non-empty address")
	}
	if responseReceiverID == "" {
		return nil, dxerrors.InvalidArgument("response_receiver_id", responseReceiverID, "non-empty string")
	}
	return &OutputConnector{
		network:            n,
		address:            address,
		responseReceiverID: responseReceiverID,
		queue:              threading.NewSerialQueue(n.pool, n.logger),
		logger: n.logger.WithFields(
			logging.String("address", address),
			logging.String("response_receiver_id", responseReceiverID),
		),
	}, nil
}

func (n *Network) register(c *InputConnector) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.inputs[c.address]; taken {
		return dxerrors.AlreadyListening(c.address)
	}
	n.inputs[c.address] = c
	return nil
}

func (n *Network) unregister(c *InputConnector) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.inputs[c.address] == c {
		delete(n.inputs, c.address)
	}
}

func (n *Network) lookup(address string) *InputConnector {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inputs[address]
}

// InputConnector is the service end of an in-process connection
type InputConnector struct {
	network    *Network
	address    string
	bindings   *transport.Bindings[*OutputConnector]
	dispatcher threading.Dispatcher
	logger     logging.Logger

	mu     sync.RWMutex
	router *transport.Router[*OutputConnector]
}

// StartListening registers the connector on its address
func (c *InputConnector) StartListening(handler transport.MessageHandler) error {
	if handler == nil {
		return dxerrors.InvalidArgument("handler", nil, "non-nil message handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.router != nil {
		return dxerrors.AlreadyListening(c.address)
	}
	if err := c.network.register(c); err != nil {
		return err
	}
	c.router = transport.NewRouter(c.network.formatter, c.bindings, handler,
		func(out *OutputConnector, encoded []byte) error { return out.receive(encoded) }, c.logger)
	c.logger.Debug("listening")
	return nil
}

// StopListening unregisters the connector and disconnects every bound output connector
func (c *InputConnector) StopListening() {
	c.mu.Lock()
	if c.router == nil {
		c.mu.Unlock()
		return
	}
	c.router = nil
	c.mu.Unlock()

	c.network.unregister(c)

	for _, id := range c.bindings.IDs() {
		if out, _, ok := c.bindings.Unbind(id); ok {
			out.disconnect()
		}
	}
	c.logger.Debug("stopped listening")
}

// IsListening reports whether the connector is registered
func (c *InputConnector) IsListening() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.router != nil
}

// SendResponseMessage delivers encoded to the output connector bound to responseReceiverID
func (c *InputConnector) SendResponseMessage(responseReceiverID string, encoded []byte) error {
	out, ok := c.bindings.Lookup(responseReceiverID)
	if !ok {
		return dxerrors.ReceiverNotConnected(c.address, responseReceiverID)
	}
	return out.receive(encoded)
}

// CloseConnection unbinds responseReceiverID and disconnects its output connector
func (c *InputConnector) CloseConnection(responseReceiverID string) error {
	out, _, ok := c.bindings.Unbind(responseReceiverID)
	if !ok {
		return nil
	}
	out.disconnect()
	return nil
}

func (c *InputConnector) deliver(from *OutputConnector, frame []byte) error {
	c.mu.RLock()
	router := c.router
	c.mu.RUnlock()

	if router == nil {
		return dxerrors.ConnectionLost(transportName, c.address, errors.New("input connector stopped listening"))
	}

	data := append([]byte(nil), frame...)
	c.dispatcher.Invoke(func() {
		router.HandleFrame(from, data, from.responseReceiverID)
	})
	return nil
}

// OutputConnector is the client end of an in-process connection
type OutputConnector struct {
	network            *Network
	address            string
	responseReceiverID string
	queue              *threading.SerialQueue
	logger             logging.Logger

	mu            sync.Mutex
	input         *InputConnector
	handler       transport.MessageHandler
	closeReceived bool
}

// OpenConnection attaches to the input connector listening on the address
// and sends the open envelope.
func (c *OutputConnector) OpenConnection(handler transport.MessageHandler) error {
	if handler == nil {
		return dxerrors.InvalidArgument("handler", nil, "non-nil message handler")
	}

	frame, err := c.network.formatter.EncodeOpenConnectionMessage(c.responseReceiverID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.input != nil {
		c.mu.Unlock()
		return dxerrors.InvalidOperation("inprocess.OutputConnector", "open_connection", "already connected")
	}
	input := c.network.lookup(c.address)
	if input == nil {
		c.mu.Unlock()
		return dxerrors.ConnectionFailed(transportName, c.address, errors.New("no input connector is listening"))
	}
	c.input = input
	c.handler = handler
	c.closeReceived = false
	c.mu.Unlock()

	if err := input.deliver(c, frame); err != nil {
		c.mu.Lock()
		c.input = nil
		c.mu.Unlock()
		return dxerrors.ConnectionFailed(transportName, c.address, err)
	}
	return nil
}

// CloseConnection sends the close envelope and detaches from the input connector
func (c *OutputConnector) CloseConnection() {
	c.mu.Lock()
	input := c.input
	c.input = nil
	c.mu.Unlock()

	if input == nil {
		return
	}

	frame, err := c.network.formatter.EncodeCloseConnectionMessage(c.responseReceiverID)
	if err != nil {
		c.logger.WithError(err).Warn("failed to encode close message")
		return
	}
	if err := input.deliver(c, frame); err != nil {
		c.logger.WithError(err).Debug("close message not delivered")
	}
}

// IsConnected reports whether the connector is attached to an input connector
func (c *OutputConnector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input != nil
}

// SendRequestMessage delivers encoded to the input connector
func (c *OutputConnector) SendRequestMessage(encoded []byte) error {
	c.mu.Lock()
	input := c.input
	c.mu.Unlock()

	if input == nil {
		return dxerrors.NotConnected(transportName, c.address)
	}
	return input.deliver(c, encoded)
}

// receive queues a response envelope for the handler
func (c *OutputConnector) receive(frame []byte) error {
	c.mu.Lock()
	handler := c.handler
	connected := c.input != nil
	c.mu.Unlock()

	if !connected || handler == nil {
		return dxerrors.NotConnected(transportName, c.address)
	}

	data := append([]byte(nil), frame...)
	c.queue.Enqueue(func() {
		msg, err := c.network.formatter.DecodeMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("dropping undecodable response")
			return
		}
		if msg.MessageType == protocol.CloseConnectionRequest {
			c.mu.Lock()
			c.closeReceived = true
			c.mu.Unlock()
		}
		handler(msg, c.address)
	})
	return nil
}

// disconnect detaches from the input side and reports a close to the
// handler unless the service already sent one.
func (c *OutputConnector) disconnect() {
	c.mu.Lock()
	if c.input == nil {
		c.mu.Unlock()
		return
	}
	c.input = nil
	handler := c.handler
	c.mu.Unlock()

	c.queue.Enqueue(func() {
		c.mu.Lock()
		closed := c.closeReceived
		c.mu.Unlock()
		if !closed && handler != nil {
			handler(transport.NewCloseMessage(c.responseReceiverID), c.address)
		}
	})
}
