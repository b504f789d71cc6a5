// Package tcp provides connectors that carry length-prefixed envelopes over
// TCP. One physical connection serves every response receiver id opened on
// it; the input connector routes responses by the id bound on open.
package tcp

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport"
)

const transportName = "tcp"

// DefaultDialTimeout bounds connecting an output connector
const DefaultDialTimeout = 5 * time.Second

// Option configures a Factory
type Option func(*Factory)

// WithFormatter sets the envelope formatter (default binary)
func WithFormatter(f protocol.Formatter) Option {
	return func(fa *Factory) {
		fa.formatter = f
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(fa *Factory) {
		fa.logger = logger
	}
}

// WithMaxFrameSize bounds a single envelope
func WithMaxFrameSize(n int) Option {
	return func(fa *Factory) {
		fa.maxFrameSize = n
	}
}

// WithDialTimeout sets how long OpenConnection waits to connect
func WithDialTimeout(d time.Duration) Option {
	return func(fa *Factory) {
		fa.dialTimeout = d
	}
}

// Factory creates TCP connectors. Addresses are host:port with an optional
// tcp:// prefix.
type Factory struct {
	formatter    protocol.Formatter
	logger       logging.Logger
	maxFrameSize int
	dialTimeout  time.Duration
}

var _ transport.Factory = (*Factory)(nil)

// NewFactory creates a factory
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		formatter:    protocol.NewBinaryFormatter(),
		maxFrameSize: transport.DefaultMaxFrameSize,
		dialTimeout:  DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = logging.Component("TCPTransport")
	}
	if f.maxFrameSize <= 0 {
		f.maxFrameSize = transport.DefaultMaxFrameSize
	}
	if f.dialTimeout <= 0 {
		f.dialTimeout = DefaultDialTimeout
	}
	return f
}

// Formatter returns the envelope formatter
func (f *Factory) Formatter() protocol.Formatter {
	return f.formatter
}

// CreateInputConnector creates a connector listening on address
func (f *Factory) CreateInputConnector(address string) (transport.InputConnector, error) {
	addr := transport.StripScheme(address)
	if addr == "" {
		return nil, dxerrors.InvalidArgument("address", address, "host:port")
	}
	return &InputConnector{
		factory:  f,
		address:  addr,
		bindings: transport.NewBindings[*conn](),
		logger:   f.logger.WithFields(logging.String("address", addr)),
	}, nil
}

// CreateOutputConnector creates a connector to address for responseReceiverID
func (f *Factory) CreateOutputConnector(address, responseReceiverID string) (transport.OutputConnector, error) {
	addr := transport.StripScheme(address)
	if addr == "" {
		return nil, dxerrors.InvalidArgument("address", address, "host:port")
	}
	if responseReceiverID == "" {
		return nil, dxerrors.InvalidArgument("response_receiver_id", responseReceiverID, "non-empty string")
	}
	return &OutputConnector{
		factory:            f,
		address:            addr,
		responseReceiverID: responseReceiverID,
		logger: f.logger.WithFields(
			logging.String("address", addr),
			logging.String("response_receiver_id", responseReceiverID),
		),
	}, nil
}

// conn is a physical connection with serialized writes
type conn struct {
	net.Conn
	writeMu sync.Mutex
}

func (c *conn) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return transport.WriteFrame(c.Conn, frame)
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// InputConnector accepts TCP connections
type InputConnector struct {
	factory  *Factory
	address  string
	bindings *transport.Bindings[*conn]
	logger   logging.Logger

	mu       sync.Mutex
	listener net.Listener
	router   *transport.Router[*conn]
	conns    map[*conn]struct{}
	group    *errgroup.Group
}

// StartListening binds the address and starts accepting connections
func (c *InputConnector) StartListening(handler transport.MessageHandler) error {
	if handler == nil {
		return dxerrors.InvalidArgument("handler", nil, "non-nil message handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listener != nil {
		return dxerrors.AlreadyListening(c.address)
	}

	ln, err := net.Listen("tcp", c.address)
	if err != nil {
		return dxerrors.ConnectionFailed(transportName, c.address, err)
	}

	c.listener = ln
	c.router = transport.NewRouter(c.factory.formatter, c.bindings, handler,
		func(cn *conn, encoded []byte) error { return cn.writeFrame(encoded) },
		c.logger)
	c.conns = make(map[*conn]struct{})
	c.group = new(errgroup.Group)

	router := c.router
	group := c.group
	group.Go(func() error {
		c.acceptLoop(ln, router, group)
		return nil
	})

	c.logger.Info("listening", logging.String("local_address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil when not listening
func (c *InputConnector) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

func (c *InputConnector) acceptLoop(ln net.Listener, router *transport.Router[*conn], group *errgroup.Group) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.WithError(err).Error("accept failed")
			}
			return
		}

		cn := &conn{Conn: nc}
		c.mu.Lock()
		if c.listener != ln {
			c.mu.Unlock()
			_ = nc.Close()
			return
		}
		c.conns[cn] = struct{}{}
		c.mu.Unlock()

		group.Go(func() error {
			c.readLoop(cn, router)
			return nil
		})
	}
}

func (c *InputConnector) readLoop(cn *conn, router *transport.Router[*conn]) {
	remote := cn.RemoteAddr().String()
	reader := bufio.NewReader(cn)

	for {
		frame, err := transport.ReadFrame(reader, c.factory.maxFrameSize)
		if err != nil {
			if !isClosedErr(err) {
				c.logger.WithError(err).Warn("connection read failed", logging.String("sender", remote))
			}
			break
		}
		router.HandleFrame(cn, frame, remote)
	}

	c.mu.Lock()
	delete(c.conns, cn)
	c.mu.Unlock()

	_ = cn.Close()
	router.ConnectionClosed(cn, remote)
}

// StopListening closes the listener and every accepted connection and waits
// for their read loops to finish.
func (c *InputConnector) StopListening() {
	c.mu.Lock()
	ln := c.listener
	if ln == nil {
		c.mu.Unlock()
		return
	}
	c.listener = nil
	group := c.group
	conns := c.conns
	c.conns = make(map[*conn]struct{})
	c.mu.Unlock()

	err := ln.Close()
	for cn := range conns {
		err = multierr.Append(err, cn.Close())
	}
	if err != nil {
		c.logger.WithError(err).Debug("errors while closing connections")
	}

	_ = group.Wait()
	c.logger.Info("stopped listening")
}

// IsListening reports whether the listener is open
func (c *InputConnector) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener != nil
}

// SendResponseMessage writes encoded to the connection bound to responseReceiverID
func (c *InputConnector) SendResponseMessage(responseReceiverID string, encoded []byte) error {
	if len(encoded) > c.factory.maxFrameSize {
		return dxerrors.MessageTooLarge(transportName, int64(len(encoded)), int64(c.factory.maxFrameSize))
	}
	cn, ok := c.bindings.Lookup(responseReceiverID)
	if !ok {
		return dxerrors.ReceiverNotConnected(c.address, responseReceiverID)
	}
	if err := cn.writeFrame(encoded); err != nil {
		return dxerrors.TransportError(transportName, "write", err)
	}
	return nil
}

// CloseConnection unbinds responseReceiverID and closes its connection when
// no other id is bound to it.
func (c *InputConnector) CloseConnection(responseReceiverID string) error {
	cn, remaining, ok := c.bindings.Unbind(responseReceiverID)
	if !ok || remaining > 0 {
		return nil
	}
	if err := cn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return dxerrors.TransportError(transportName, "close", err)
	}
	return nil
}

// OutputConnector dials a TCP input connector
type OutputConnector struct {
	factory            *Factory
	address            string
	responseReceiverID string
	logger             logging.Logger

	mu      sync.Mutex
	current *conn
}

// OpenConnection dials the address, starts reading responses and sends the
// open envelope.
func (c *OutputConnector) OpenConnection(handler transport.MessageHandler) error {
	if handler == nil {
		return dxerrors.InvalidArgument("handler", nil, "non-nil message handler")
	}

	open, err := c.factory.formatter.EncodeOpenConnectionMessage(c.responseReceiverID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return dxerrors.InvalidOperation("tcp.OutputConnector", "open_connection", "already connected")
	}

	nc, err := net.DialTimeout("tcp", c.address, c.factory.dialTimeout)
	if err != nil {
		return dxerrors.ConnectionFailed(transportName, c.address, err)
	}
	cn := &conn{Conn: nc}

	if err := cn.writeFrame(open); err != nil {
		_ = nc.Close()
		return dxerrors.ConnectionFailed(transportName, c.address, err)
	}

	c.current = cn
	go c.readLoop(cn, handler)

	c.logger.Debug("connection opened")
	return nil
}

func (c *OutputConnector) readLoop(cn *conn, handler transport.MessageHandler) {
	reader := bufio.NewReader(cn)
	closeReceived := false

	for {
		frame, err := transport.ReadFrame(reader, c.factory.maxFrameSize)
		if err != nil {
			if !isClosedErr(err) {
				c.logger.WithError(err).Warn("connection read failed")
			}
			break
		}

		msg, err := c.factory.formatter.DecodeMessage(frame)
		if err != nil {
			c.logger.WithError(err).Warn("dropping undecodable response")
			continue
		}
		if msg.MessageType == protocol.CloseConnectionRequest && msg.ResponseReceiverID == c.responseReceiverID {
			closeReceived = true
		}
		handler(msg, c.address)
	}

	c.mu.Lock()
	local := c.current != cn
	if !local {
		c.current = nil
	}
	c.mu.Unlock()

	_ = cn.Close()

	if !local && !closeReceived {
		c.logger.Debug("connection lost")
		handler(transport.NewCloseMessage(c.responseReceiverID), c.address)
	}
}

// CloseConnection sends the close envelope and closes the socket
func (c *OutputConnector) CloseConnection() {
	c.mu.Lock()
	cn := c.current
	c.current = nil
	c.mu.Unlock()

	if cn == nil {
		return
	}

	if frame, err := c.factory.formatter.EncodeCloseConnectionMessage(c.responseReceiverID); err == nil {
		if err := cn.writeFrame(frame); err != nil {
			c.logger.WithError(err).Debug("close message not sent")
		}
	}
	_ = cn.Close()
}

// IsConnected reports whether the socket is open
func (c *OutputConnector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// SendRequestMessage writes encoded to the socket
func (c *OutputConnector) SendRequestMessage(encoded []byte) error {
	if len(encoded) > c.factory.maxFrameSize {
		return dxerrors.MessageTooLarge(transportName, int64(len(encoded)), int64(c.factory.maxFrameSize))
	}

	c.mu.Lock()
	cn := c.current
	c.mu.Unlock()

	if cn == nil {
		return dxerrors.NotConnected(transportName, c.address)
	}
	if err := cn.writeFrame(encoded); err != nil {
		return dxerrors.ConnectionLost(transportName, c.address, err)
	}
	return nil
}
