// Package websocket provides connectors that carry one envelope per WebSocket
// message. Input connectors serve ws://host:port/path with an HTTP server;
// JSON envelopes travel as text messages and binary envelopes as binary
// messages.
package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport"
)

const transportName = "websocket"

const (
	// DefaultDialTimeout bounds the opening handshake of an output connector
	DefaultDialTimeout = 5 * time.Second
	// DefaultShutdownTimeout bounds stopping the HTTP server
	DefaultShutdownTimeout = 5 * time.Second

	writeWait = 10 * time.Second
)

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

// WithMaxFrameSize bounds a single message
func WithMaxFrameSize(n int) Option {
	return func(fa *Factory) {
		fa.maxFrameSize = n
	}
}

// WithDialTimeout sets the handshake timeout of output connectors
func WithDialTimeout(d time.Duration) Option {
	return func(fa *Factory) {
		fa.dialTimeout = d
	}
}

// Factory creates WebSocket connectors
type Factory struct {
	formatter    protocol.Formatter
	logger       logging.Logger
	maxFrameSize int
	dialTimeout  time.Duration
	messageType  int
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
		f.logger = logging.Component("WebSocketTransport")
	}
	if f.maxFrameSize <= 0 {
		f.maxFrameSize = transport.DefaultMaxFrameSize
	}
	if f.dialTimeout <= 0 {
		f.dialTimeout = DefaultDialTimeout
	}
	f.messageType = websocket.BinaryMessage
	if _, ok := f.formatter.(*protocol.JSONFormatter); ok {
		f.messageType = websocket.TextMessage
	}
	return f
}

// Formatter returns the envelope formatter
func (f *Factory) Formatter() protocol.Formatter {
	return f.formatter
}

func parseAddress(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, dxerrors.InvalidArgument("address", address, "ws://host:port/path")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, dxerrors.InvalidArgument("address", address, "ws or wss scheme")
	}
	if u.Host == "" {
		return nil, dxerrors.InvalidArgument("address", address, "host:port")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// CreateInputConnector creates a connector serving address
func (f *Factory) CreateInputConnector(address string) (transport.InputConnector, error) {
	u, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	return &InputConnector{
		factory:  f,
		url:      u,
		bindings: transport.NewBindings[*conn](),
		logger:   f.logger.WithFields(logging.String("address", u.String())),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}, nil
}

// CreateOutputConnector creates a connector to address for responseReceiverID
func (f *Factory) CreateOutputConnector(address, responseReceiverID string) (transport.OutputConnector, error) {
	u, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	if responseReceiverID == "" {
		return nil, dxerrors.InvalidArgument("response_receiver_id", responseReceiverID, "non-empty string")
	}
	return &OutputConnector{
		factory:            f,
		url:                u.String(),
		responseReceiverID: responseReceiverID,
		logger: f.logger.WithFields(
			logging.String("address", u.String()),
			logging.String("response_receiver_id", responseReceiverID),
		),
	}, nil
}

// conn is a WebSocket connection with serialized writes
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// close sends a close control frame and closes the socket
func (c *conn) close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed)
}

// InputConnector serves WebSocket upgrades on its URL path
type InputConnector struct {
	factory  *Factory
	url      *url.URL
	bindings *transport.Bindings[*conn]
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	router   *transport.Router[*conn]
	conns    map[*conn]struct{}
	group    *errgroup.Group
	handlers sync.WaitGroup
}

// StartListening binds the host and starts the HTTP server
func (c *InputConnector) StartListening(handler transport.MessageHandler) error {
	if handler == nil {
		return dxerrors.InvalidArgument("handler", nil, "non-nil message handler")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server != nil {
		return dxerrors.AlreadyListening(c.url.String())
	}

	ln, err := net.Listen("tcp", c.url.Host)
	if err != nil {
		return dxerrors.ConnectionFailed(transportName, c.url.String(), err)
	}

	mux := http.NewServeMux()
	mux.Handle(c.url.Path, c)

	c.listener = ln
	messageType := c.factory.messageType
	c.router = transport.NewRouter(c.factory.formatter, c.bindings, handler,
		func(cn *conn, encoded []byte) error { return cn.write(messageType, encoded) },
		c.logger)
	c.conns = make(map[*conn]struct{})
	c.server = &http.Server{
		Handler:           logging.HTTPMiddleware(c.logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.group = new(errgroup.Group)

	server := c.server
	c.group.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.WithError(err).Error("websocket server failed")
			return err
		}
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

// ServeHTTP upgrades the request and reads envelopes until the socket closes
func (c *InputConnector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	router := c.router
	if router == nil {
		c.mu.Unlock()
		http.Error(w, "not listening", http.StatusServiceUnavailable)
		return
	}
	c.handlers.Add(1)
	c.mu.Unlock()
	defer c.handlers.Done()

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(int64(c.factory.maxFrameSize))

	cn := &conn{ws: ws}
	c.mu.Lock()
	if c.router != router {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.conns[cn] = struct{}{}
	c.mu.Unlock()

	remote := r.RemoteAddr
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				c.logger.WithContext(r.Context()).WithError(err).Debug("websocket read ended")
			}
			break
		}
		router.HandleFrame(cn, data, remote)
	}

	c.mu.Lock()
	delete(c.conns, cn)
	c.mu.Unlock()

	_ = ws.Close()
	router.ConnectionClosed(cn, remote)
}

// StopListening shuts the server down, closes every socket and waits for
// their readers.
func (c *InputConnector) StopListening() {
	c.mu.Lock()
	server := c.server
	if server == nil {
		c.mu.Unlock()
		return
	}
	c.server = nil
	c.listener = nil
	c.router = nil
	group := c.group
	conns := c.conns
	c.conns = make(map[*conn]struct{})
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()

	err := server.Shutdown(ctx)
	for cn := range conns {
		err = multierr.Append(err, cn.close())
	}
	if err != nil {
		c.logger.WithError(err).Debug("errors while closing connections")
	}

	c.handlers.Wait()
	_ = group.Wait()
	c.logger.Info("stopped listening")
}

// IsListening reports whether the server is running
func (c *InputConnector) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server != nil
}

// SendResponseMessage writes encoded to the socket bound to responseReceiverID
func (c *InputConnector) SendResponseMessage(responseReceiverID string, encoded []byte) error {
	if len(encoded) > c.factory.maxFrameSize {
		return dxerrors.MessageTooLarge(transportName, int64(len(encoded)), int64(c.factory.maxFrameSize))
	}
	cn, ok := c.bindings.Lookup(responseReceiverID)
	if !ok {
		return dxerrors.ReceiverNotConnected(c.url.String(), responseReceiverID)
	}
	if err := cn.write(c.factory.messageType, encoded); err != nil {
		return dxerrors.TransportError(transportName, "write", err)
	}
	return nil
}

// CloseConnection unbinds responseReceiverID and closes its socket when no
// other id is bound to it.
func (c *InputConnector) CloseConnection(responseReceiverID string) error {
	cn, remaining, ok := c.bindings.Unbind(responseReceiverID)
	if !ok || remaining > 0 {
		return nil
	}
	if err := cn.close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return dxerrors.TransportError(transportName, "close", err)
	}
	return nil
}

// OutputConnector dials a WebSocket input connector
type OutputConnector struct {
	factory            *Factory
	url                string
	responseReceiverID string
	logger             logging.Logger

	mu      sync.Mutex
	current *conn
}

// OpenConnection performs the handshake, starts reading responses and sends
// the open envelope.
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
		return dxerrors.InvalidOperation("websocket.OutputConnector", "open_connection", "already connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.factory.dialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set(logging.ConnectionIDHeader, c.responseReceiverID)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return dxerrors.ConnectionFailed(transportName, c.url, err)
	}
	ws.SetReadLimit(int64(c.factory.maxFrameSize))

	cn := &conn{ws: ws}
	if err := cn.write(c.factory.messageType, open); err != nil {
		_ = ws.Close()
		return dxerrors.ConnectionFailed(transportName, c.url, err)
	}

	c.current = cn
	go c.readLoop(cn, handler)

	c.logger.Debug("connection opened")
	return nil
}

func (c *OutputConnector) readLoop(cn *conn, handler transport.MessageHandler) {
	closeReceived := false

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if !isNormalClose(err) {
				c.logger.WithError(err).Debug("websocket read ended")
			}
			break
		}

		msg, err := c.factory.formatter.DecodeMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("dropping undecodable response")
			continue
		}
		if msg.MessageType == protocol.CloseConnectionRequest && msg.ResponseReceiverID == c.responseReceiverID {
			closeReceived = true
		}
		handler(msg, c.url)
	}

	c.mu.Lock()
	local := c.current != cn
	if !local {
		c.current = nil
	}
	c.mu.Unlock()

	_ = cn.ws.Close()

	if !local && !closeReceived {
		c.logger.Debug("connection lost")
		handler(transport.NewCloseMessage(c.responseReceiverID), c.url)
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
		if err := cn.write(c.factory.messageType, frame); err != nil {
			c.logger.WithError(err).Debug("close message not sent")
		}
	}
	_ = cn.close()
}

// IsConnected reports whether the socket is open
func (c *OutputConnector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// SendRequestMessage writes encoded as one message
func (c *OutputConnector) SendRequestMessage(encoded []byte) error {
	if len(encoded) > c.factory.maxFrameSize {
		return dxerrors.MessageTooLarge(transportName, int64(len(encoded)), int64(c.factory.maxFrameSize))
	}

	c.mu.Lock()
	cn := c.current
	c.mu.Unlock()

	if cn == nil {
		return dxerrors.NotConnected(transportName, c.url)
	}
	if err := cn.write(c.factory.messageType, encoded); err != nil {
		return dxerrors.ConnectionLost(transportName, c.url, err)
	}
	return nil
}
