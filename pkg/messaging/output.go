package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport"
)

const outputComponent = "DuplexOutputChannel"

type outputState int

const (
	outputUnconnected outputState = iota
	outputConnecting
	outputConnected
)

func (s outputState) String() string {
	switch s {
	case outputConnecting:
		return "connecting"
	case outputConnected:
		return "connected"
	default:
		return "unconnected"
	}
}

// DuplexOutputChannel is the client end of a duplex channel. It sends
// requests tagged with its response receiver id and receives the responses
// the input channel routes back to that id.
type DuplexOutputChannel struct {
	channelID          string
	responseReceiverID string
	connector          transport.OutputConnector
	formatter          protocol.Formatter
	dispatcher         threading.Dispatcher
	connectTimeout     time.Duration
	clock              clock.Clock
	logger             logging.Logger
	metrics            observability.ChannelMetrics
	tracer             *observability.TracingProvider

	mu      sync.Mutex
	state   outputState
	session uint64
	pending chan error

	connectionOpened        *Event[ChannelEvent]
	connectionClosed        *Event[ChannelEvent]
	responseMessageReceived *Event[MessageEvent]
}

func newDuplexOutputChannel(f *Factory, channelID, responseReceiverID string, connector transport.OutputConnector) *DuplexOutputChannel {
	return &DuplexOutputChannel{
		channelID:          channelID,
		responseReceiverID: responseReceiverID,
		connector:          connector,
		formatter:          f.transport.Formatter(),
		dispatcher:         f.outputDispatching.GetDispatcher(),
		connectTimeout:     f.connectTimeout,
		clock:              f.clock,
		logger: f.logger.WithFields(
			logging.String("channel_id", channelID),
			logging.String("response_receiver_id", responseReceiverID),
		),
		metrics:                 f.metrics,
		tracer:                  f.tracer,
		connectionOpened:        NewEvent[ChannelEvent](outputComponent, "ConnectionOpened"),
		connectionClosed:        NewEvent[ChannelEvent](outputComponent, "ConnectionClosed"),
		responseMessageReceived: NewEvent[MessageEvent](outputComponent, "ResponseMessageReceived"),
	}
}

// ChannelID returns the address of the input channel
func (c *DuplexOutputChannel) ChannelID() string {
	return c.channelID
}

// ResponseReceiverID returns the id the input channel routes responses by
func (c *DuplexOutputChannel) ResponseReceiverID() string {
	return c.responseReceiverID
}

// IsConnected reports whether the input channel accepted the connection
func (c *DuplexOutputChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == outputConnected
}

// OnConnectionOpened registers the handler raised once the connection is accepted
func (c *DuplexOutputChannel) OnConnectionOpened(handler func(ChannelEvent)) (Subscription, error) {
	return c.connectionOpened.Subscribe(handler)
}

// OnConnectionClosed registers the handler raised when an open connection closes
func (c *DuplexOutputChannel) OnConnectionClosed(handler func(ChannelEvent)) (Subscription, error) {
	return c.connectionClosed.Subscribe(handler)
}

// OnResponseMessageReceived registers the handler receiving response payloads
func (c *DuplexOutputChannel) OnResponseMessageReceived(handler func(MessageEvent)) (Subscription, error) {
	return c.responseMessageReceived.Subscribe(handler)
}

// OpenConnection connects to the input channel and waits until it accepts
// the connection. A refusal returns a ConnectionNotGranted error; the wait
// is bounded by ctx and the factory's connect timeout.
func (c *DuplexOutputChannel) OpenConnection(ctx context.Context) (err error) {
	ctx, span := c.tracer.StartChannelSpan(ctx, "open_connection", c.channelID, trace.SpanKindClient)
	defer span.End()
	span.SetAttributes(attribute.String(observability.AttrResponseReceiverID, c.responseReceiverID))

	start := c.clock.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			observability.FailSpan(span, err)
		}
		c.metrics.OpenDuration(c.channelID, status, c.clock.Since(start))
	}()

	c.mu.Lock()
	if c.state != outputUnconnected {
		state := c.state
		c.mu.Unlock()
		return dxerrors.InvalidOperation(outputComponent, "open_connection", "connection is already "+state.String())
	}
	c.state = outputConnecting
	c.session++
	session := c.session
	pending := make(chan error, 1)
	c.pending = pending
	c.mu.Unlock()

	c.logger.Debug("opening connection")

	if err := c.connector.OpenConnection(c.handlerFor(session)); err != nil {
		c.mu.Lock()
		if c.session == session {
			c.state = outputUnconnected
			c.pending = nil
		}
		c.mu.Unlock()
		c.logger.WithError(err).Warn("failed to open connection")
		return err
	}

	timer := c.clock.Timer(c.connectTimeout)
	defer timer.Stop()

	select {
	case err := <-pending:
		if err != nil {
			c.connector.CloseConnection()
			c.logger.WithError(err).Info("connection not granted")
		}
		return err
	case <-timer.C:
		return c.abandonOpen(session, dxerrors.Timeout("open_connection", c.connectTimeout))
	case <-ctx.Done():
		return c.abandonOpen(session, dxerrors.Cancelled("open_connection", ctx.Err()))
	}
}

// abandonOpen gives up on a pending open unless the acceptance won the race
func (c *DuplexOutputChannel) abandonOpen(session uint64, cause error) error {
	c.mu.Lock()
	if c.session == session && c.state == outputConnected {
		c.mu.Unlock()
		return nil
	}
	if c.session == session {
		c.state = outputUnconnected
		c.pending = nil
		c.session++
	}
	c.mu.Unlock()

	c.connector.CloseConnection()
	c.logger.WithError(cause).Warn("connection open abandoned")
	return cause
}

// SendMessage sends payload to the input channel
func (c *DuplexOutputChannel) SendMessage(payload []byte) error {
	_, span := c.tracer.StartChannelSpan(context.Background(), "send_message", c.channelID, trace.SpanKindProducer)
	defer span.End()
	span.SetAttributes(attribute.Int(observability.AttrPayloadSize, len(payload)))

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != outputConnected {
		return dxerrors.ChannelNotConnected(c.channelID, state.String())
	}

	encoded, err := c.formatter.EncodeMessage(c.responseReceiverID, payload)
	if err != nil {
		return err
	}
	if err := c.connector.SendRequestMessage(encoded); err != nil {
		observability.FailSpan(span, err)
		return err
	}

	c.metrics.MessageSent(c.channelID, "output")
	return nil
}

// CloseConnection closes the connection. Closing a closed channel does nothing.
func (c *DuplexOutputChannel) CloseConnection() {
	c.mu.Lock()
	if c.state == outputUnconnected {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == outputConnected
	c.state = outputUnconnected
	c.session++
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending != nil {
		pending <- dxerrors.InvalidOperation(outputComponent, "open_connection", "connection closed while opening")
	}

	c.connector.CloseConnection()

	if wasConnected {
		c.logger.Debug("connection closed")
		c.metrics.ConnectionClosed(c.channelID, "output")
		c.raiseClosed("")
	}
}

func (c *DuplexOutputChannel) handlerFor(session uint64) transport.MessageHandler {
	return func(msg *protocol.ProtocolMessage, senderAddress string) {
		if msg.ResponseReceiverID != c.responseReceiverID {
			c.logger.Warn("dropping message for another response receiver",
				logging.String("target", msg.ResponseReceiverID))
			return
		}

		switch msg.MessageType {
		case protocol.OpenConnectionRequest:
			c.onAccepted(session, senderAddress)
		case protocol.CloseConnectionRequest:
			c.onClosed(session, senderAddress)
		case protocol.MessageReceived:
			c.onResponse(session, msg, senderAddress)
		}
	}
}

func (c *DuplexOutputChannel) onAccepted(session uint64, senderAddress string) {
	c.mu.Lock()
	if c.session != session || c.state != outputConnecting {
		c.mu.Unlock()
		return
	}
	c.state = outputConnected
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.logger.Debug("connection opened")
	c.metrics.ConnectionOpened(c.channelID, "output")

	ev := ChannelEvent{
		ChannelID:          c.channelID,
		ResponseReceiverID: c.responseReceiverID,
		SenderAddress:      senderAddress,
	}
	Dispatch(c.dispatcher, c.logger, "ConnectionOpened", func() {
		c.connectionOpened.Raise(ev)
	})

	if pending != nil {
		pending <- nil
	}
}

func (c *DuplexOutputChannel) onClosed(session uint64, senderAddress string) {
	c.mu.Lock()
	if c.session != session {
		c.mu.Unlock()
		return
	}
	state := c.state
	pending := c.pending
	c.pending = nil
	c.state = outputUnconnected
	c.session++
	c.mu.Unlock()

	switch state {
	case outputConnecting:
		if pending != nil {
			pending <- dxerrors.ConnectionNotGranted(c.channelID, c.responseReceiverID)
		}
	case outputConnected:
		c.connector.CloseConnection()
		c.logger.Debug("connection closed by service")
		c.metrics.ConnectionClosed(c.channelID, "output")
		c.raiseClosed(senderAddress)
	}
}

func (c *DuplexOutputChannel) onResponse(session uint64, msg *protocol.ProtocolMessage, senderAddress string) {
	c.mu.Lock()
	connected := c.session == session && c.state == outputConnected
	c.mu.Unlock()

	if !connected {
		c.metrics.MessageDropped(c.channelID, "not_connected")
		c.logger.Debug("dropping response received while not connected")
		return
	}

	c.metrics.MessageReceived(c.channelID, "output")
	ev := MessageEvent{
		ChannelID:          c.channelID,
		ResponseReceiverID: c.responseReceiverID,
		SenderAddress:      senderAddress,
		Message:            msg.Message,
	}
	Dispatch(c.dispatcher, c.logger, "ResponseMessageReceived", func() {
		c.responseMessageReceived.Raise(ev)
	})
}

func (c *DuplexOutputChannel) raiseClosed(senderAddress string) {
	ev := ChannelEvent{
		ChannelID:          c.channelID,
		ResponseReceiverID: c.responseReceiverID,
		SenderAddress:      senderAddress,
	}
	Dispatch(c.dispatcher, c.logger, "ConnectionClosed", func() {
		c.connectionClosed.Raise(ev)
	})
}
