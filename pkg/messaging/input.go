package messaging

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport"
)

const inputComponent = "DuplexInputChannel"

// BroadcastReceiverID addresses every connected response receiver
const BroadcastReceiverID = "*"

type receiverState int

const (
	receiverConnecting receiverState = iota
	receiverConnected
)

type responseReceiver struct {
	id            string
	senderAddress string
	state         receiverState
}

// ConnectionFilter decides whether a response receiver may connect
type ConnectionFilter func(ResponseReceiverEvent) bool

// DuplexInputChannel is the service end of a duplex channel. Any number of
// response receivers connect to it through one listening connector; each
// is tracked until it closes, drops or is disconnected.
type DuplexInputChannel struct {
	channelID  string
	connector  transport.InputConnector
	formatter  protocol.Formatter
	dispatcher threading.Dispatcher
	logger     logging.Logger
	metrics    observability.ChannelMetrics
	tracer     *observability.TracingProvider

	mu        sync.Mutex
	listening bool
	receivers map[string]*responseReceiver
	filter    ConnectionFilter

	receiverConnected    *Event[ResponseReceiverEvent]
	receiverDisconnected *Event[ResponseReceiverEvent]
	messageReceived      *Event[MessageEvent]
}

func newDuplexInputChannel(f *Factory, channelID string, connector transport.InputConnector) *DuplexInputChannel {
	return &DuplexInputChannel{
		channelID:            channelID,
		connector:            connector,
		formatter:            f.transport.Formatter(),
		dispatcher:           f.inputDispatching.GetDispatcher(),
		logger:               f.logger.WithFields(logging.String("channel_id", channelID)),
		metrics:              f.metrics,
		tracer:               f.tracer,
		receivers:            make(map[string]*responseReceiver),
		receiverConnected:    NewEvent[ResponseReceiverEvent](inputComponent, "ResponseReceiverConnected"),
		receiverDisconnected: NewEvent[ResponseReceiverEvent](inputComponent, "ResponseReceiverDisconnected"),
		messageReceived:      NewEvent[MessageEvent](inputComponent, "MessageReceived"),
	}
}

// ChannelID returns the address the channel listens on
func (c *DuplexInputChannel) ChannelID() string {
	return c.channelID
}

// SetConnectionFilter sets the filter consulted for every connecting
// response receiver. A nil filter allows every connection.
func (c *DuplexInputChannel) SetConnectionFilter(filter ConnectionFilter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = filter
}

// OnResponseReceiverConnected registers the handler raised when a receiver is accepted
func (c *DuplexInputChannel) OnResponseReceiverConnected(handler func(ResponseReceiverEvent)) (Subscription, error) {
	return c.receiverConnected.Subscribe(handler)
}

// OnResponseReceiverDisconnected registers the handler raised when a connected receiver goes away
func (c *DuplexInputChannel) OnResponseReceiverDisconnected(handler func(ResponseReceiverEvent)) (Subscription, error) {
	return c.receiverDisconnected.Subscribe(handler)
}

// OnMessageReceived registers the handler receiving request payloads
func (c *DuplexInputChannel) OnMessageReceived(handler func(MessageEvent)) (Subscription, error) {
	return c.messageReceived.Subscribe(handler)
}

// StartListening starts accepting response receivers
func (c *DuplexInputChannel) StartListening() error {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return dxerrors.AlreadyListening(c.channelID)
	}
	c.listening = true
	c.mu.Unlock()

	if err := c.connector.StartListening(c.onMessage); err != nil {
		c.mu.Lock()
		c.listening = false
		c.mu.Unlock()
		c.logger.WithError(err).Error("failed to start listening")
		return err
	}

	c.logger.Info("listening")
	return nil
}

// StopListening disconnects every response receiver and stops the connector
func (c *DuplexInputChannel) StopListening() {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return
	}
	c.listening = false
	receivers := c.receivers
	c.receivers = make(map[string]*responseReceiver)
	c.mu.Unlock()

	for _, r := range receivers {
		_ = c.closeReceiver(r.id)
	}
	c.connector.StopListening()

	for _, r := range receivers {
		if r.state == receiverConnected {
			c.metrics.ConnectionClosed(c.channelID, "input")
			c.raiseDisconnected(r)
		}
	}
	c.logger.Info("stopped listening")
}

// IsListening reports whether the channel accepts response receivers
func (c *DuplexInputChannel) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// ConnectedResponseReceivers returns the ids of the connected receivers, sorted
func (c *DuplexInputChannel) ConnectedResponseReceivers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.receivers))
	for id, r := range c.receivers {
		if r.state == receiverConnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SendResponseMessage sends payload to one response receiver, or to every
// connected receiver when responseReceiverID is BroadcastReceiverID. A
// receiver whose send fails is disconnected.
func (c *DuplexInputChannel) SendResponseMessage(responseReceiverID string, payload []byte) error {
	if !c.IsListening() {
		return dxerrors.InvalidOperation(inputComponent, "send_response_message", "channel is not listening")
	}

	if responseReceiverID == BroadcastReceiverID {
		var err error
		for _, id := range c.ConnectedResponseReceivers() {
			err = multierr.Append(err, c.sendTo(id, payload))
		}
		return err
	}
	return c.sendTo(responseReceiverID, payload)
}

func (c *DuplexInputChannel) sendTo(responseReceiverID string, payload []byte) error {
	c.mu.Lock()
	r, ok := c.receivers[responseReceiverID]
	connected := ok && r.state == receiverConnected
	c.mu.Unlock()

	if !connected {
		return dxerrors.ReceiverNotConnected(c.channelID, responseReceiverID)
	}

	encoded, err := c.formatter.EncodeMessage(responseReceiverID, payload)
	if err != nil {
		return err
	}

	if err := c.connector.SendResponseMessage(responseReceiverID, encoded); err != nil {
		c.logger.WithError(err).Warn("failed to send response, disconnecting receiver",
			logging.String("response_receiver_id", responseReceiverID))
		_ = c.removeReceiver(responseReceiverID, true)
		return err
	}

	c.metrics.MessageSent(c.channelID, "input")
	return nil
}

// DisconnectResponseReceiver closes the connection of one response receiver
func (c *DuplexInputChannel) DisconnectResponseReceiver(responseReceiverID string) error {
	return c.removeReceiver(responseReceiverID, true)
}

// removeReceiver forgets a receiver and raises its disconnection. notify
// sends the close envelope to the client first.
func (c *DuplexInputChannel) removeReceiver(responseReceiverID string, notify bool) error {
	c.mu.Lock()
	r, ok := c.receivers[responseReceiverID]
	if ok {
		delete(c.receivers, responseReceiverID)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}

	var err error
	if notify {
		err = c.closeReceiver(responseReceiverID)
	}

	if r.state == receiverConnected {
		c.logger.Debug("response receiver disconnected", logging.String("response_receiver_id", responseReceiverID))
		c.metrics.ConnectionClosed(c.channelID, "input")
		c.raiseDisconnected(r)
	}
	return err
}

// closeReceiver sends the close envelope and releases the connector binding
func (c *DuplexInputChannel) closeReceiver(responseReceiverID string) error {
	var err error
	if frame, encErr := c.formatter.EncodeCloseConnectionMessage(responseReceiverID); encErr == nil {
		if sendErr := c.connector.SendResponseMessage(responseReceiverID, frame); sendErr != nil {
			c.logger.WithError(sendErr).Debug("close message not delivered",
				logging.String("response_receiver_id", responseReceiverID))
		}
	} else {
		err = encErr
	}
	return multierr.Append(err, c.connector.CloseConnection(responseReceiverID))
}

func (c *DuplexInputChannel) onMessage(msg *protocol.ProtocolMessage, senderAddress string) {
	switch msg.MessageType {
	case protocol.OpenConnectionRequest:
		c.onOpen(msg.ResponseReceiverID, senderAddress)
	case protocol.CloseConnectionRequest:
		_ = c.removeReceiver(msg.ResponseReceiverID, false)
	case protocol.MessageReceived:
		c.onRequest(msg, senderAddress)
	}
}

func (c *DuplexInputChannel) onOpen(responseReceiverID, senderAddress string) {
	logger := c.logger.WithFields(logging.String("response_receiver_id", responseReceiverID))

	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return
	}
	if existing, ok := c.receivers[responseReceiverID]; ok {
		c.mu.Unlock()
		if existing.state == receiverConnected {
			logger.Debug("re-acknowledging open connection")
			c.acknowledge(responseReceiverID)
		}
		return
	}
	r := &responseReceiver{id: responseReceiverID, senderAddress: senderAddress, state: receiverConnecting}
	c.receivers[responseReceiverID] = r
	filter := c.filter
	c.mu.Unlock()

	ev := ResponseReceiverEvent{
		ChannelID:          c.channelID,
		ResponseReceiverID: responseReceiverID,
		SenderAddress:      senderAddress,
	}
	if !c.isConnectionAllowed(filter, ev) {
		c.mu.Lock()
		if c.receivers[responseReceiverID] == r {
			delete(c.receivers, responseReceiverID)
		}
		c.mu.Unlock()

		logger.Info("connection refused", logging.String("sender", senderAddress))
		c.metrics.ConnectionRefused(c.channelID)
		if err := c.closeReceiver(responseReceiverID); err != nil {
			logger.WithError(err).Debug("failed to close refused connection")
		}
		return
	}

	c.mu.Lock()
	if c.receivers[responseReceiverID] != r {
		c.mu.Unlock()
		return
	}
	r.state = receiverConnected
	c.mu.Unlock()

	if err := c.acknowledge(responseReceiverID); err != nil {
		c.mu.Lock()
		if c.receivers[responseReceiverID] == r {
			delete(c.receivers, responseReceiverID)
		}
		c.mu.Unlock()
		_ = c.connector.CloseConnection(responseReceiverID)
		return
	}

	logger.Debug("response receiver connected", logging.String("sender", senderAddress))
	c.metrics.ConnectionOpened(c.channelID, "input")
	Dispatch(c.dispatcher, c.logger, "ResponseReceiverConnected", func() {
		c.receiverConnected.Raise(ev)
	})
}

// acknowledge echoes the open envelope back to the client
func (c *DuplexInputChannel) acknowledge(responseReceiverID string) error {
	frame, err := c.formatter.EncodeOpenConnectionMessage(responseReceiverID)
	if err == nil {
		err = c.connector.SendResponseMessage(responseReceiverID, frame)
	}
	if err != nil {
		c.logger.WithError(err).Warn("failed to acknowledge connection",
			logging.String("response_receiver_id", responseReceiverID))
	}
	return err
}

func (c *DuplexInputChannel) isConnectionAllowed(filter ConnectionFilter, ev ResponseReceiverEvent) (allowed bool) {
	if filter == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("connection filter panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			allowed = false
		}
	}()
	return filter(ev)
}

func (c *DuplexInputChannel) onRequest(msg *protocol.ProtocolMessage, senderAddress string) {
	c.mu.Lock()
	r, ok := c.receivers[msg.ResponseReceiverID]
	connected := ok && r.state == receiverConnected
	c.mu.Unlock()

	if !connected {
		c.logger.Warn("dropping message from unknown response receiver",
			logging.String("response_receiver_id", msg.ResponseReceiverID),
			logging.String("sender", senderAddress),
		)
		c.metrics.MessageDropped(c.channelID, "unknown_receiver")
		return
	}

	c.metrics.MessageReceived(c.channelID, "input")
	ev := MessageEvent{
		ChannelID:          c.channelID,
		ResponseReceiverID: msg.ResponseReceiverID,
		SenderAddress:      senderAddress,
		Message:            msg.Message,
	}
	Dispatch(c.dispatcher, c.logger, "MessageReceived", func() {
		_, span := c.tracer.StartChannelSpan(context.Background(), "dispatch_message", c.channelID, trace.SpanKindConsumer)
		defer span.End()
		span.SetAttributes(
			attribute.String(observability.AttrResponseReceiverID, ev.ResponseReceiverID),
			attribute.Int(observability.AttrPayloadSize, len(ev.Message)),
		)
		c.messageReceived.Raise(ev)
	})
}

func (c *DuplexInputChannel) raiseDisconnected(r *responseReceiver) {
	ev := ResponseReceiverEvent{
		ChannelID:          c.channelID,
		ResponseReceiverID: r.id,
		SenderAddress:      r.senderAddress,
	}
	Dispatch(c.dispatcher, c.logger, "ResponseReceiverDisconnected", func() {
		c.receiverDisconnected.Raise(ev)
	})
}
