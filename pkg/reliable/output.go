package reliable

import (
	"context"
	"time"

	"github.com/google/uuid"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/messaging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
)

const (
	outputComponent = "ReliableOutputChannel"
	outputSide      = "output"
)

// OutputChannel wraps a duplex output channel so that every sent message is
// acknowledged by the service. A message that is not acknowledged within the
// ack timeout, or is still pending when the connection closes, is reported
// through OnMessageNotDelivered.
type OutputChannel struct {
	inner      *messaging.DuplexOutputChannel
	tracker    *tracker
	dispatcher threading.Dispatcher
	logger     logging.Logger
	metrics    observability.ReliableMetrics

	messageDelivered        *messaging.Event[DeliveryEvent]
	messageNotDelivered     *messaging.Event[DeliveryEvent]
	responseMessageReceived *messaging.Event[messaging.MessageEvent]
	connectionClosed        *messaging.Event[messaging.ChannelEvent]
}

// NewOutputChannel wraps inner. It takes over inner's response and close
// events, so they must not be subscribed on inner directly.
func NewOutputChannel(inner *messaging.DuplexOutputChannel, ackTimeout time.Duration, opts ...Option) (*OutputChannel, error) {
	if inner == nil {
		return nil, dxerrors.InvalidArgument("inner", nil, "non-nil output channel")
	}
	if ackTimeout <= 0 {
		return nil, dxerrors.InvalidArgument("ack_timeout", ackTimeout, "positive duration")
	}

	o := buildOptions(outputComponent, opts)
	c := &OutputChannel{
		inner:      inner,
		dispatcher: o.dispatching.GetDispatcher(),
		logger: o.logger.WithFields(
			logging.String("channel_id", inner.ChannelID()),
			logging.String("response_receiver_id", inner.ResponseReceiverID()),
		),
		metrics:                 o.metrics,
		messageDelivered:        messaging.NewEvent[DeliveryEvent](outputComponent, "MessageDelivered"),
		messageNotDelivered:     messaging.NewEvent[DeliveryEvent](outputComponent, "MessageNotDelivered"),
		responseMessageReceived: messaging.NewEvent[messaging.MessageEvent](outputComponent, "ResponseMessageReceived"),
		connectionClosed:        messaging.NewEvent[messaging.ChannelEvent](outputComponent, "ConnectionClosed"),
	}
	o.logger = c.logger
	c.tracker = newTracker(outputSide, ackTimeout, o, c.onExpired)

	responseSub, err := inner.OnResponseMessageReceived(c.onResponse)
	if err != nil {
		return nil, err
	}
	if _, err := inner.OnConnectionClosed(c.onClosed); err != nil {
		responseSub.Unsubscribe()
		return nil, err
	}
	return c, nil
}

// ChannelID returns the address of the input channel
func (c *OutputChannel) ChannelID() string {
	return c.inner.ChannelID()
}

// ResponseReceiverID returns the id of the inner channel
func (c *OutputChannel) ResponseReceiverID() string {
	return c.inner.ResponseReceiverID()
}

// IsConnected reports whether the inner channel is connected
func (c *OutputChannel) IsConnected() bool {
	return c.inner.IsConnected()
}

// OpenConnection opens the inner channel
func (c *OutputChannel) OpenConnection(ctx context.Context) error {
	return c.inner.OpenConnection(ctx)
}

// CloseConnection closes the inner channel. Pending messages are reported
// as not delivered.
func (c *OutputChannel) CloseConnection() {
	c.inner.CloseConnection()
	c.failPending()
	c.tracker.stop()
}

// OnConnectionOpened registers the handler raised once the connection is accepted
func (c *OutputChannel) OnConnectionOpened(handler func(messaging.ChannelEvent)) (messaging.Subscription, error) {
	return c.inner.OnConnectionOpened(handler)
}

// OnConnectionClosed registers the handler raised when an open connection closes
func (c *OutputChannel) OnConnectionClosed(handler func(messaging.ChannelEvent)) (messaging.Subscription, error) {
	return c.connectionClosed.Subscribe(handler)
}

// OnResponseMessageReceived registers the handler receiving response payloads
func (c *OutputChannel) OnResponseMessageReceived(handler func(messaging.MessageEvent)) (messaging.Subscription, error) {
	return c.responseMessageReceived.Subscribe(handler)
}

// OnMessageDelivered registers the handler raised when a message is acknowledged
func (c *OutputChannel) OnMessageDelivered(handler func(DeliveryEvent)) (messaging.Subscription, error) {
	return c.messageDelivered.Subscribe(handler)
}

// OnMessageNotDelivered registers the handler raised when a message is not acknowledged in time
func (c *OutputChannel) OnMessageNotDelivered(handler func(DeliveryEvent)) (messaging.Subscription, error) {
	return c.messageNotDelivered.Subscribe(handler)
}

// PendingMessages returns the number of messages waiting for acknowledgement
func (c *OutputChannel) PendingMessages() int {
	return c.tracker.len()
}

// SendMessage sends payload and returns the id its delivery is reported under
func (c *OutputChannel) SendMessage(payload []byte) (string, error) {
	id := uuid.NewString()
	encoded, err := EncodeMessage(ReliableMessage{Type: TypeMessage, ID: id, Payload: payload})
	if err != nil {
		return "", err
	}

	key := pendingKey{messageID: id, receiverID: c.inner.ResponseReceiverID()}
	c.tracker.track(key)
	if err := c.inner.SendMessage(encoded); err != nil {
		c.tracker.acknowledge(key)
		return "", err
	}
	return id, nil
}

func (c *OutputChannel) onResponse(ev messaging.MessageEvent) {
	msg, err := DecodeMessage(ev.Message)
	if err != nil {
		c.logger.WithError(err).Warn("dropping malformed response")
		return
	}

	switch msg.Type {
	case TypeAck:
		if !c.tracker.acknowledge(pendingKey{messageID: msg.ID, receiverID: ev.ResponseReceiverID}) {
			c.logger.Debug("ignoring acknowledgement of unknown message", logging.String("message_id", msg.ID))
			return
		}
		c.metrics.MessageDelivered(outputSide)
		c.raise(c.messageDelivered, "MessageDelivered", DeliveryEvent{
			ChannelID:          ev.ChannelID,
			ResponseReceiverID: ev.ResponseReceiverID,
			MessageID:          msg.ID,
		})
	case TypeMessage:
		ack, err := EncodeMessage(ReliableMessage{Type: TypeAck, ID: msg.ID})
		if err == nil {
			err = c.inner.SendMessage(ack)
		}
		if err != nil {
			c.logger.WithError(err).Warn("failed to acknowledge response", logging.String("message_id", msg.ID))
		}

		out := ev
		out.Message = msg.Payload
		messaging.Dispatch(c.dispatcher, c.logger, "ResponseMessageReceived", func() {
			c.responseMessageReceived.Raise(out)
		})
	}
}

func (c *OutputChannel) onClosed(ev messaging.ChannelEvent) {
	c.failPending()
	messaging.Dispatch(c.dispatcher, c.logger, "ConnectionClosed", func() {
		c.connectionClosed.Raise(ev)
	})
}

func (c *OutputChannel) failPending() {
	for _, e := range c.tracker.removeAll() {
		c.notDelivered(e)
	}
}

func (c *OutputChannel) onExpired(e pendingEntry) {
	c.logger.Info("message not acknowledged in time", logging.String("message_id", e.messageID))
	c.notDelivered(e)
}

func (c *OutputChannel) notDelivered(e pendingEntry) {
	c.metrics.MessageNotDelivered(outputSide)
	c.raise(c.messageNotDelivered, "MessageNotDelivered", DeliveryEvent{
		ChannelID:          c.inner.ChannelID(),
		ResponseReceiverID: e.receiverID,
		MessageID:          e.messageID,
	})
}

func (c *OutputChannel) raise(event *messaging.Event[DeliveryEvent], name string, ev DeliveryEvent) {
	messaging.Dispatch(c.dispatcher, c.logger, name, func() {
		event.Raise(ev)
	})
}
