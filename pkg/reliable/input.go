package reliable

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/messaging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
)

const (
	inputComponent = "ReliableInputChannel"
	inputSide      = "input"
)

// InputChannel wraps a duplex input channel. Inbound messages are
// acknowledged to their sender, and responses are tracked until the
// response receiver acknowledges them.
type InputChannel struct {
	inner      *messaging.DuplexInputChannel
	tracker    *tracker
	dispatcher threading.Dispatcher
	logger     logging.Logger
	metrics    observability.ReliableMetrics

	messageReceived             *messaging.Event[messaging.MessageEvent]
	receiverDisconnected        *messaging.Event[messaging.ResponseReceiverEvent]
	responseMessageDelivered    *messaging.Event[DeliveryEvent]
	responseMessageNotDelivered *messaging.Event[DeliveryEvent]
}

// NewInputChannel wraps inner. It takes over inner's message and disconnect
// events, so they must not be subscribed on inner directly.
func NewInputChannel(inner *messaging.DuplexInputChannel, ackTimeout time.Duration, opts ...Option) (*InputChannel, error) {
	if inner == nil {
		return nil, dxerrors.InvalidArgument("inner", nil, "non-nil input channel")
	}
	if ackTimeout <= 0 {
		return nil, dxerrors.InvalidArgument("ack_timeout", ackTimeout, "positive duration")
	}

	o := buildOptions(inputComponent, opts)
	c := &InputChannel{
		inner:                       inner,
		dispatcher:                  o.dispatching.GetDispatcher(),
		logger:                      o.logger.WithFields(logging.String("channel_id", inner.ChannelID())),
		metrics:                     o.metrics,
		messageReceived:             messaging.NewEvent[messaging.MessageEvent](inputComponent, "MessageReceived"),
		receiverDisconnected:        messaging.NewEvent[messaging.ResponseReceiverEvent](inputComponent, "ResponseReceiverDisconnected"),
		responseMessageDelivered:    messaging.NewEvent[DeliveryEvent](inputComponent, "ResponseMessageDelivered"),
		responseMessageNotDelivered: messaging.NewEvent[DeliveryEvent](inputComponent, "ResponseMessageNotDelivered"),
	}
	o.logger = c.logger
	c.tracker = newTracker(inputSide, ackTimeout, o, c.onExpired)

	messageSub, err := inner.OnMessageReceived(c.onMessage)
	if err != nil {
		return nil, err
	}
	if _, err := inner.OnResponseReceiverDisconnected(c.onDisconnected); err != nil {
		messageSub.Unsubscribe()
		return nil, err
	}
	return c, nil
}

// ChannelID returns the address the inner channel listens on
func (c *InputChannel) ChannelID() string {
	return c.inner.ChannelID()
}

// SetConnectionFilter sets the filter of the inner channel
func (c *InputChannel) SetConnectionFilter(filter messaging.ConnectionFilter) {
	c.inner.SetConnectionFilter(filter)
}

// StartListening starts the inner channel
func (c *InputChannel) StartListening() error {
	return c.inner.StartListening()
}

// StopListening stops the inner channel. Pending responses are reported as
// not delivered.
func (c *InputChannel) StopListening() {
	c.inner.StopListening()
	for _, e := range c.tracker.removeAll() {
		c.notDelivered(e)
	}
	c.tracker.stop()
}

// IsListening reports whether the inner channel is listening
func (c *InputChannel) IsListening() bool {
	return c.inner.IsListening()
}

// ConnectedResponseReceivers returns the ids of the connected response receivers
func (c *InputChannel) ConnectedResponseReceivers() []string {
	return c.inner.ConnectedResponseReceivers()
}

// DisconnectResponseReceiver disconnects a response receiver
func (c *InputChannel) DisconnectResponseReceiver(responseReceiverID string) error {
	return c.inner.DisconnectResponseReceiver(responseReceiverID)
}

// OnResponseReceiverConnected registers the handler raised when a receiver connects
func (c *InputChannel) OnResponseReceiverConnected(handler func(messaging.ResponseReceiverEvent)) (messaging.Subscription, error) {
	return c.inner.OnResponseReceiverConnected(handler)
}

// OnResponseReceiverDisconnected registers the handler raised when a receiver disconnects
func (c *InputChannel) OnResponseReceiverDisconnected(handler func(messaging.ResponseReceiverEvent)) (messaging.Subscription, error) {
	return c.receiverDisconnected.Subscribe(handler)
}

// OnMessageReceived registers the handler receiving request payloads
func (c *InputChannel) OnMessageReceived(handler func(messaging.MessageEvent)) (messaging.Subscription, error) {
	return c.messageReceived.Subscribe(handler)
}

// OnResponseMessageDelivered registers the handler raised when a response is acknowledged
func (c *InputChannel) OnResponseMessageDelivered(handler func(DeliveryEvent)) (messaging.Subscription, error) {
	return c.responseMessageDelivered.Subscribe(handler)
}

// OnResponseMessageNotDelivered registers the handler raised when a response is not acknowledged in time
func (c *InputChannel) OnResponseMessageNotDelivered(handler func(DeliveryEvent)) (messaging.Subscription, error) {
	return c.responseMessageNotDelivered.Subscribe(handler)
}

// PendingMessages returns the number of responses waiting for acknowledgement
func (c *InputChannel) PendingMessages() int {
	return c.tracker.len()
}

// SendResponseMessage sends payload to a response receiver, or to every
// connected receiver for messaging.BroadcastReceiverID, and returns the id
// its delivery is reported under. A broadcast is tracked per receiver.
func (c *InputChannel) SendResponseMessage(responseReceiverID string, payload []byte) (string, error) {
	id := uuid.NewString()
	encoded, err := EncodeMessage(ReliableMessage{Type: TypeMessage, ID: id, Payload: payload})
	if err != nil {
		return "", err
	}

	if responseReceiverID != messaging.BroadcastReceiverID {
		if err := c.sendTo(responseReceiverID, id, encoded); err != nil {
			return "", err
		}
		return id, nil
	}

	if !c.inner.IsListening() {
		return "", dxerrors.InvalidOperation(inputComponent, "send_response_message", "channel is not listening")
	}
	var errs error
	for _, receiver := range c.inner.ConnectedResponseReceivers() {
		errs = multierr.Append(errs, c.sendTo(receiver, id, encoded))
	}
	return id, errs
}

func (c *InputChannel) sendTo(responseReceiverID, id string, encoded []byte) error {
	key := pendingKey{messageID: id, receiverID: responseReceiverID}
	c.tracker.track(key)
	if err := c.inner.SendResponseMessage(responseReceiverID, encoded); err != nil {
		c.tracker.acknowledge(key)
		return err
	}
	return nil
}

func (c *InputChannel) onMessage(ev messaging.MessageEvent) {
	msg, err := DecodeMessage(ev.Message)
	if err != nil {
		c.logger.WithError(err).Warn("dropping malformed message",
			logging.String("response_receiver_id", ev.ResponseReceiverID))
		return
	}

	switch msg.Type {
	case TypeAck:
		if !c.tracker.acknowledge(pendingKey{messageID: msg.ID, receiverID: ev.ResponseReceiverID}) {
			c.logger.Debug("ignoring acknowledgement of unknown response",
				logging.String("message_id", msg.ID),
				logging.String("response_receiver_id", ev.ResponseReceiverID),
			)
			return
		}
		c.metrics.MessageDelivered(inputSide)
		c.raise(c.responseMessageDelivered, "ResponseMessageDelivered", DeliveryEvent{
			ChannelID:          ev.ChannelID,
			ResponseReceiverID: ev.ResponseReceiverID,
			MessageID:          msg.ID,
		})
	case TypeMessage:
		ack, err := EncodeMessage(ReliableMessage{Type: TypeAck, ID: msg.ID})
		if err == nil {
			err = c.inner.SendResponseMessage(ev.ResponseReceiverID, ack)
		}
		if err != nil {
			c.logger.WithError(err).Warn("failed to acknowledge message",
				logging.String("message_id", msg.ID),
				logging.String("response_receiver_id", ev.ResponseReceiverID),
			)
		}

		out := ev
		out.Message = msg.Payload
		messaging.Dispatch(c.dispatcher, c.logger, "MessageReceived", func() {
			c.messageReceived.Raise(out)
		})
	}
}

func (c *InputChannel) onDisconnected(ev messaging.ResponseReceiverEvent) {
	for _, e := range c.tracker.removeReceiver(ev.ResponseReceiverID) {
		c.notDelivered(e)
	}
	messaging.Dispatch(c.dispatcher, c.logger, "ResponseReceiverDisconnected", func() {
		c.receiverDisconnected.Raise(ev)
	})
}

func (c *InputChannel) onExpired(e pendingEntry) {
	c.logger.Info("response not acknowledged in time",
		logging.String("message_id", e.messageID),
		logging.String("response_receiver_id", e.receiverID),
	)
	c.notDelivered(e)
}

func (c *InputChannel) notDelivered(e pendingEntry) {
	c.metrics.MessageNotDelivered(inputSide)
	c.raise(c.responseMessageNotDelivered, "ResponseMessageNotDelivered", DeliveryEvent{
		ChannelID:          c.inner.ChannelID(),
		ResponseReceiverID: e.receiverID,
		MessageID:          e.messageID,
	})
}

func (c *InputChannel) raise(event *messaging.Event[DeliveryEvent], name string, ev DeliveryEvent) {
	messaging.Dispatch(c.dispatcher, c.logger, name, func() {
		event.Raise(ev)
	})
}
