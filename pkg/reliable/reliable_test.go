package reliable

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/messaging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport/inprocess"
)

const waitFor = 2 * time.Second

type events[T any] struct {
	mu   sync.Mutex
	list []T
}

func (e *events[T]) add(ev T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events[T]) all() []T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]T(nil), e.list...)
}

func (e *events[T]) waitLen(t *testing.T, n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return len(e.all()) >= n }, waitFor, 5*time.Millisecond)
	return e.all()
}

type fakeMetrics struct {
	mu           sync.Mutex
	delivered    map[string]int
	notDelivered map[string]int
	pending      int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{delivered: map[string]int{}, notDelivered: map[string]int{}}
}

func (m *fakeMetrics) MessageDelivered(side string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[side]++
}

func (m *fakeMetrics) MessageNotDelivered(side string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notDelivered[side]++
}

func (m *fakeMetrics) PendingAcks(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending += delta
}

func (m *fakeMetrics) snapshot() (delivered, notDelivered map[string]int, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := make(map[string]int)
	for k, v := range m.delivered {
		d[k] = v
	}
	n := make(map[string]int)
	for k, v := range m.notDelivered {
		n[k] = v
	}
	return d, n, m.pending
}

func newFactory() *messaging.Factory {
	network := inprocess.NewNetwork(inprocess.WithLogger(logging.NewNop()))
	return messaging.NewFactory(network, messaging.WithLogger(logging.NewNop()))
}

func newInner(t *testing.T, f *messaging.Factory, channelID, responseReceiverID string) (*messaging.DuplexInputChannel, *messaging.DuplexOutputChannel) {
	t.Helper()
	in, err := f.CreateDuplexInputChannel(channelID)
	require.NoError(t, err)
	out, err := f.CreateDuplexOutputChannel(channelID, responseReceiverID)
	require.NoError(t, err)
	return in, out
}

func TestReliableRoundTrip(t *testing.T) {
	metrics := newFakeMetrics()
	f := newFactory()
	innerIn, innerOut := newInner(t, f, "orders", "client-1")

	in, err := NewInputChannel(innerIn, time.Second, WithLogger(logging.NewNop()), WithMetrics(metrics))
	require.NoError(t, err)
	out, err := NewOutputChannel(innerOut, time.Second, WithLogger(logging.NewNop()), WithMetrics(metrics))
	require.NoError(t, err)

	var (
		received          events[messaging.MessageEvent]
		responses         events[messaging.MessageEvent]
		delivered         events[DeliveryEvent]
		responseDelivered events[DeliveryEvent]
	)
	_, err = in.OnMessageReceived(received.add)
	require.NoError(t, err)
	_, err = in.OnResponseMessageDelivered(responseDelivered.add)
	require.NoError(t, err)
	_, err = out.OnResponseMessageReceived(responses.add)
	require.NoError(t, err)
	_, err = out.OnMessageDelivered(delivered.add)
	require.NoError(t, err)

	require.NoError(t, in.StartListening())
	defer in.StopListening()
	require.NoError(t, out.OpenConnection(context.Background()))
	defer out.CloseConnection()

	id, err := out.SendMessage([]byte("order #1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := received.waitLen(t, 1)
	assert.Equal(t, []byte("order #1"), msgs[0].Message)
	assert.Equal(t, "client-1", msgs[0].ResponseReceiverID)

	acked := delivered.waitLen(t, 1)
	assert.Equal(t, id, acked[0].MessageID)
	assert.Equal(t, "client-1", acked[0].ResponseReceiverID)
	assert.Equal(t, 0, out.PendingMessages())

	responseID, err := in.SendResponseMessage("client-1", []byte("confirmed"))
	require.NoError(t, err)
	assert.Equal(t, []byte("confirmed"), responses.waitLen(t, 1)[0].Message)
	assert.Equal(t, responseID, responseDelivered.waitLen(t, 1)[0].MessageID)

	require.Eventually(t, func() bool {
		d, n, pending := metrics.snapshot()
		return d[outputSide] == 1 && d[inputSide] == 1 && len(n) == 0 && pending == 0
	}, waitFor, 5*time.Millisecond)
}

func TestUnacknowledgedMessagesExpire(t *testing.T) {
	f := newFactory()
	innerIn, innerOut := newInner(t, f, "orders", "client-1")

	// a plain input channel never acknowledges
	_, err := innerIn.OnMessageReceived(func(messaging.MessageEvent) {})
	require.NoError(t, err)
	require.NoError(t, innerIn.StartListening())
	defer innerIn.StopListening()

	out, err := NewOutputChannel(innerOut, 60*time.Millisecond, WithLogger(logging.NewNop()))
	require.NoError(t, err)
	var notDelivered events[DeliveryEvent]
	_, err = out.OnMessageNotDelivered(notDelivered.add)
	require.NoError(t, err)

	require.NoError(t, out.OpenConnection(context.Background()))
	defer out.CloseConnection()

	// staggered sends need the timer to re-arm after each expiry
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := out.SendMessage([]byte("lost"))
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(25 * time.Millisecond)
	}

	expired := notDelivered.waitLen(t, 3)
	require.Len(t, expired, 3)
	for i, ev := range expired {
		assert.Equal(t, ids[i], ev.MessageID)
	}
	assert.Equal(t, 0, out.PendingMessages())
}

func TestPendingResponsesFailOnDisconnect(t *testing.T) {
	f := newFactory()
	innerIn, innerOut := newInner(t, f, "orders", "client-1")

	in, err := NewInputChannel(innerIn, 10*time.Second, WithLogger(logging.NewNop()))
	require.NoError(t, err)
	var notDelivered events[DeliveryEvent]
	var disconnected events[messaging.ResponseReceiverEvent]
	_, err = in.OnResponseMessageNotDelivered(notDelivered.add)
	require.NoError(t, err)
	_, err = in.OnResponseReceiverDisconnected(disconnected.add)
	require.NoError(t, err)
	require.NoError(t, in.StartListening())
	defer in.StopListening()

	// a plain output channel never acknowledges
	var responses events[messaging.MessageEvent]
	_, err = innerOut.OnResponseMessageReceived(responses.add)
	require.NoError(t, err)
	require.NoError(t, innerOut.OpenConnection(context.Background()))

	require.Eventually(t, func() bool { return len(in.ConnectedResponseReceivers()) == 1 }, waitFor, 5*time.Millisecond)
	id, err := in.SendResponseMessage("client-1", []byte("unanswered"))
	require.NoError(t, err)
	responses.waitLen(t, 1)
	assert.Equal(t, 1, in.PendingMessages())

	innerOut.CloseConnection()

	failed := notDelivered.waitLen(t, 1)
	assert.Equal(t, id, failed[0].MessageID)
	assert.Equal(t, "client-1", failed[0].ResponseReceiverID)
	disconnected.waitLen(t, 1)
	assert.Equal(t, 0, in.PendingMessages())
}

func TestPendingMessagesFailOnClose(t *testing.T) {
	f := newFactory()
	innerIn, innerOut := newInner(t, f, "orders", "client-1")
	_, err := innerIn.OnMessageReceived(func(messaging.MessageEvent) {})
	require.NoError(t, err)
	require.NoError(t, innerIn.StartListening())
	defer innerIn.StopListening()

	out, err := NewOutputChannel(innerOut, 10*time.Second, WithLogger(logging.NewNop()))
	require.NoError(t, err)
	var notDelivered events[DeliveryEvent]
	var closed events[messaging.ChannelEvent]
	_, err = out.OnMessageNotDelivered(notDelivered.add)
	require.NoError(t, err)
	_, err = out.OnConnectionClosed(closed.add)
	require.NoError(t, err)

	require.NoError(t, out.OpenConnection(context.Background()))
	id, err := out.SendMessage([]byte("in flight"))
	require.NoError(t, err)

	out.CloseConnection()

	failed := notDelivered.waitLen(t, 1)
	assert.Equal(t, id, failed[0].MessageID)
	closed.waitLen(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, notDelivered.all(), 1)

	_, err = out.SendMessage([]byte("closed"))
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeChannelNotConnected))
	assert.Equal(t, 0, out.PendingMessages())
}

func TestUnknownAndMalformedAcksAreIgnored(t *testing.T) {
	f := newFactory()
	innerIn, innerOut := newInner(t, f, "orders", "client-1")

	in, err := NewInputChannel(innerIn, time.Second, WithLogger(logging.NewNop()))
	require.NoError(t, err)
	var received events[messaging.MessageEvent]
	var delivered events[DeliveryEvent]
	_, err = in.OnMessageReceived(received.add)
	require.NoError(t, err)
	_, err = in.OnResponseMessageDelivered(delivered.add)
	require.NoError(t, err)
	require.NoError(t, in.StartListening())
	defer in.StopListening()

	var acks events[messaging.MessageEvent]
	_, err = innerOut.OnResponseMessageReceived(acks.add)
	require.NoError(t, err)
	require.NoError(t, innerOut.OpenConnection(context.Background()))
	defer innerOut.CloseConnection()

	unknownAck, err := EncodeMessage(ReliableMessage{Type: TypeAck, ID: "never-sent"})
	require.NoError(t, err)
	require.NoError(t, innerOut.SendMessage(unknownAck))
	require.NoError(t, innerOut.SendMessage([]byte("not json")))

	msg, err := EncodeMessage(ReliableMessage{Type: TypeMessage, ID: "m-1", Payload: []byte("real")})
	require.NoError(t, err)
	require.NoError(t, innerOut.SendMessage(msg))

	assert.Equal(t, []byte("real"), received.waitLen(t, 1)[0].Message)

	ack, err := DecodeMessage(acks.waitLen(t, 1)[0].Message)
	require.NoError(t, err)
	assert.Equal(t, ReliableMessage{Type: TypeAck, ID: "m-1"}, ack)

	assert.Empty(t, delivered.all())
	assert.Len(t, received.all(), 1)
}

func TestBroadcastIsTrackedPerReceiver(t *testing.T) {
	f := newFactory()
	innerIn, err := f.CreateDuplexInputChannel("news")
	require.NoError(t, err)
	in, err := NewInputChannel(innerIn, time.Second, WithLogger(logging.NewNop()))
	require.NoError(t, err)
	var delivered events[DeliveryEvent]
	_, err = in.OnResponseMessageDelivered(delivered.add)
	require.NoError(t, err)
	require.NoError(t, in.StartListening())
	defer in.StopListening()

	receivers := []string{"a", "b", "c"}
	for _, id := range receivers {
		innerOut, err := f.CreateDuplexOutputChannel("news", id)
		require.NoError(t, err)
		out, err := NewOutputChannel(innerOut, time.Second, WithLogger(logging.NewNop()))
		require.NoError(t, err)
		require.NoError(t, out.OpenConnection(context.Background()))
		defer out.CloseConnection()
	}
	require.Eventually(t, func() bool { return len(in.ConnectedResponseReceivers()) == 3 }, waitFor, 5*time.Millisecond)

	id, err := in.SendResponseMessage(messaging.BroadcastReceiverID, []byte("headline"))
	require.NoError(t, err)

	acked := delivered.waitLen(t, 3)
	var ackedBy []string
	for _, ev := range acked {
		assert.Equal(t, id, ev.MessageID)
		ackedBy = append(ackedBy, ev.ResponseReceiverID)
	}
	assert.ElementsMatch(t, receivers, ackedBy)
}

func TestConstructorValidation(t *testing.T) {
	f := newFactory()
	innerIn, innerOut := newInner(t, f, "orders", "client-1")

	_, err := NewOutputChannel(innerOut, 0)
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeInvalidArgument))
	_, err = NewInputChannel(nil, time.Second)
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeInvalidArgument))

	_, err = innerIn.OnMessageReceived(func(messaging.MessageEvent) {})
	require.NoError(t, err)
	_, err = NewInputChannel(innerIn, time.Second, WithLogger(logging.NewNop()))
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeAlreadyRegistered))

	_, err = innerOut.OnConnectionClosed(func(messaging.ChannelEvent) {})
	require.NoError(t, err)
	_, err = NewOutputChannel(innerOut, time.Second, WithLogger(logging.NewNop()))
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeAlreadyRegistered))

	_, err = innerOut.OnResponseMessageReceived(func(messaging.MessageEvent) {})
	assert.NoError(t, err, "a failed wrap releases the events it took")
}

func TestDecodeMessageErrors(t *testing.T) {
	for _, data := range []string{`{`, `{"type":"nack","id":"x"}`, `{"type":"ack"}`} {
		_, err := DecodeMessage([]byte(data))
		require.Error(t, err, data)
		assert.True(t, dxerrors.IsCode(err, dxerrors.CodeProtocolFormat), data)
	}
}
