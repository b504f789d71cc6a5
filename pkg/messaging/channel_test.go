package messaging

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport/inprocess"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport/tcp"
)

const waitFor = 2 * time.Second

func newTestFactory(t *testing.T, opts ...FactoryOption) (*Factory, *inprocess.Network) {
	t.Helper()
	network := inprocess.NewNetwork(inprocess.WithLogger(logging.NewNop()))
	all := append([]FactoryOption{WithLogger(logging.NewNop())}, opts...)
	return NewFactory(network, all...), network
}

// recorder collects events delivered to subscriptions
type recorder[T any] struct {
	mu     sync.Mutex
	events []T
}

func (r *recorder[T]) add(ev T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.events...)
}

func (r *recorder[T]) waitLen(t *testing.T, n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.all()) >= n }, waitFor, 5*time.Millisecond)
	return r.all()
}

type serviceRecorder struct {
	connected    recorder[ResponseReceiverEvent]
	disconnected recorder[ResponseReceiverEvent]
	messages     recorder[MessageEvent]
}

func startService(t *testing.T, f *Factory, channelID string) (*DuplexInputChannel, *serviceRecorder) {
	t.Helper()
	in, err := f.CreateDuplexInputChannel(channelID)
	require.NoError(t, err)

	rec := &serviceRecorder{}
	_, err = in.OnResponseReceiverConnected(rec.connected.add)
	require.NoError(t, err)
	_, err = in.OnResponseReceiverDisconnected(rec.disconnected.add)
	require.NoError(t, err)
	_, err = in.OnMessageReceived(rec.messages.add)
	require.NoError(t, err)

	require.NoError(t, in.StartListening())
	t.Cleanup(in.StopListening)
	return in, rec
}

type clientRecorder struct {
	opened    recorder[ChannelEvent]
	closed    recorder[ChannelEvent]
	responses recorder[MessageEvent]
}

func newClient(t *testing.T, f *Factory, channelID, responseReceiverID string) (*DuplexOutputChannel, *clientRecorder) {
	t.Helper()
	out, err := f.CreateDuplexOutputChannel(channelID, responseReceiverID)
	require.NoError(t, err)

	rec := &clientRecorder{}
	_, err = out.OnConnectionOpened(rec.opened.add)
	require.NoError(t, err)
	_, err = out.OnConnectionClosed(rec.closed.add)
	require.NoError(t, err)
	_, err = out.OnResponseMessageReceived(rec.responses.add)
	require.NoError(t, err)
	return out, rec
}

func TestDuplexRequestResponse(t *testing.T) {
	f, _ := newTestFactory(t)
	in, service := startService(t, f, "orders")

	_, err := in.OnMessageReceived(func(MessageEvent) {})
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeAlreadyRegistered))

	out, client := newClient(t, f, "orders", "client-1")
	require.NoError(t, out.OpenConnection(context.Background()))
	assert.True(t, out.IsConnected())

	client.opened.waitLen(t, 1)
	connected := service.connected.waitLen(t, 1)
	assert.Equal(t, "client-1", connected[0].ResponseReceiverID)
	assert.Equal(t, []string{"client-1"}, in.ConnectedResponseReceivers())

	require.NoError(t, out.SendMessage([]byte("ping")))
	msgs := service.messages.waitLen(t, 1)
	assert.Equal(t, "client-1", msgs[0].ResponseReceiverID)
	assert.Equal(t, []byte("ping"), msgs[0].Message)

	require.NoError(t, in.SendResponseMessage(msgs[0].ResponseReceiverID, []byte("pong")))
	responses := client.responses.waitLen(t, 1)
	assert.Equal(t, []byte("pong"), responses[0].Message)

	out.CloseConnection()
	out.CloseConnection()
	assert.False(t, out.IsConnected())

	assert.Len(t, client.closed.waitLen(t, 1), 1)
	assert.Len(t, service.disconnected.waitLen(t, 1), 1)
	require.Eventually(t, func() bool { return len(in.ConnectedResponseReceivers()) == 0 }, waitFor, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, client.closed.all(), 1)
}

func TestVetoedConnectionFailsOnlyThatClient(t *testing.T) {
	f, _ := newTestFactory(t)
	in, service := startService(t, f, "orders")
	in.SetConnectionFilter(func(ev ResponseReceiverEvent) bool {
		return !strings.HasPrefix(ev.ResponseReceiverID, "banned")
	})

	banned, bannedEvents := newClient(t, f, "orders", "banned-1")
	err := banned.OpenConnection(context.Background())
	require.Error(t, err)
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeConnectionNotGranted))
	assert.False(t, banned.IsConnected())

	allowed, _ := newClient(t, f, "orders", "allowed-1")
	require.NoError(t, allowed.OpenConnection(context.Background()))
	defer allowed.CloseConnection()

	connected := service.connected.waitLen(t, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, service.connected.all(), 1)
	assert.Equal(t, "allowed-1", connected[0].ResponseReceiverID)
	assert.Empty(t, bannedEvents.opened.all())
	assert.Empty(t, bannedEvents.closed.all())
	assert.Equal(t, []string{"allowed-1"}, in.ConnectedResponseReceivers())
}

func TestPanickingFilterRefusesConnection(t *testing.T) {
	f, _ := newTestFactory(t)
	in, _ := startService(t, f, "orders")
	in.SetConnectionFilter(func(ResponseReceiverEvent) bool { panic("filter bug") })

	out, _ := newClient(t, f, "orders", "client-1")
	err := out.OpenConnection(context.Background())
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeConnectionNotGranted))
}

func TestOutputChannelStateErrors(t *testing.T) {
	f, _ := newTestFactory(t)
	startService(t, f, "orders")

	out, _ := newClient(t, f, "orders", "client-1")

	err := out.SendMessage([]byte("too early"))
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeChannelNotConnected))

	require.NoError(t, out.OpenConnection(context.Background()))
	err = out.OpenConnection(context.Background())
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeInvalidOperation))

	out.CloseConnection()
	err = out.SendMessage([]byte("too late"))
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeChannelNotConnected))

	require.NoError(t, out.OpenConnection(context.Background()), "a closed channel can be reopened")
	out.CloseConnection()
}

func TestOpenConnectionWithoutService(t *testing.T) {
	f, _ := newTestFactory(t)
	out, _ := newClient(t, f, "nowhere", "client-1")

	err := out.OpenConnection(context.Background())
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeConnectionFailed))
	assert.False(t, out.IsConnected())
}

func TestOpenConnectionTimeoutAndCancel(t *testing.T) {
	f, _ := newTestFactory(t, WithConnectTimeout(50*time.Millisecond))
	in, service := startService(t, f, "orders")

	release := make(chan struct{})
	defer close(release)
	in.SetConnectionFilter(func(ResponseReceiverEvent) bool {
		<-release
		return true
	})

	slow, _ := newClient(t, f, "orders", "slow")
	err := slow.OpenConnection(context.Background())
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeOperationTimeout))
	assert.False(t, slow.IsConnected())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelled, _ := newClient(t, f, "orders", "cancelled")
	err = cancelled.OpenConnection(ctx)
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeOperationCancelled))

	assert.Empty(t, service.connected.all())
}

func TestBroadcastAndDisconnect(t *testing.T) {
	f, _ := newTestFactory(t)
	in, service := startService(t, f, "orders")

	clients := make([]*clientRecorder, 3)
	for i := range clients {
		out, rec := newClient(t, f, "orders", "")
		require.NoError(t, out.OpenConnection(context.Background()))
		assert.True(t, strings.HasPrefix(out.ResponseReceiverID(), "orders_"))
		clients[i] = rec
	}
	service.connected.waitLen(t, 3)

	require.NoError(t, in.SendResponseMessage(BroadcastReceiverID, []byte("hello all")))
	for _, c := range clients {
		assert.Equal(t, []byte("hello all"), c.responses.waitLen(t, 1)[0].Message)
	}

	ids := in.ConnectedResponseReceivers()
	require.Len(t, ids, 3)
	require.NoError(t, in.DisconnectResponseReceiver(ids[0]))
	require.NoError(t, in.DisconnectResponseReceiver(ids[0]), "disconnecting twice is a no-op")
	require.NoError(t, in.DisconnectResponseReceiver("unknown"))

	disconnected := service.disconnected.waitLen(t, 1)
	assert.Equal(t, ids[0], disconnected[0].ResponseReceiverID)
	assert.Len(t, in.ConnectedResponseReceivers(), 2)

	closedCount := 0
	require.Eventually(t, func() bool {
		closedCount = 0
		for _, c := range clients {
			closedCount += len(c.closed.all())
		}
		return closedCount == 1
	}, waitFor, 5*time.Millisecond)

	err := in.SendResponseMessage(ids[0], []byte("gone"))
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeReceiverNotConnected))

	in.StopListening()
	assert.False(t, in.IsListening())
	service.disconnected.waitLen(t, 3)
	for _, c := range clients {
		c.closed.waitLen(t, 1)
	}

	err = in.SendResponseMessage(BroadcastReceiverID, []byte("nobody"))
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeInvalidOperation))
}

func TestStartListeningTwice(t *testing.T) {
	f, _ := newTestFactory(t)
	in, _ := startService(t, f, "orders")

	err := in.StartListening()
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeAlreadyListening))
	assert.True(t, in.IsListening())
}

func TestMessageHandlerPanicIsIsolated(t *testing.T) {
	f, _ := newTestFactory(t)
	in, err := f.CreateDuplexInputChannel("orders")
	require.NoError(t, err)

	var received recorder[string]
	_, err = in.OnMessageReceived(func(ev MessageEvent) {
		if string(ev.Message) == "poison" {
			panic("handler bug")
		}
		received.add(string(ev.Message))
	})
	require.NoError(t, err)
	require.NoError(t, in.StartListening())
	defer in.StopListening()

	out, _ := newClient(t, f, "orders", "client-1")
	require.NoError(t, out.OpenConnection(context.Background()))
	defer out.CloseConnection()

	require.NoError(t, out.SendMessage([]byte("poison")))
	require.NoError(t, out.SendMessage([]byte("fine")))

	assert.Equal(t, []string{"fine"}, received.waitLen(t, 1))
	assert.True(t, in.IsListening())
}

func TestMessagesFromUnknownReceiverAreDropped(t *testing.T) {
	f, network := newTestFactory(t)
	_, service := startService(t, f, "orders")

	raw, err := network.CreateOutputConnector("orders", "intruder")
	require.NoError(t, err)
	require.NoError(t, raw.OpenConnection(func(msg *protocol.ProtocolMessage, _ string) {}))

	payload, err := network.Formatter().EncodeMessage("someone-else", []byte("spoofed"))
	require.NoError(t, err)
	require.NoError(t, raw.SendRequestMessage(payload))

	legit, _ := newClient(t, f, "orders", "legit")
	require.NoError(t, legit.OpenConnection(context.Background()))
	defer legit.CloseConnection()
	require.NoError(t, legit.SendMessage([]byte("real")))

	msgs := service.messages.waitLen(t, 1)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, service.messages.all(), 1)
	assert.Equal(t, []byte("real"), msgs[0].Message)
}

func TestSubscriptionSlot(t *testing.T) {
	f, _ := newTestFactory(t)
	out, err := f.CreateDuplexOutputChannel("orders", "client-1")
	require.NoError(t, err)

	sub, err := out.OnConnectionOpened(func(ChannelEvent) {})
	require.NoError(t, err)

	_, err = out.OnConnectionOpened(func(ChannelEvent) {})
	require.Error(t, err)
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeAlreadyRegistered))
	assert.Contains(t, err.Error(), "ConnectionOpened")

	sub.Unsubscribe()
	second, err := out.OnConnectionOpened(func(ChannelEvent) {})
	require.NoError(t, err)

	sub.Unsubscribe()
	assert.True(t, out.connectionOpened.Subscribed(), "a stale subscription must not free a newer one")
	second.Unsubscribe()
	assert.False(t, out.connectionOpened.Subscribed())

	_, err = out.OnConnectionClosed(nil)
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeInvalidArgument))
}

func TestCreateChannelValidation(t *testing.T) {
	f, _ := newTestFactory(t)

	_, err := f.CreateDuplexInputChannel("")
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeInvalidArgument))
	_, err = f.CreateDuplexOutputChannel("", "x")
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeInvalidArgument))
}

func TestDuplexOverTCP(t *testing.T) {
	tcpFactory := tcp.NewFactory(tcp.WithLogger(logging.NewNop()))
	f := NewFactory(tcpFactory, WithLogger(logging.NewNop()))
	address := freeTCPAddress(t, tcpFactory)

	in, service := startService(t, f, address)

	out, client := newClient(t, f, address, "tcp-client")
	require.NoError(t, out.OpenConnection(context.Background()))

	require.NoError(t, out.SendMessage([]byte("over the wire")))
	msgs := service.messages.waitLen(t, 1)
	assert.Equal(t, []byte("over the wire"), msgs[0].Message)

	require.NoError(t, in.SendResponseMessage("tcp-client", []byte("ack")))
	assert.Equal(t, []byte("ack"), client.responses.waitLen(t, 1)[0].Message)

	in.StopListening()
	client.closed.waitLen(t, 1)
	assert.False(t, out.IsConnected())
}

func TestOpenForConnectedReceiverFromAnotherConnectionIsRefused(t *testing.T) {
	tcpFactory := tcp.NewFactory(tcp.WithLogger(logging.NewNop()))
	f := NewFactory(tcpFactory, WithLogger(logging.NewNop()))
	address := freeTCPAddress(t, tcpFactory)

	in, service := startService(t, f, address)
	out, client := newClient(t, f, address, "victim")
	require.NoError(t, out.OpenConnection(context.Background()))
	defer out.CloseConnection()
	service.connected.waitLen(t, 1)

	raw, err := net.Dial("tcp", strings.TrimPrefix(address, "tcp://"))
	require.NoError(t, err)
	formatter := tcpFactory.Formatter()
	open, err := formatter.EncodeOpenConnectionMessage("victim")
	require.NoError(t, err)
	require.NoError(t, transport.WriteFrame(raw, open))

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(waitFor)))
	frame, err := transport.ReadFrame(bufio.NewReader(raw), 0)
	require.NoError(t, err)
	refusal, err := formatter.DecodeMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.CloseConnectionRequest, refusal.MessageType)
	assert.Equal(t, "victim", refusal.ResponseReceiverID)

	require.NoError(t, in.SendResponseMessage("victim", []byte("still yours")))
	assert.Equal(t, []byte("still yours"), client.responses.waitLen(t, 1)[0].Message)

	require.NoError(t, raw.Close())
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, service.disconnected.all())
	assert.Equal(t, []string{"victim"}, in.ConnectedResponseReceivers())
	assert.True(t, out.IsConnected())
	assert.Len(t, service.connected.all(), 1)

	require.NoError(t, out.SendMessage([]byte("after")))
	assert.Equal(t, []byte("after"), service.messages.waitLen(t, 1)[0].Message)
}

func freeTCPAddress(t *testing.T, f *tcp.Factory) string {
	t.Helper()
	scratch, err := f.CreateInputConnector("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, scratch.StartListening(func(*protocol.ProtocolMessage, string) {}))
	address := "tcp://" + scratch.(*tcp.InputConnector).Addr().String()
	scratch.StopListening()
	return address
}

var _ transport.Factory = (*inprocess.Network)(nil)
