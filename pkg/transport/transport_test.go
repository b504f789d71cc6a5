package transport

import (
	"bufio"
	"bytes"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xAB}, 300)}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}

	r := bufio.NewReader(&buf)
	for _, want := range frames {
		got, err := ReadFrame(r, 0)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadFrame(r, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 64)))

	_, err := ReadFrame(bufio.NewReader(&buf), 16)
	require.Error(t, err)
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeMessageTooLarge))
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("truncated")))
	short := buf.Bytes()[:4]

	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(short)), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestBindings(t *testing.T) {
	b := NewBindings[int]()

	for _, claim := range []struct {
		id   string
		conn int
	}{{"a", 1}, {"b", 1}, {"c", 2}} {
		_, ok := b.Claim(claim.id, claim.conn)
		require.True(t, ok)
	}

	conn, ok := b.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, 1, conn)

	t.Run("claiming an id served by another connection fails", func(t *testing.T) {
		owner, ok := b.Claim("c", 1)
		assert.False(t, ok)
		assert.Equal(t, 2, owner)

		conn, ok := b.Lookup("c")
		require.True(t, ok)
		assert.Equal(t, 2, conn)
	})

	t.Run("claiming again on the same connection succeeds", func(t *testing.T) {
		owner, ok := b.Claim("c", 2)
		assert.True(t, ok)
		assert.Equal(t, 2, owner)
	})

	t.Run("release only from the serving connection", func(t *testing.T) {
		assert.False(t, b.Release("c", 1))
		assert.True(t, b.Release("c", 2))
		assert.Empty(t, b.DropConnection(2))

		_, ok := b.Claim("c", 1)
		assert.True(t, ok)
	})

	t.Run("unbind reports remaining ids", func(t *testing.T) {
		conn, remaining, ok := b.Unbind("a")
		require.True(t, ok)
		assert.Equal(t, 1, conn)
		assert.Equal(t, 2, remaining)

		_, _, ok = b.Unbind("a")
		assert.False(t, ok)
	})

	t.Run("drop returns bound ids", func(t *testing.T) {
		ids := b.DropConnection(1)
		sort.Strings(ids)
		assert.Equal(t, []string{"b", "c"}, ids)
		assert.Empty(t, b.IDs())
	})
}

type recordedMessage struct {
	msgType protocol.MessageType
	id      string
	payload string
}

type messageRecorder struct {
	mu   sync.Mutex
	msgs []recordedMessage
}

func (r *messageRecorder) handle(msg *protocol.ProtocolMessage, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, recordedMessage{msg.MessageType, msg.ResponseReceiverID, string(msg.Message)})
}

func (r *messageRecorder) messages() []recordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedMessage(nil), r.msgs...)
}

func TestRouter(t *testing.T) {
	f := protocol.NewBinaryFormatter()
	bindings := NewBindings[string]()
	rec := &messageRecorder{}
	router := NewRouter(f, bindings, rec.handle, nil, logging.NewNop())

	encode := func(msg *protocol.ProtocolMessage) []byte {
		data, err := protocol.Encode(f, msg)
		require.NoError(t, err)
		return data
	}

	router.HandleFrame("conn-1", encode(NewOpenMessage("r1")), "peer")
	router.HandleFrame("conn-1", encode(NewOpenMessage("r2")), "peer")
	router.HandleFrame("conn-1", encode(&protocol.ProtocolMessage{
		MessageType:        protocol.MessageReceived,
		ResponseReceiverID: "r1",
		Message:            []byte("hello"),
	}), "peer")
	router.HandleFrame("conn-1", []byte("garbage"), "peer")
	router.HandleFrame("conn-1", encode(NewCloseMessage("r1")), "peer")

	_, ok := bindings.Lookup("r1")
	assert.False(t, ok)
	conn, ok := bindings.Lookup("r2")
	require.True(t, ok)
	assert.Equal(t, "conn-1", conn)

	router.ConnectionClosed("conn-1", "peer")

	assert.Equal(t, []recordedMessage{
		{protocol.OpenConnectionRequest, "r1", ""},
		{protocol.OpenConnectionRequest, "r2", ""},
		{protocol.MessageReceived, "r1", "hello"},
		{protocol.CloseConnectionRequest, "r1", ""},
		{protocol.CloseConnectionRequest, "r2", ""},
	}, rec.messages())
	assert.Empty(t, bindings.IDs())
}

func TestRouterKeepsReceiverOnItsConnection(t *testing.T) {
	f := protocol.NewBinaryFormatter()
	bindings := NewBindings[string]()
	rec := &messageRecorder{}

	var (
		mu      sync.Mutex
		replies = map[string][]*protocol.ProtocolMessage{}
	)
	reply := func(conn string, encoded []byte) error {
		msg, err := f.DecodeMessage(encoded)
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		replies[conn] = append(replies[conn], msg)
		return nil
	}
	router := NewRouter(f, bindings, rec.handle, reply, logging.NewNop())

	encode := func(msg *protocol.ProtocolMessage) []byte {
		data, err := protocol.Encode(f, msg)
		require.NoError(t, err)
		return data
	}
	data := func(payload string) []byte {
		return encode(&protocol.ProtocolMessage{
			MessageType:        protocol.MessageReceived,
			ResponseReceiverID: "victim",
			Message:            []byte(payload),
		})
	}

	router.HandleFrame("owner", encode(NewOpenMessage("victim")), "owner-peer")
	router.HandleFrame("owner", encode(NewOpenMessage("victim")), "owner-peer")
	router.HandleFrame("intruder", encode(NewOpenMessage("victim")), "intruder-peer")
	router.HandleFrame("intruder", data("spoofed"), "intruder-peer")
	router.HandleFrame("intruder", encode(NewCloseMessage("victim")), "intruder-peer")
	router.HandleFrame("owner", data("real"), "owner-peer")

	conn, ok := bindings.Lookup("victim")
	require.True(t, ok)
	assert.Equal(t, "owner", conn)

	mu.Lock()
	require.Len(t, replies["intruder"], 1)
	assert.Equal(t, protocol.CloseConnectionRequest, replies["intruder"][0].MessageType)
	assert.Equal(t, "victim", replies["intruder"][0].ResponseReceiverID)
	assert.Empty(t, replies["owner"])
	mu.Unlock()

	router.ConnectionClosed("intruder", "intruder-peer")
	_, ok = bindings.Lookup("victim")
	assert.True(t, ok)

	assert.Equal(t, []recordedMessage{
		{protocol.OpenConnectionRequest, "victim", ""},
		{protocol.OpenConnectionRequest, "victim", ""},
		{protocol.MessageReceived, "victim", "real"},
	}, rec.messages())
}

func TestRouterRecoversHandlerPanic(t *testing.T) {
	f := protocol.NewBinaryFormatter()
	router := NewRouter(f, NewBindings[int](), func(*protocol.ProtocolMessage, string) {
		panic("boom")
	}, nil, logging.NewNop())

	frame, err := f.EncodeOpenConnectionMessage("r1")
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		router.HandleFrame(1, frame, "peer")
	})
}

type stubFactory struct {
	name string
}

func (s *stubFactory) CreateInputConnector(string) (InputConnector, error) { return nil, nil }
func (s *stubFactory) CreateOutputConnector(string, string) (OutputConnector, error) {
	return nil, nil
}
func (s *stubFactory) Formatter() protocol.Formatter { return protocol.NewJSONFormatter() }

func TestChainMiddlewareOrder(t *testing.T) {
	var order []string
	named := func(name string) Middleware {
		return MiddlewareFunc(func(next Factory) Factory {
			order = append(order, name)
			return &stubFactory{name: name}
		})
	}

	wrapped := ChainMiddleware(named("outer"), named("inner")).Wrap(&stubFactory{name: "base"})

	assert.Equal(t, []string{"inner", "outer"}, order)
	assert.Equal(t, "outer", wrapped.(*stubFactory).name)
}

func TestWrappedFactoryDelegatesFormatter(t *testing.T) {
	f := &WrappedFactory{Next: &stubFactory{}}
	assert.IsType(t, &protocol.JSONFormatter{}, f.Formatter())

	in, err := f.CreateInputConnector("addr")
	require.NoError(t, err)
	assert.Nil(t, in)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"inprocess without address", Config{Type: TypeInProcess}, false},
		{"tcp with address", Config{Type: TypeTCP, Address: "tcp://127.0.0.1:8091", Formatter: "json"}, false},
		{"tcp without address", Config{Type: TypeTCP}, true},
		{"unknown type", Config{Type: "carrier-pigeon", Address: "x"}, true},
		{"unknown formatter", Config{Type: TypeInProcess, Formatter: "xml"}, true},
		{"negative frame size", Config{Type: TypeInProcess, MaxFrameSize: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dxerrors.IsCategory(err, dxerrors.CategoryValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "127.0.0.1:80", StripScheme("tcp://127.0.0.1:80"))
	assert.Equal(t, "127.0.0.1:80", StripScheme("127.0.0.1:80"))
}
