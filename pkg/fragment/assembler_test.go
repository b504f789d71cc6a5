package fragment

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/messaging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport/inprocess"
)

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestSplit(t *testing.T) {
	payload := []byte("abcdefghij")

	tests := []struct {
		name  string
		size  int
		parts []string
	}{
		{"exact multiple", 5, []string{"abcde", "fghij"}},
		{"remainder", 4, []string{"abcd", "efgh", "ij"}},
		{"larger than payload", 64, []string{"abcdefghij"}},
		{"non-positive size", 0, []string{"abcdefghij"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fragments := Split("s", payload, tt.size)
			require.Len(t, fragments, len(tt.parts))
			for i, f := range fragments {
				assert.Equal(t, "s", f.SequenceID)
				assert.Equal(t, i, f.Index)
				assert.Equal(t, i == len(fragments)-1, f.IsFinal)
				assert.Equal(t, tt.parts[i], string(f.Data))
			}
		})
	}

	empty := Split("e", nil, 8)
	require.Len(t, empty, 1)
	assert.True(t, empty[0].IsFinal)
	assert.Empty(t, empty[0].Data)
}

func TestCodec(t *testing.T) {
	f := Fragment{SequenceID: "seq-42", Index: 300, IsFinal: true, Data: []byte("payload")}

	encoded, err := EncodeFragment(f)
	require.NoError(t, err)
	decoded, err := DecodeFragment(encoded)
	require.NoError(t, err)
	assert.Equal(t, f, decoded)

	encoded[len(encoded)-1] = 'X'
	decoded, err = DecodeFragment(encoded)
	require.NoError(t, err)
	assert.Equal(t, byte('d'), f.Data[len(f.Data)-1], "decoded data is a copy")
	assert.Equal(t, byte('X'), decoded.Data[len(decoded.Data)-1])

	_, err = EncodeFragment(Fragment{Index: -1})
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeInvalidArgument))
}

func TestDecodeFragmentErrors(t *testing.T) {
	valid, err := EncodeFragment(Fragment{SequenceID: "s", Index: 1, Data: []byte("data")})
	require.NoError(t, err)

	tests := []struct {
		name    string
		encoded []byte
	}{
		{"empty", nil},
		{"header only", valid[:2]},
		{"bad version", append([]byte{9}, valid[1:]...)},
		{"unknown flags", append([]byte{valid[0], 0x80}, valid[2:]...)},
		{"truncated data", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFragment(tt.encoded)
			require.Error(t, err)
			assert.True(t, dxerrors.IsCode(err, dxerrors.CodeProtocolFormat))
		})
	}
}

func TestAssemblerShuffledSequences(t *testing.T) {
	a := NewAssembler(WithLogger(logging.NewNop()))
	rng := mrand.New(mrand.NewSource(1))

	payloads := map[string][]byte{
		"small": randomPayload(t, 10),
		"large": randomPayload(t, 10_000),
		"empty": {},
	}

	var all []Fragment
	for id, p := range payloads {
		all = append(all, Split(id, p, 333)...)
	}
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

	assembled := make(map[string][]byte)
	for _, f := range all {
		encoded, err := EncodeFragment(f)
		require.NoError(t, err)

		id, payload, complete, err := a.AddEncoded(encoded)
		require.NoError(t, err)
		if complete {
			_, seen := assembled[id]
			require.False(t, seen, "sequence %s assembled twice", id)
			assembled[id] = payload
		}
	}

	require.Len(t, assembled, len(payloads))
	for id, p := range payloads {
		assert.True(t, bytes.Equal(p, assembled[id]), id)
	}
	assert.Equal(t, 0, a.ActiveSequences())

	_, _, _, err := a.AddEncoded([]byte{1})
	assert.True(t, dxerrors.IsCode(err, dxerrors.CodeProtocolFormat))

	_, complete, err := a.Add(Fragment{SequenceID: "partial", Index: 1, IsFinal: true})
	require.NoError(t, err)
	assert.False(t, complete)
	assert.True(t, a.Discard("partial"))
}

// The thread pool dispatcher raises events concurrently, so fragments reach
// the handler out of order.
func TestAssemblerOverUnorderedChannel(t *testing.T) {
	pool := threading.NewThreadPool(4, 16, time.Second, threading.WithPoolLogger(logging.NewNop()))
	network := inprocess.NewNetwork(inprocess.WithLogger(logging.NewNop()))
	factory := messaging.NewFactory(network,
		messaging.WithLogger(logging.NewNop()),
		messaging.WithInputDispatching(threading.NewPoolDispatching(pool)),
	)

	in, err := factory.CreateDuplexInputChannel("blobs")
	require.NoError(t, err)

	assembler := NewAssembler(WithLogger(logging.NewNop()))
	var mu sync.Mutex
	results := make(map[string][]byte)

	_, err = in.OnMessageReceived(func(ev messaging.MessageEvent) {
		id, payload, complete, err := assembler.AddEncoded(ev.Message)
		if err != nil || !complete {
			return
		}
		mu.Lock()
		results[id] = payload
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, in.StartListening())
	defer in.StopListening()

	out, err := factory.CreateDuplexOutputChannel("blobs", "uploader")
	require.NoError(t, err)
	require.NoError(t, out.OpenConnection(context.Background()))
	defer out.CloseConnection()

	sent := make(map[string][]byte)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("blob-%d", i)
		sent[id] = randomPayload(t, 4096+i*100)
		for _, f := range Split(id, sent[id], 256) {
			encoded, err := EncodeFragment(f)
			require.NoError(t, err)
			require.NoError(t, out.SendMessage(encoded))
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == len(sent)
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, p := range sent {
		assert.True(t, bytes.Equal(p, results[id]), id)
	}
	assert.Equal(t, 0, assembler.ActiveSequences())
}
