// Package duplex provides request/response channels over pluggable transports
package duplex

import (
	"github.com/ajitpratap0/duplex-sdk-go/pkg/fragment"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/messaging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/reliable"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport/inprocess"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport/tcp"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport/websocket"
)

// Version represents the current version of the SDK
const Version = "1.0.0"

// These exports provide direct access to the core SDK components
var (
	// NewFactory creates a duplex channel factory over a transport
	NewFactory = messaging.NewFactory

	// NewFactoryFromConfig builds a channel factory and its pool from configuration
	NewFactoryFromConfig = messaging.NewFactoryFromConfig

	// NewTransportFactory builds the transport a configuration names
	NewTransportFactory = messaging.NewTransportFactory

	// LoadConfig reads a YAML configuration file
	LoadConfig = messaging.LoadConfig

	// DefaultConfig returns the default configuration
	DefaultConfig = messaging.DefaultConfig

	// NewInProcessNetwork creates an in-process transport
	NewInProcessNetwork = inprocess.NewNetwork

	// NewTCPTransport creates a TCP transport
	NewTCPTransport = tcp.NewFactory

	// NewWebSocketTransport creates a WebSocket transport
	NewWebSocketTransport = websocket.NewFactory

	// NewReliableOutputChannel adds acknowledged delivery to an output channel
	NewReliableOutputChannel = reliable.NewOutputChannel

	// NewReliableInputChannel adds acknowledged delivery to an input channel
	NewReliableInputChannel = reliable.NewInputChannel

	// NewThreadPool creates a scalable worker pool
	NewThreadPool = threading.NewThreadPool

	// NewTimer creates a rescheduling timer
	NewTimer = threading.NewTimer

	// NewAssembler creates a fragment assembler
	NewAssembler = fragment.NewAssembler

	// SplitPayload cuts a payload into fragments
	SplitPayload = fragment.Split
)

// Factory options
var (
	WithConnectTimeout    = messaging.WithConnectTimeout
	WithInputDispatching  = messaging.WithInputDispatching
	WithOutputDispatching = messaging.WithOutputDispatching
	WithLogger            = messaging.WithLogger
	WithMetrics           = messaging.WithMetrics
	WithTracer            = messaging.WithTracer
)

// Envelope formatters
var (
	NewBinaryFormatter = protocol.NewBinaryFormatter
	NewJSONFormatter   = protocol.NewJSONFormatter
)

// BroadcastReceiverID addresses every connected response receiver
const BroadcastReceiverID = messaging.BroadcastReceiverID
