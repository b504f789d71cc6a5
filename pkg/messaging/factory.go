package messaging

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport"
)

// DefaultConnectTimeout bounds OpenConnection when no timeout is configured
const DefaultConnectTimeout = 5 * time.Second

// FactoryOption configures a Factory
type FactoryOption func(*Factory)

// WithInputDispatching sets how input channels raise their events
func WithInputDispatching(p threading.DispatcherProvider) FactoryOption {
	return func(f *Factory) {
		f.inputDispatching = p
	}
}

// WithOutputDispatching sets how output channels raise their events
func WithOutputDispatching(p threading.DispatcherProvider) FactoryOption {
	return func(f *Factory) {
		f.outputDispatching = p
	}
}

// WithConnectTimeout bounds OpenConnection
func WithConnectTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) {
		f.connectTimeout = d
	}
}

// WithClock sets the clock used for connect timeouts
func WithClock(c clock.Clock) FactoryOption {
	return func(f *Factory) {
		f.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics observability.ChannelMetrics) FactoryOption {
	return func(f *Factory) {
		f.metrics = metrics
	}
}

// WithTracer sets the tracing provider
func WithTracer(tracer *observability.TracingProvider) FactoryOption {
	return func(f *Factory) {
		f.tracer = tracer
	}
}

// Factory creates duplex channels over one transport. Channel ids are
// transport addresses.
type Factory struct {
	transport         transport.Factory
	inputDispatching  threading.DispatcherProvider
	outputDispatching threading.DispatcherProvider
	connectTimeout    time.Duration
	clock             clock.Clock
	logger            logging.Logger
	metrics           observability.ChannelMetrics
	tracer            *observability.TracingProvider
}

// NewFactory creates a channel factory over transportFactory. Both
// dispatching strategies default to a dedicated serial queue per channel.
func NewFactory(transportFactory transport.Factory, opts ...FactoryOption) *Factory {
	f := &Factory{
		transport:      transportFactory,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.inputDispatching == nil {
		f.inputDispatching = threading.NewSerialDispatching(threading.DefaultPool())
	}
	if f.outputDispatching == nil {
		f.outputDispatching = threading.NewSerialDispatching(threading.DefaultPool())
	}
	if f.connectTimeout <= 0 {
		f.connectTimeout = DefaultConnectTimeout
	}
	if f.clock == nil {
		f.clock = clock.New()
	}
	if f.logger == nil {
		f.logger = logging.Component("Messaging")
	}
	if f.metrics == nil {
		f.metrics = observability.NopMetrics{}
	}
	return f
}

// Tracer returns the tracing provider channels record spans to, nil when
// tracing is off
func (f *Factory) Tracer() *observability.TracingProvider {
	return f.tracer
}

// CreateDuplexOutputChannel creates an output channel connecting to
// channelID. An empty responseReceiverID is generated as
// "<channelID>_<uuid>".
func (f *Factory) CreateDuplexOutputChannel(channelID, responseReceiverID string) (*DuplexOutputChannel, error) {
	if channelID == "" {
		return nil, dxerrors.InvalidArgument("channel_id", channelID, "non-empty channel id")
	}
	if responseReceiverID == "" {
		responseReceiverID = channelID + "_" + uuid.New().String()
	}

	connector, err := f.transport.CreateOutputConnector(channelID, responseReceiverID)
	if err != nil {
		return nil, err
	}
	return newDuplexOutputChannel(f, channelID, responseReceiverID, connector), nil
}

// CreateDuplexInputChannel creates an input channel listening on channelID
func (f *Factory) CreateDuplexInputChannel(channelID string) (*DuplexInputChannel, error) {
	if channelID == "" {
		return nil, dxerrors.InvalidArgument("channel_id", channelID, "non-empty channel id")
	}

	connector, err := f.transport.CreateInputConnector(channelID)
	if err != nil {
		return nil, err
	}
	return newDuplexInputChannel(f, channelID, connector), nil
}
