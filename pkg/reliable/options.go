package reliable

import (
	"github.com/benbjohnson/clock"

	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
)

// DeliveryEvent reports the outcome of a sent message
type DeliveryEvent struct {
	ChannelID          string
	ResponseReceiverID string
	MessageID          string
}

// Option configures reliable channels
type Option func(*options)

type options struct {
	clock       clock.Clock
	logger      logging.Logger
	metrics     observability.ReliableMetrics
	dispatching threading.DispatcherProvider
	timerOpts   []threading.TimerOption
}

// WithClock sets the clock deadlines are measured on
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics observability.ReliableMetrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithDispatching sets how delivery events are raised. Events default to
// being raised on the goroutine that observed them.
func WithDispatching(p threading.DispatcherProvider) Option {
	return func(o *options) {
		o.dispatching = p
	}
}

// WithTimerOptions configures the acknowledgement timer
func WithTimerOptions(opts ...threading.TimerOption) Option {
	return func(o *options) {
		o.timerOpts = append(o.timerOpts, opts...)
	}
}

func buildOptions(component string, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.logger == nil {
		o.logger = logging.Component(component)
	}
	if o.metrics == nil {
		o.metrics = observability.NopMetrics{}
	}
	if o.dispatching == nil {
		o.dispatching = threading.NewSyncDispatching()
	}
	return o
}
