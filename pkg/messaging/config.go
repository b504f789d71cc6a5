package messaging

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	dxerrors "github.com/ajitpratap0/duplex-sdk-go/pkg/errors"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/threading"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport/inprocess"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport/tcp"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport/websocket"
)

// Config is the complete configuration of a messaging system
type Config struct {
	Transport     transport.Config           `json:"transport" yaml:"transport"`
	ThreadPool    threading.ThreadPoolConfig `json:"thread_pool" yaml:"thread_pool"`
	Timer         TimerConfig                `json:"timer" yaml:"timer"`
	Channel       ChannelConfig              `json:"channel" yaml:"channel"`
	Reliability   ReliabilityConfig          `json:"reliability" yaml:"reliability"`
	Observability ObservabilityConfig        `json:"observability" yaml:"observability"`
	Tracing       TracingConfig              `json:"tracing" yaml:"tracing"`
}

// TimerConfig configures timers
type TimerConfig struct {
	StartTimeout time.Duration `json:"start_timeout" yaml:"start_timeout"`
}

// ChannelConfig configures duplex channels
type ChannelConfig struct {
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	InputDispatch  string        `json:"input_dispatch" yaml:"input_dispatch"`
	OutputDispatch string        `json:"output_dispatch" yaml:"output_dispatch"`
}

// ReliabilityConfig configures acknowledged delivery
type ReliabilityConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	AckTimeout time.Duration `json:"ack_timeout" yaml:"ack_timeout"`
}

// ObservabilityConfig configures logging and metrics
type ObservabilityConfig struct {
	EnableMetrics    bool   `json:"enable_metrics" yaml:"enable_metrics"`
	MetricsNamespace string `json:"metrics_namespace" yaml:"metrics_namespace"`
	MetricsAddr      string `json:"metrics_addr" yaml:"metrics_addr"`
	LogLevel         string `json:"log_level" yaml:"log_level"`
	LogFormat        string `json:"log_format" yaml:"log_format"`
}

// TracingConfig configures OpenTelemetry spans for channels and connectors
type TracingConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	ServiceName  string        `json:"service_name" yaml:"service_name"`
	Environment  string        `json:"environment" yaml:"environment"`
	Exporter     string        `json:"exporter" yaml:"exporter"`
	Endpoint     string        `json:"endpoint" yaml:"endpoint"`
	Insecure     bool          `json:"insecure" yaml:"insecure"`
	SampleRate   float64       `json:"sample_rate" yaml:"sample_rate"`
	Silenced     []string      `json:"silenced" yaml:"silenced"`
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Transport: transport.Config{
			Type:         transport.TypeInProcess,
			Formatter:    protocol.FormatterBinary,
			MaxFrameSize: transport.DefaultMaxFrameSize,
		},
		ThreadPool: threading.ThreadPoolConfig{
			MinWorkers:  0,
			MaxWorkers:  64,
			IdleTimeout: threading.DefaultIdleTimeout,
		},
		Timer: TimerConfig{
			StartTimeout: threading.DefaultStartTimeout,
		},
		Channel: ChannelConfig{
			ConnectTimeout: DefaultConnectTimeout,
			InputDispatch:  string(threading.DispatchWorkingThread),
			OutputDispatch: string(threading.DispatchWorkingThread),
		},
		Reliability: ReliabilityConfig{
			Enabled:    false,
			AckTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			EnableMetrics:    true,
			MetricsNamespace: "duplex",
			MetricsAddr:      ":9090",
			LogLevel:         "info",
			LogFormat:        "text",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "duplex-service",
			Exporter:    string(observability.ExporterNoop),
			SampleRate:  1.0,
		},
	}
}

// LoadConfig reads a YAML configuration file over DefaultConfig
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, dxerrors.WrapError(err, dxerrors.CodeInvalidConfig,
			"failed to read config file "+path, dxerrors.CategoryValidation, dxerrors.SeverityError)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML over DefaultConfig and validates the result.
// Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, dxerrors.WrapError(err, dxerrors.CodeInvalidConfig,
			"failed to parse config: "+err.Error(), dxerrors.CategoryValidation, dxerrors.SeverityError)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section and reports all problems at once
func (c Config) Validate() error {
	var errs []dxerrors.MessagingError

	add := func(err error) {
		if err == nil {
			return
		}
		if msgErr, ok := dxerrors.AsMessagingError(err); ok {
			errs = append(errs, msgErr)
			return
		}
		errs = append(errs, dxerrors.WrapError(err, dxerrors.CodeInvalidConfig, err.Error(),
			dxerrors.CategoryValidation, dxerrors.SeverityError))
	}

	add(c.Transport.Validate())

	if c.ThreadPool.MinWorkers < 0 {
		add(dxerrors.InvalidConfig("thread_pool.min_workers", c.ThreadPool.MinWorkers, "must not be negative"))
	}
	if c.ThreadPool.MaxWorkers > 0 && c.ThreadPool.MinWorkers > c.ThreadPool.MaxWorkers {
		add(dxerrors.InvalidConfig("thread_pool.max_workers", c.ThreadPool.MaxWorkers, "must not be less than min_workers"))
	}
	if c.ThreadPool.IdleTimeout < 0 {
		add(dxerrors.InvalidConfig("thread_pool.idle_timeout", c.ThreadPool.IdleTimeout, "must not be negative"))
	}
	if c.Timer.StartTimeout < 0 {
		add(dxerrors.InvalidConfig("timer.start_timeout", c.Timer.StartTimeout, "must not be negative"))
	}
	if c.Channel.ConnectTimeout < 0 {
		add(dxerrors.InvalidConfig("channel.connect_timeout", c.Channel.ConnectTimeout, "must not be negative"))
	}
	if _, err := threading.ParseDispatchMode(c.Channel.InputDispatch); err != nil {
		add(err)
	}
	if _, err := threading.ParseDispatchMode(c.Channel.OutputDispatch); err != nil {
		add(err)
	}
	if c.Reliability.AckTimeout < 0 {
		add(dxerrors.InvalidConfig("reliability.ack_timeout", c.Reliability.AckTimeout, "must not be negative"))
	}
	if c.Observability.LogLevel != "" {
		if _, err := logging.ParseLevel(c.Observability.LogLevel); err != nil {
			add(dxerrors.InvalidConfig("observability.log_level", c.Observability.LogLevel, "one of debug, info, warn, error, fatal"))
		}
	}
	if _, err := logging.NewFormatter(c.Observability.LogFormat); err != nil {
		add(dxerrors.InvalidConfig("observability.log_format", c.Observability.LogFormat, "one of text, json"))
	}

	if _, err := observability.ParseExporterType(c.Tracing.Exporter); err != nil {
		add(dxerrors.InvalidConfig("tracing.exporter", c.Tracing.Exporter, "one of otlp-grpc, otlp-http, noop"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" && c.Tracing.Exporter != "" && c.Tracing.Exporter != string(observability.ExporterNoop) {
		add(dxerrors.InvalidConfig("tracing.endpoint", c.Tracing.Endpoint, "required by the "+c.Tracing.Exporter+" exporter"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		add(dxerrors.InvalidConfig("tracing.sample_rate", c.Tracing.SampleRate, "between 0 and 1"))
	}
	if c.Tracing.BatchTimeout < 0 {
		add(dxerrors.InvalidConfig("tracing.batch_timeout", c.Tracing.BatchTimeout, "must not be negative"))
	}

	if err := dxerrors.CombineValidationErrors(errs); err != nil {
		return err
	}
	return nil
}

// TimerOptions returns the timer settings for components that own a
// threading.Timer, such as reliable channels
func (c Config) TimerOptions() []threading.TimerOption {
	if c.Timer.StartTimeout <= 0 {
		return nil
	}
	return []threading.TimerOption{threading.WithStartTimeout(c.Timer.StartTimeout)}
}

// NewTracingProvider builds the tracing provider the tracing section
// describes. It returns nil when tracing is disabled; a nil provider starts
// no spans and shuts down cleanly.
func (c Config) NewTracingProvider() (*observability.TracingProvider, error) {
	if !c.Tracing.Enabled {
		return nil, nil
	}
	exporter, err := observability.ParseExporterType(c.Tracing.Exporter)
	if err != nil {
		return nil, dxerrors.InvalidConfig("tracing.exporter", c.Tracing.Exporter, "one of otlp-grpc, otlp-http, noop")
	}
	return observability.NewTracingProvider(observability.TracingConfig{
		ServiceName:  c.Tracing.ServiceName,
		Environment:  c.Tracing.Environment,
		Exporter:     exporter,
		Endpoint:     c.Tracing.Endpoint,
		Insecure:     c.Tracing.Insecure,
		SampleRate:   c.Tracing.SampleRate,
		Silenced:     c.Tracing.Silenced,
		BatchTimeout: c.Tracing.BatchTimeout,
	})
}

// NewTransportFactory builds the connector factory a transport config names
func NewTransportFactory(cfg transport.Config, logger logging.Logger, pool threading.Executor) (transport.Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	formatter, err := protocol.ParseFormatter(cfg.Formatter)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	switch cfg.Type {
	case transport.TypeTCP:
		return tcp.NewFactory(
			tcp.WithFormatter(formatter),
			tcp.WithMaxFrameSize(cfg.MaxFrameSize),
			tcp.WithLogger(logger.WithFields(logging.String("component", "TCPTransport"))),
		), nil
	case transport.TypeWebSocket:
		return websocket.NewFactory(
			websocket.WithFormatter(formatter),
			websocket.WithMaxFrameSize(cfg.MaxFrameSize),
			websocket.WithLogger(logger.WithFields(logging.String("component", "WebSocketTransport"))),
		), nil
	default:
		opts := []inprocess.Option{
			inprocess.WithFormatter(formatter),
			inprocess.WithLogger(logger.WithFields(logging.String("component", "InProcessTransport"))),
		}
		if pool != nil {
			opts = append(opts, inprocess.WithPool(pool))
		}
		return inprocess.NewNetwork(opts...), nil
	}
}

// NewFactoryFromConfig builds the pool, dispatching strategies and channel
// factory a configuration describes. Options are applied after the
// configured ones. When tracing is enabled and no WithTracer option is
// given, the factory owns a provider built from the tracing section; stop
// it with Factory.Tracer().Shutdown.
func NewFactoryFromConfig(cfg Config, transportFactory transport.Factory, opts ...FactoryOption) (*Factory, *threading.ThreadPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if transportFactory == nil {
		return nil, nil, dxerrors.InvalidArgument("transport_factory", nil, "non-nil transport factory")
	}

	var given Factory
	for _, opt := range opts {
		opt(&given)
	}
	if given.tracer == nil {
		tracer, err := cfg.NewTracingProvider()
		if err != nil {
			return nil, nil, err
		}
		if tracer != nil {
			opts = append(opts, WithTracer(tracer))
		}
	}

	pool := threading.NewThreadPoolFromConfig(cfg.ThreadPool, threading.WithPoolName("messaging"))

	inputMode, err := threading.ParseDispatchMode(cfg.Channel.InputDispatch)
	if err != nil {
		return nil, nil, err
	}
	outputMode, err := threading.ParseDispatchMode(cfg.Channel.OutputDispatch)
	if err != nil {
		return nil, nil, err
	}
	inputDispatching, err := threading.NewDispatching(inputMode, pool)
	if err != nil {
		return nil, nil, err
	}
	outputDispatching, err := threading.NewDispatching(outputMode, pool)
	if err != nil {
		return nil, nil, err
	}

	all := append([]FactoryOption{
		WithInputDispatching(inputDispatching),
		WithOutputDispatching(outputDispatching),
		WithConnectTimeout(cfg.Channel.ConnectTimeout),
	}, opts...)

	return NewFactory(transportFactory, all...), pool, nil
}
