// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for thread pools, duplex channels, transports and fragment processing.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the spans channels and connectors emit
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Exporter selects where spans go. Endpoint is host:port for both
	// OTLP exporters.
	Exporter ExporterType
	Endpoint string
	Headers  map[string]string
	Insecure bool

	// SampleRate is the fraction of root spans kept, 0.0 to 1.0. Zero
	// means keep everything. Operations in Silenced are never sampled,
	// e.g. "dispatch_message" on a busy input channel.
	SampleRate float64
	Silenced   []string

	BatchTimeout time.Duration
	MaxBatchSize int
	MaxQueueSize int
}

// ExporterType names a span exporter
type ExporterType string

const (
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	ExporterOTLPHTTP ExporterType = "otlp-http"
	// ExporterNoop records spans and discards them
	ExporterNoop ExporterType = "noop"
)

// ParseExporterType validates an exporter name. Empty selects ExporterNoop.
func ParseExporterType(s string) (ExporterType, error) {
	switch t := ExporterType(s); t {
	case "":
		return ExporterNoop, nil
	case ExporterOTLPGRPC, ExporterOTLPHTTP, ExporterNoop:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported exporter type: %q", s)
	}
}

const tracerName = "duplex-sdk"

// Span attribute keys
const (
	AttrOperation          = "duplex.operation"
	AttrChannelID          = "duplex.channel_id"
	AttrResponseReceiverID = "duplex.response_receiver_id"
	AttrPayloadSize        = "duplex.payload_size"
)

// TracingProvider starts channel and connector spans. A nil provider is
// valid and starts none.
type TracingProvider struct {
	serviceName string
	provider    *sdktrace.TracerProvider
	tracer      trace.Tracer

	mu       sync.Mutex
	shutdown bool
}

// NewTracingProvider builds the exporter, sampler and batching span
// processor config describes
func NewTracingProvider(config TracingConfig) (*TracingProvider, error) {
	if config.ServiceName == "" {
		config.ServiceName = "duplex-service"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}
	if config.Environment == "" {
		config.Environment = "development"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 5 * time.Second
	}
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 512
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 2048
	}

	exporter, err := newExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(config.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(config.MaxBatchSize),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(config)),
	)

	return &TracingProvider{
		serviceName: config.ServiceName,
		provider:    tp,
		tracer:      tp.Tracer(tracerName),
	}, nil
}

func newExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
		if len(config.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(config.Headers))
		}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Endpoint)}
		if len(config.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	case ExporterNoop, "":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Exporter)
	}
}

func newSampler(config TracingConfig) sdktrace.Sampler {
	var base sdktrace.Sampler
	switch {
	case config.SampleRate >= 1.0:
		base = sdktrace.AlwaysSample()
	case config.SampleRate < 0:
		base = sdktrace.NeverSample()
	default:
		base = sdktrace.TraceIDRatioBased(config.SampleRate)
	}
	base = sdktrace.ParentBased(base)

	if len(config.Silenced) == 0 {
		return base
	}
	silenced := make(map[string]struct{}, len(config.Silenced))
	for _, op := range config.Silenced {
		silenced[op] = struct{}{}
	}
	return &operationSampler{silenced: silenced, next: base}
}

// StartChannelSpan starts a span named "duplex.<operation>" tagged with the
// channel id. A nil provider returns the span already in ctx, so callers
// need no tracing checks.
func (tp *TracingProvider) StartChannelSpan(ctx context.Context, operation, channelID string, spanKind trace.SpanKind) (context.Context, trace.Span) {
	if tp == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tp.tracer.Start(ctx, "duplex."+operation,
		trace.WithSpanKind(spanKind),
		trace.WithAttributes(
			attribute.String(AttrOperation, operation),
			attribute.String(AttrChannelID, channelID),
			attribute.String("duplex.service", tp.serviceName),
		),
	)
}

// FailSpan marks span as failed with err. A nil err leaves it untouched.
func FailSpan(span trace.Span, err error) {
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes pending spans and stops the exporter. Later calls
// return nil.
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	if tp == nil {
		return nil
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.shutdown {
		return nil
	}
	tp.shutdown = true
	return tp.provider.Shutdown(ctx)
}

// operationSampler drops spans for silenced channel operations and defers
// everything else to next
type operationSampler struct {
	silenced map[string]struct{}
	next     sdktrace.Sampler
}

func (s *operationSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key != AttrOperation {
			continue
		}
		if _, ok := s.silenced[attr.Value.AsString()]; ok {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.Drop,
				Tracestate: trace.SpanContextFromContext(params.ParentContext).TraceState(),
			}
		}
		break
	}
	return s.next.ShouldSample(params)
}

func (s *operationSampler) Description() string {
	return fmt.Sprintf("OperationSampler{silenced=%d,next=%s}", len(s.silenced), s.next.Description())
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }

func (discardExporter) Shutdown(context.Context) error { return nil }
