package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport"
)

// ObservabilityConfig configures the connector instrumentation middleware
type ObservabilityConfig struct {
	// Transport labels metrics and spans, e.g. "tcp"
	Transport string

	// Tracing configuration
	EnableTracing bool
	TracingConfig TracingConfig

	// Metrics configuration
	EnableMetrics bool
	MetricsConfig MetricsConfig
}

// ObservabilityMiddleware records frame counts, transport errors and spans
// for every connector created by the wrapped factory.
type ObservabilityMiddleware struct {
	transport string
	metrics   TransportMetrics
	tracer    *TracingProvider
}

// NewObservabilityMiddleware creates the middleware and the providers it records to
func NewObservabilityMiddleware(config ObservabilityConfig) (*ObservabilityMiddleware, error) {
	var tracer *TracingProvider
	var metrics TransportMetrics = NopMetrics{}

	if config.EnableTracing {
		t, err := NewTracingProvider(config.TracingConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracing provider: %w", err)
		}
		tracer = t
	}

	if config.EnableMetrics {
		m, err := NewPrometheusMetrics(config.MetricsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics provider: %w", err)
		}
		metrics = m
	}

	return NewTransportMiddleware(config.Transport, metrics, tracer), nil
}

// NewTransportMiddleware instruments connectors with existing providers. A
// nil metrics records nothing; a nil tracer starts no spans.
func NewTransportMiddleware(transportName string, metrics TransportMetrics, tracer *TracingProvider) *ObservabilityMiddleware {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if transportName == "" {
		transportName = "unknown"
	}
	return &ObservabilityMiddleware{
		transport: transportName,
		metrics:   metrics,
		tracer:    tracer,
	}
}

// Metrics returns the metrics the middleware records to
func (m *ObservabilityMiddleware) Metrics() TransportMetrics {
	return m.metrics
}

// Tracer returns the tracing provider, nil when tracing is disabled
func (m *ObservabilityMiddleware) Tracer() *TracingProvider {
	return m.tracer
}

// Wrap implements transport.Middleware
func (m *ObservabilityMiddleware) Wrap(next transport.Factory) transport.Factory {
	return &transport.WrappedFactory{
		Next: next,
		WrapInput: func(address string, c transport.InputConnector) transport.InputConnector {
			return &observedInput{middleware: m, address: address, next: c}
		},
		WrapOutput: func(address, responseReceiverID string, c transport.OutputConnector) transport.OutputConnector {
			return &observedOutput{middleware: m, address: address, responseReceiverID: responseReceiverID, next: c}
		},
	}
}

// span runs fn inside a span named after operation and records its error
func (m *ObservabilityMiddleware) span(operation, address, responseReceiverID string, kind trace.SpanKind, size int, fn func() error) error {
	_, span := m.tracer.StartChannelSpan(context.Background(), operation, address, kind)
	defer span.End()

	if span.IsRecording() {
		span.SetAttributes(attribute.String("duplex.transport", m.transport))
		if responseReceiverID != "" {
			span.SetAttributes(attribute.String(AttrResponseReceiverID, responseReceiverID))
		}
		if size >= 0 {
			span.SetAttributes(attribute.Int(AttrPayloadSize, size))
		}
	}

	err := fn()
	if err != nil {
		m.metrics.TransportError(m.transport, operation)
		FailSpan(span, err)
	}
	return err
}

func (m *ObservabilityMiddleware) observeHandler(handler transport.MessageHandler) transport.MessageHandler {
	return func(msg *protocol.ProtocolMessage, senderAddress string) {
		m.metrics.FrameReceived(m.transport, len(msg.Message))
		handler(msg, senderAddress)
	}
}

type observedInput struct {
	middleware *ObservabilityMiddleware
	address    string
	next       transport.InputConnector
}

func (c *observedInput) StartListening(handler transport.MessageHandler) error {
	if handler == nil {
		return c.next.StartListening(nil)
	}
	return c.middleware.span("start_listening", c.address, "", trace.SpanKindServer, -1, func() error {
		return c.next.StartListening(c.middleware.observeHandler(handler))
	})
}

func (c *observedInput) StopListening() {
	c.next.StopListening()
}

func (c *observedInput) IsListening() bool {
	return c.next.IsListening()
}

func (c *observedInput) SendResponseMessage(responseReceiverID string, encoded []byte) error {
	err := c.middleware.span("send_response", c.address, responseReceiverID, trace.SpanKindProducer, len(encoded), func() error {
		return c.next.SendResponseMessage(responseReceiverID, encoded)
	})
	if err == nil {
		c.middleware.metrics.FrameSent(c.middleware.transport, len(encoded))
	}
	return err
}

func (c *observedInput) CloseConnection(responseReceiverID string) error {
	return c.next.CloseConnection(responseReceiverID)
}

type observedOutput struct {
	middleware         *ObservabilityMiddleware
	address            string
	responseReceiverID string
	next               transport.OutputConnector
}

func (c *observedOutput) OpenConnection(handler transport.MessageHandler) error {
	if handler == nil {
		return c.next.OpenConnection(nil)
	}
	return c.middleware.span("open_connection", c.address, c.responseReceiverID, trace.SpanKindClient, -1, func() error {
		return c.next.OpenConnection(c.middleware.observeHandler(handler))
	})
}

func (c *observedOutput) CloseConnection() {
	c.next.CloseConnection()
}

func (c *observedOutput) IsConnected() bool {
	return c.next.IsConnected()
}

func (c *observedOutput) SendRequestMessage(encoded []byte) error {
	err := c.middleware.span("send_request", c.address, c.responseReceiverID, trace.SpanKindProducer, len(encoded), func() error {
		return c.next.SendRequestMessage(encoded)
	})
	if err == nil {
		c.middleware.metrics.FrameSent(c.middleware.transport, len(encoded))
	}
	return err
}
