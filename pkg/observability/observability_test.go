package observability_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/duplex-sdk-go/pkg/logging"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/observability"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/protocol"
	"github.com/ajitpratap0/duplex-sdk-go/pkg/transport/inprocess"
)

func newTestMetrics(t *testing.T) (*observability.PrometheusMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := observability.NewPrometheusMetrics(observability.MetricsConfig{
		Registerer: reg,
		Gatherer:   reg,
	})
	require.NoError(t, err)
	return m, reg
}

func TestPrometheusMetricsRecordsChannelEvents(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.ConnectionRefused("orders")
	m.ConnectionRefused("orders")
	m.ConnectionOpened("orders", "input")
	m.ConnectionOpened("orders", "input")
	m.ConnectionClosed("orders", "input")

	expected := `
# HELP duplex_connections_refused_total Total number of vetoed connection requests
# TYPE duplex_connections_refused_total counter
duplex_connections_refused_total{channel="orders"} 2
# HELP duplex_active_connections Number of connected duplex channels or response receivers
# TYPE duplex_active_connections gauge
duplex_active_connections{channel="orders",side="input"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"duplex_connections_refused_total", "duplex_active_connections")
	assert.NoError(t, err)
}

func TestPrometheusMetricsReuseRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	config := observability.MetricsConfig{Registerer: reg, Gatherer: reg}

	first, err := observability.NewPrometheusMetrics(config)
	require.NoError(t, err)
	second, err := observability.NewPrometheusMetrics(config)
	require.NoError(t, err)

	first.SequenceCompleted()
	second.SequenceCompleted()

	count, err := testutil.GatherAndCount(reg, "duplex_sequences_completed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "duplex_sequences_completed_total" {
			assert.Equal(t, 2.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	m, _ := newTestMetrics(t)
	m.MessageDelivered("output")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `duplex_reliable_deliveries_total{outcome="delivered",side="output"} 1`)
}

type inbox struct {
	mu sync.Mutex
	n  int
}

func (b *inbox) handle(*protocol.ProtocolMessage, string) {
	b.mu.Lock()
	b.n++
	b.mu.Unlock()
}

func (b *inbox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func TestTransportMiddlewareCountsFrames(t *testing.T) {
	m, reg := newTestMetrics(t)

	tracer, err := observability.NewTracingProvider(observability.TracingConfig{
		Exporter: observability.ExporterNoop,
	})
	require.NoError(t, err)
	defer tracer.Shutdown(context.Background())

	mw := observability.NewTransportMiddleware("inprocess", m, tracer)
	assert.Same(t, tracer, mw.Tracer())

	network := inprocess.NewNetwork(inprocess.WithLogger(logging.NewNop()))
	factory := mw.Wrap(network)
	assert.Same(t, network.Formatter(), factory.Formatter())

	in, err := factory.CreateInputConnector("orders")
	require.NoError(t, err)
	service := &inbox{}
	require.NoError(t, in.StartListening(service.handle))
	defer in.StopListening()

	out, err := factory.CreateOutputConnector("orders", "client-1")
	require.NoError(t, err)

	err = out.SendRequestMessage([]byte("too early"))
	require.Error(t, err)

	require.NoError(t, out.OpenConnection((&inbox{}).handle))
	request, err := factory.Formatter().EncodeMessage("client-1", []byte("ping"))
	require.NoError(t, err)
	require.NoError(t, out.SendRequestMessage(request))

	require.Eventually(t, func() bool { return service.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	expected := `
# HELP duplex_transport_frames_total Total number of transport frames
# TYPE duplex_transport_frames_total counter
duplex_transport_frames_total{direction="in",transport="inprocess"} 2
duplex_transport_frames_total{direction="out",transport="inprocess"} 1
# HELP duplex_transport_errors_total Total number of transport errors
# TYPE duplex_transport_errors_total counter
duplex_transport_errors_total{operation="send_request",transport="inprocess"} 1
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"duplex_transport_frames_total", "duplex_transport_errors_total")
	assert.NoError(t, err)
}

func TestNilTracerStartsNoSpan(t *testing.T) {
	var tracer *observability.TracingProvider

	ctx, span := tracer.StartChannelSpan(context.Background(), "open_connection", "orders", trace.SpanKindClient)
	assert.NotNil(t, ctx)
	assert.False(t, span.IsRecording())
	span.End()
}

func TestNoopTracingRecordsSpans(t *testing.T) {
	tracer, err := observability.NewTracingProvider(observability.TracingConfig{
		Exporter:    observability.ExporterNoop,
		ServiceName: "duplex-test",
	})
	require.NoError(t, err)
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartChannelSpan(context.Background(), "send_message", "orders", trace.SpanKindProducer)
	defer span.End()

	assert.True(t, span.IsRecording())
	assert.True(t, trace.SpanContextFromContext(ctx).IsValid())
}

func TestSilencedOperationsAreNotSampled(t *testing.T) {
	tracer, err := observability.NewTracingProvider(observability.TracingConfig{
		Exporter: observability.ExporterNoop,
		Silenced: []string{"dispatch_message"},
	})
	require.NoError(t, err)
	defer tracer.Shutdown(context.Background())

	_, silenced := tracer.StartChannelSpan(context.Background(), "dispatch_message", "orders", trace.SpanKindConsumer)
	defer silenced.End()
	assert.False(t, silenced.IsRecording())

	_, kept := tracer.StartChannelSpan(context.Background(), "send_message", "orders", trace.SpanKindProducer)
	defer kept.End()
	assert.True(t, kept.IsRecording())
}

func TestNegativeSampleRateDropsEverything(t *testing.T) {
	tracer, err := observability.NewTracingProvider(observability.TracingConfig{
		Exporter:   observability.ExporterNoop,
		SampleRate: -1,
	})
	require.NoError(t, err)
	defer tracer.Shutdown(context.Background())

	_, span := tracer.StartChannelSpan(context.Background(), "send_message", "orders", trace.SpanKindProducer)
	defer span.End()
	assert.False(t, span.IsRecording())
}

func TestFailSpan(t *testing.T) {
	tracer, err := observability.NewTracingProvider(observability.TracingConfig{Exporter: observability.ExporterNoop})
	require.NoError(t, err)
	defer tracer.Shutdown(context.Background())

	_, span := tracer.StartChannelSpan(context.Background(), "send_message", "orders", trace.SpanKindProducer)
	observability.FailSpan(span, nil)
	observability.FailSpan(span, errors.New("connection reset"))
	span.End()

	var none *observability.TracingProvider
	_, noop := none.StartChannelSpan(context.Background(), "send_message", "orders", trace.SpanKindProducer)
	observability.FailSpan(noop, errors.New("ignored"))
}

func TestParseExporterType(t *testing.T) {
	for in, want := range map[string]observability.ExporterType{
		"":          observability.ExporterNoop,
		"noop":      observability.ExporterNoop,
		"otlp-grpc": observability.ExporterOTLPGRPC,
		"otlp-http": observability.ExporterOTLPHTTP,
	} {
		got, err := observability.ParseExporterType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := observability.ParseExporterType("zipkin")
	assert.Error(t, err)

	_, err = observability.NewTracingProvider(observability.TracingConfig{Exporter: "zipkin"})
	assert.Error(t, err)
}

func TestTracingShutdownIsIdempotent(t *testing.T) {
	tracer, err := observability.NewTracingProvider(observability.TracingConfig{
		Exporter: observability.ExporterOTLPHTTP,
		Endpoint: "127.0.0.1:1",
		Insecure: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tracer.Shutdown(ctx))
	assert.NoError(t, tracer.Shutdown(ctx))

	var none *observability.TracingProvider
	assert.NoError(t, none.Shutdown(ctx))
}
