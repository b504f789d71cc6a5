package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string

	// Prometheus configuration
	MetricsPath string // HTTP path for metrics endpoint (default: /metrics)
	MetricsAddr string // Listen address for the metrics server (default: :9090)

	// Registerer receives the collectors (default: prometheus.DefaultRegisterer)
	Registerer prometheus.Registerer
	// Gatherer serves the metrics endpoint (default: prometheus.DefaultGatherer)
	Gatherer prometheus.Gatherer

	// Metric options
	Namespace        string    // Prometheus namespace (default: duplex)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Custom histogram buckets for latency

	// Labels to add to all metrics
	ConstLabels prometheus.Labels
}

// PoolMetrics is reported by thread pools
type PoolMetrics interface {
	WorkerStarted(pool string)
	WorkerStopped(pool string)
	TaskQueued(pool string)
	TaskCompleted(pool string, duration time.Duration)
	TaskPanicked(pool string)
}

// ChannelMetrics is reported by duplex channels
type ChannelMetrics interface {
	ConnectionOpened(channelID, side string)
	ConnectionClosed(channelID, side string)
	ConnectionRefused(channelID string)
	MessageSent(channelID, side string)
	MessageReceived(channelID, side string)
	MessageDropped(channelID, reason string)
	OpenDuration(channelID, status string, duration time.Duration)
}

// TransportMetrics is reported by instrumented connectors
type TransportMetrics interface {
	FrameSent(transport string, bytes int)
	FrameReceived(transport string, bytes int)
	TransportError(transport, operation string)
}

// FragmentMetrics is reported by fragment processors
type FragmentMetrics interface {
	FragmentsBuffered(delta int)
	FragmentDropped(reason string)
	SequenceCompleted()
}

// ReliableMetrics is reported by reliable channels
type ReliableMetrics interface {
	MessageDelivered(side string)
	MessageNotDelivered(side string)
	PendingAcks(delta int)
}

// Metrics groups every metric family of the SDK
type Metrics interface {
	PoolMetrics
	ChannelMetrics
	TransportMetrics
	FragmentMetrics
	ReliableMetrics
}

// PrometheusMetrics implements Metrics using Prometheus
type PrometheusMetrics struct {
	config MetricsConfig
	server *http.Server

	// Pool metrics
	poolWorkers      *prometheus.GaugeVec
	poolTasksQueued  *prometheus.CounterVec
	poolTaskDuration *prometheus.HistogramVec
	poolTaskPanics   *prometheus.CounterVec

	// Channel metrics
	activeConnections  *prometheus.GaugeVec
	connectionsTotal   *prometheus.CounterVec
	connectionsRefused *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
	messagesDropped    *prometheus.CounterVec
	openDuration       *prometheus.HistogramVec

	// Transport metrics
	framesTotal     *prometheus.CounterVec
	frameBytes      *prometheus.CounterVec
	transportErrors *prometheus.CounterVec

	// Fragment metrics
	fragmentsBuffered  prometheus.Gauge
	fragmentsDropped   *prometheus.CounterVec
	sequencesCompleted prometheus.Counter

	// Reliable delivery metrics
	deliveries  *prometheus.CounterVec
	pendingAcks prometheus.Gauge
}

// NewPrometheusMetrics creates and registers the SDK collectors
func NewPrometheusMetrics(config MetricsConfig) (*PrometheusMetrics, error) {
	// Set defaults
	if config.Namespace == "" {
		config.Namespace = "duplex"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsAddr == "" {
		config.MetricsAddr = ":9090"
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if config.HistogramBuckets == nil {
		// Default buckets for milliseconds
		config.HistogramBuckets = []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}
	}

	// Add service labels to const labels
	labels := prometheus.Labels{}
	for k, v := range config.ConstLabels {
		labels[k] = v
	}
	if config.ServiceName != "" {
		labels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		labels["version"] = config.ServiceVersion
	}
	config.ConstLabels = labels

	m := &PrometheusMetrics{config: config}

	m.initializeMetrics()

	if err := m.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return m, nil
}

func (m *PrometheusMetrics) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.config.ConstLabels,
	}, labels)
}

func (m *PrometheusMetrics) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.config.ConstLabels,
	}, labels)
}

func (m *PrometheusMetrics) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        name,
		Help:        help,
		Buckets:     m.config.HistogramBuckets,
		ConstLabels: m.config.ConstLabels,
	}, labels)
}

// initializeMetrics creates all metric collectors
func (m *PrometheusMetrics) initializeMetrics() {
	m.poolWorkers = m.gaugeVec("pool_workers", "Number of live thread pool workers", "pool")
	m.poolTasksQueued = m.counterVec("pool_tasks_queued_total", "Total number of tasks submitted to a thread pool", "pool")
	m.poolTaskDuration = m.histogramVec("pool_task_duration_milliseconds", "Duration of thread pool tasks in milliseconds", "pool")
	m.poolTaskPanics = m.counterVec("pool_task_panics_total", "Total number of recovered task panics", "pool")

	m.activeConnections = m.gaugeVec("active_connections", "Number of connected duplex channels or response receivers", "channel", "side")
	m.connectionsTotal = m.counterVec("connections_total", "Total number of accepted duplex connections", "channel", "side")
	m.connectionsRefused = m.counterVec("connections_refused_total", "Total number of vetoed connection requests", "channel")
	m.messagesTotal = m.counterVec("messages_total", "Total number of duplex messages", "channel", "side", "direction")
	m.messagesDropped = m.counterVec("messages_dropped_total", "Total number of dropped inbound messages", "channel", "reason")
	m.openDuration = m.histogramVec("open_connection_duration_milliseconds", "Duration of OpenConnection handshakes in milliseconds", "channel", "status")

	m.framesTotal = m.counterVec("transport_frames_total", "Total number of transport frames", "transport", "direction")
	m.frameBytes = m.counterVec("transport_bytes_total", "Total number of transport payload bytes", "transport", "direction")
	m.transportErrors = m.counterVec("transport_errors_total", "Total number of transport errors", "transport", "operation")

	m.fragmentsBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        "fragments_buffered",
		Help:        "Number of out-of-order fragments waiting for release",
		ConstLabels: m.config.ConstLabels,
	})
	m.fragmentsDropped = m.counterVec("fragments_dropped_total", "Total number of dropped fragments", "reason")
	m.sequencesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        "sequences_completed_total",
		Help:        "Total number of fully released fragment sequences",
		ConstLabels: m.config.ConstLabels,
	})

	m.deliveries = m.counterVec("reliable_deliveries_total", "Total number of reliable delivery outcomes", "side", "outcome")
	m.pendingAcks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.config.Namespace,
		Subsystem:   m.config.Subsystem,
		Name:        "reliable_pending_acks",
		Help:        "Number of reliable messages waiting for an acknowledgement",
		ConstLabels: m.config.ConstLabels,
	})
}

// registerMetrics registers all collectors, reusing ones already registered
// by another provider on the same registry.
func (m *PrometheusMetrics) registerMetrics() error {
	register := func(c prometheus.Collector) (prometheus.Collector, error) {
		if err := m.config.Registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return are.ExistingCollector, nil
			}
			return nil, err
		}
		return c, nil
	}

	var err error
	reg := func(dst interface{}) {
		if err != nil {
			return
		}
		var c prometheus.Collector
		switch v := dst.(type) {
		case **prometheus.CounterVec:
			if c, err = register(*v); err == nil {
				*v = c.(*prometheus.CounterVec)
			}
		case **prometheus.GaugeVec:
			if c, err = register(*v); err == nil {
				*v = c.(*prometheus.GaugeVec)
			}
		case **prometheus.HistogramVec:
			if c, err = register(*v); err == nil {
				*v = c.(*prometheus.HistogramVec)
			}
		case *prometheus.Gauge:
			if c, err = register(*v); err == nil {
				*v = c.(prometheus.Gauge)
			}
		case *prometheus.Counter:
			if c, err = register(*v); err == nil {
				*v = c.(prometheus.Counter)
			}
		}
	}

	reg(&m.poolWorkers)
	reg(&m.poolTasksQueued)
	reg(&m.poolTaskDuration)
	reg(&m.poolTaskPanics)
	reg(&m.activeConnections)
	reg(&m.connectionsTotal)
	reg(&m.connectionsRefused)
	reg(&m.messagesTotal)
	reg(&m.messagesDropped)
	reg(&m.openDuration)
	reg(&m.framesTotal)
	reg(&m.frameBytes)
	reg(&m.transportErrors)
	reg(&m.fragmentsBuffered)
	reg(&m.fragmentsDropped)
	reg(&m.sequencesCompleted)
	reg(&m.deliveries)
	reg(&m.pendingAcks)

	return err
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// WorkerStarted records a new pool worker
func (m *PrometheusMetrics) WorkerStarted(pool string) {
	m.poolWorkers.WithLabelValues(pool).Inc()
}

// WorkerStopped records an exited pool worker
func (m *PrometheusMetrics) WorkerStopped(pool string) {
	m.poolWorkers.WithLabelValues(pool).Dec()
}

// TaskQueued records a submitted task
func (m *PrometheusMetrics) TaskQueued(pool string) {
	m.poolTasksQueued.WithLabelValues(pool).Inc()
}

// TaskCompleted records a finished task
func (m *PrometheusMetrics) TaskCompleted(pool string, duration time.Duration) {
	m.poolTaskDuration.WithLabelValues(pool).Observe(ms(duration))
}

// TaskPanicked records a recovered task panic
func (m *PrometheusMetrics) TaskPanicked(pool string) {
	m.poolTaskPanics.WithLabelValues(pool).Inc()
}

// ConnectionOpened records an accepted connection
func (m *PrometheusMetrics) ConnectionOpened(channelID, side string) {
	m.activeConnections.WithLabelValues(channelID, side).Inc()
	m.connectionsTotal.WithLabelValues(channelID, side).Inc()
}

// ConnectionClosed records a closed connection
func (m *PrometheusMetrics) ConnectionClosed(channelID, side string) {
	m.activeConnections.WithLabelValues(channelID, side).Dec()
}

// ConnectionRefused records a vetoed connection request
func (m *PrometheusMetrics) ConnectionRefused(channelID string) {
	m.connectionsRefused.WithLabelValues(channelID).Inc()
}

// MessageSent records an outbound message
func (m *PrometheusMetrics) MessageSent(channelID, side string) {
	m.messagesTotal.WithLabelValues(channelID, side, "sent").Inc()
}

// MessageReceived records an inbound message
func (m *PrometheusMetrics) MessageReceived(channelID, side string) {
	m.messagesTotal.WithLabelValues(channelID, side, "received").Inc()
}

// MessageDropped records an inbound message that was not delivered
func (m *PrometheusMetrics) MessageDropped(channelID, reason string) {
	m.messagesDropped.WithLabelValues(channelID, reason).Inc()
}

// OpenDuration records an OpenConnection handshake
func (m *PrometheusMetrics) OpenDuration(channelID, status string, duration time.Duration) {
	m.openDuration.WithLabelValues(channelID, status).Observe(ms(duration))
}

// FrameSent records an outbound transport frame
func (m *PrometheusMetrics) FrameSent(transport string, bytes int) {
	m.framesTotal.WithLabelValues(transport, "out").Inc()
	m.frameBytes.WithLabelValues(transport, "out").Add(float64(bytes))
}

// FrameReceived records an inbound transport frame
func (m *PrometheusMetrics) FrameReceived(transport string, bytes int) {
	m.framesTotal.WithLabelValues(transport, "in").Inc()
	m.frameBytes.WithLabelValues(transport, "in").Add(float64(bytes))
}

// TransportError records a failed transport operation
func (m *PrometheusMetrics) TransportError(transport, operation string) {
	m.transportErrors.WithLabelValues(transport, operation).Inc()
}

// FragmentsBuffered records a change in buffered fragments
func (m *PrometheusMetrics) FragmentsBuffered(delta int) {
	m.fragmentsBuffered.Add(float64(delta))
}

// FragmentDropped records a dropped fragment
func (m *PrometheusMetrics) FragmentDropped(reason string) {
	m.fragmentsDropped.WithLabelValues(reason).Inc()
}

// SequenceCompleted records a fully released sequence
func (m *PrometheusMetrics) SequenceCompleted() {
	m.sequencesCompleted.Inc()
}

// MessageDelivered records an acknowledged reliable message
func (m *PrometheusMetrics) MessageDelivered(side string) {
	m.deliveries.WithLabelValues(side, "delivered").Inc()
}

// MessageNotDelivered records a reliable message whose ack deadline expired
func (m *PrometheusMetrics) MessageNotDelivered(side string) {
	m.deliveries.WithLabelValues(side, "not_delivered").Inc()
}

// PendingAcks records a change in outstanding acknowledgements
func (m *PrometheusMetrics) PendingAcks(delta int) {
	m.pendingAcks.Add(float64(delta))
}

// Handler returns the HTTP handler exposing the configured gatherer
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.config.Gatherer, promhttp.HandlerOpts{})
}

// Start starts the metrics HTTP server
func (m *PrometheusMetrics) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(m.config.MetricsPath, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = m.server.ListenAndServe()
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (m *PrometheusMetrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// NopMetrics discards every observation
type NopMetrics struct{}

var _ Metrics = NopMetrics{}
var _ Metrics = (*PrometheusMetrics)(nil)

func (NopMetrics) WorkerStarted(string)                       {}
func (NopMetrics) WorkerStopped(string)                       {}
func (NopMetrics) TaskQueued(string)                          {}
func (NopMetrics) TaskCompleted(string, time.Duration)        {}
func (NopMetrics) TaskPanicked(string)                        {}
func (NopMetrics) ConnectionOpened(string, string)            {}
func (NopMetrics) ConnectionClosed(string, string)            {}
func (NopMetrics) ConnectionRefused(string)                   {}
func (NopMetrics) MessageSent(string, string)                 {}
func (NopMetrics) MessageReceived(string, string)             {}
func (NopMetrics) MessageDropped(string, string)              {}
func (NopMetrics) OpenDuration(string, string, time.Duration) {}
func (NopMetrics) FrameSent(string, int)                      {}
func (NopMetrics) FrameReceived(string, int)                  {}
func (NopMetrics) TransportError(string, string)              {}
func (NopMetrics) FragmentsBuffered(int)                      {}
func (NopMetrics) FragmentDropped(string)                     {}
func (NopMetrics) SequenceCompleted()                         {}
func (NopMetrics) MessageDelivered(string)                    {}
func (NopMetrics) MessageNotDelivered(string)                 {}
func (NopMetrics) PendingAcks(int)                            {}
