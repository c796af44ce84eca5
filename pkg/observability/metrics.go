package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Metric options
	Namespace        string    // Prometheus namespace (default: streamrpc)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Custom histogram buckets for latency

	// Registry receives every collector; a private registry is created when nil
	Registry *prometheus.Registry

	// Labels to add to all metrics
	ConstLabels prometheus.Labels
}

// MetricsProvider records transport metrics
type MetricsProvider interface {
	// Server side
	RecordIncomingBatch(ctx context.Context, requests, notifications int, status string)
	RecordRequest(ctx context.Context, method, status string, duration time.Duration)
	RecordNotification(ctx context.Context, method, status string, duration time.Duration)
	RecordStreamOpened(ctx context.Context, kind string)
	RecordStreamClosed(ctx context.Context, kind, reason string)
	RecordEventAppended(ctx context.Context)
	RecordPublishDropped(ctx context.Context, reason string)
	RecordReplay(ctx context.Context, status string, events int, duration time.Duration)
	RecordPrune(ctx context.Context, removed int, status string)
	RecordActiveSessions(ctx context.Context, delta int)

	// Client side
	RecordReconnect(ctx context.Context, status string, duration time.Duration)
	RecordConnectionState(ctx context.Context, state string)
	RecordQueueDepth(ctx context.Context, depth int)
	RecordBreakerState(ctx context.Context, breaker, phase string)

	// Handler serves the metrics in the Prometheus exposition format
	Handler() http.Handler
}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus
type PrometheusMetricsProvider struct {
	config   MetricsConfig
	registry *prometheus.Registry

	batchTotal           *prometheus.CounterVec
	batchSize            *prometheus.HistogramVec
	requestDuration      *prometheus.HistogramVec
	requestTotal         *prometheus.CounterVec
	notificationDuration *prometheus.HistogramVec
	notificationTotal    *prometheus.CounterVec

	streamsOpen   *prometheus.GaugeVec
	streamsTotal  *prometheus.CounterVec
	streamsClosed *prometheus.CounterVec
	eventsTotal   prometheus.Counter
	droppedTotal  *prometheus.CounterVec

	replayDuration *prometheus.HistogramVec
	replayEvents   prometheus.Counter
	prunedTotal    *prometheus.CounterVec
	activeSessions prometheus.Gauge

	reconnectDuration *prometheus.HistogramVec
	reconnectTotal    *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
	queueDepth        prometheus.Gauge
	breakerState      *prometheus.GaugeVec
}

// connection states exported by RecordConnectionState
var connectionStates = []string{"disconnected", "connecting", "connected", "permanently_failed", "closed"}

// breaker phases exported by RecordBreakerState
var breakerPhases = []string{"closed", "open", "half_open"}

// NewMetricsProvider creates a new Prometheus metrics provider
func NewMetricsProvider(config MetricsConfig) (*PrometheusMetricsProvider, error) {
	// Set defaults
	if config.Namespace == "" {
		config.Namespace = "streamrpc"
	}
	if config.HistogramBuckets == nil {
		// Default buckets for milliseconds
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
		config.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
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
	if config.Environment != "" {
		labels["environment"] = config.Environment
	}
	config.ConstLabels = labels

	provider := &PrometheusMetricsProvider{
		config:   config,
		registry: config.Registry,
	}
	provider.initializeMetrics()

	if err := provider.registerMetrics(); err != nil {
		return nil, err
	}
	return provider, nil
}

func (p *PrometheusMetricsProvider) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.config.ConstLabels,
	}, labels)
}

func (p *PrometheusMetricsProvider) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.config.ConstLabels,
	}, labels)
}

func (p *PrometheusMetricsProvider) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: p.config.ConstLabels,
	}, labels)
}

// initializeMetrics creates all metric collectors
func (p *PrometheusMetricsProvider) initializeMetrics() {
	// Inbound traffic
	p.batchTotal = p.counterVec("batch_total", "Total number of inbound batches", "status")
	p.batchSize = p.histogramVec("batch_size", "Number of messages per inbound batch",
		[]float64{1, 2, 5, 10, 25, 50, 100, 250}, "kind")
	p.requestDuration = p.histogramVec("request_duration_milliseconds",
		"Duration of dispatched requests in milliseconds", p.config.HistogramBuckets, "method", "status")
	p.requestTotal = p.counterVec("request_total", "Total number of dispatched requests", "method", "status")
	p.notificationDuration = p.histogramVec("notification_duration_milliseconds",
		"Duration of dispatched notifications in milliseconds", p.config.HistogramBuckets, "method", "status")
	p.notificationTotal = p.counterVec("notification_total", "Total number of dispatched notifications", "method", "status")

	// Streams and events
	p.streamsOpen = p.gaugeVec("streams_open", "Number of open streams", "kind")
	p.streamsTotal = p.counterVec("streams_opened_total", "Total number of streams opened", "kind")
	p.streamsClosed = p.counterVec("streams_closed_total", "Total number of streams closed", "kind", "reason")
	p.eventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        "events_appended_total",
		Help:        "Total number of events appended to the event store",
		ConstLabels: p.config.ConstLabels,
	})
	p.droppedTotal = p.counterVec("publish_dropped_total", "Total number of messages that could not be published", "reason")

	// Resumption
	p.replayDuration = p.histogramVec("replay_duration_milliseconds",
		"Duration of event replays in milliseconds", p.config.HistogramBuckets, "status")
	p.replayEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        "replayed_events_total",
		Help:        "Total number of events delivered by replays",
		ConstLabels: p.config.ConstLabels,
	})
	p.prunedTotal = p.counterVec("pruned_events_total", "Total number of events removed by pruning", "status")
	p.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        "active_sessions",
		Help:        "Number of active sessions",
		ConstLabels: p.config.ConstLabels,
	})

	// Client connection
	p.reconnectDuration = p.histogramVec("reconnect_duration_milliseconds",
		"Duration of reconnect attempts in milliseconds", p.config.HistogramBuckets, "status")
	p.reconnectTotal = p.counterVec("reconnect_total", "Total number of reconnect attempts", "status")
	p.connectionState = p.gaugeVec("connection_state", "Current connection state (1=current)", "state")
	p.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        "outbound_queue_depth",
		Help:        "Number of outbound messages waiting for a connection",
		ConstLabels: p.config.ConstLabels,
	})
	p.breakerState = p.gaugeVec("circuit_breaker_state", "Current circuit breaker phase (1=current)", "breaker", "phase")
}

// registerMetrics registers all metrics with the registry
func (p *PrometheusMetricsProvider) registerMetrics() error {
	collectors := []prometheus.Collector{
		p.batchTotal,
		p.batchSize,
		p.requestDuration,
		p.requestTotal,
		p.notificationDuration,
		p.notificationTotal,
		p.streamsOpen,
		p.streamsTotal,
		p.streamsClosed,
		p.eventsTotal,
		p.droppedTotal,
		p.replayDuration,
		p.replayEvents,
		p.prunedTotal,
		p.activeSessions,
		p.reconnectDuration,
		p.reconnectTotal,
		p.connectionState,
		p.queueDepth,
		p.breakerState,
	}

	for _, collector := range collectors {
		if err := p.registry.Register(collector); err != nil {
			// Check if already registered
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Registry returns the registry the metrics are registered with
func (p *PrometheusMetricsProvider) Registry() *prometheus.Registry {
	return p.registry
}

// RecordIncomingBatch records an inbound batch
func (p *PrometheusMetricsProvider) RecordIncomingBatch(ctx context.Context, requests, notifications int, status string) {
	p.batchTotal.WithLabelValues(status).Inc()
	p.batchSize.WithLabelValues("request").Observe(float64(requests))
	p.batchSize.WithLabelValues("notification").Observe(float64(notifications))
}

// RecordRequest records a dispatched request
func (p *PrometheusMetricsProvider) RecordRequest(ctx context.Context, method, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.requestDuration.WithLabelValues(method, status).Observe(ms)
	p.requestTotal.WithLabelValues(method, status).Inc()
}

// RecordNotification records a dispatched notification
func (p *PrometheusMetricsProvider) RecordNotification(ctx context.Context, method, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.notificationDuration.WithLabelValues(method, status).Observe(ms)
	p.notificationTotal.WithLabelValues(method, status).Inc()
}

// RecordStreamOpened records a stream opening
func (p *PrometheusMetricsProvider) RecordStreamOpened(ctx context.Context, kind string) {
	p.streamsOpen.WithLabelValues(kind).Inc()
	p.streamsTotal.WithLabelValues(kind).Inc()
}

// RecordStreamClosed records a stream teardown
func (p *PrometheusMetricsProvider) RecordStreamClosed(ctx context.Context, kind, reason string) {
	p.streamsOpen.WithLabelValues(kind).Dec()
	p.streamsClosed.WithLabelValues(kind, reason).Inc()
}

// RecordEventAppended records an event store append
func (p *PrometheusMetricsProvider) RecordEventAppended(ctx context.Context) {
	p.eventsTotal.Inc()
}

// RecordPublishDropped records a message that could not be published
func (p *PrometheusMetricsProvider) RecordPublishDropped(ctx context.Context, reason string) {
	p.droppedTotal.WithLabelValues(reason).Inc()
}

// RecordReplay records a replay
func (p *PrometheusMetricsProvider) RecordReplay(ctx context.Context, status string, events int, duration time.Duration) {
	p.replayDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
	p.replayEvents.Add(float64(events))
}

// RecordPrune records a pruning pass
func (p *PrometheusMetricsProvider) RecordPrune(ctx context.Context, removed int, status string) {
	p.prunedTotal.WithLabelValues(status).Add(float64(removed))
}

// RecordActiveSessions records the change in active sessions
func (p *PrometheusMetricsProvider) RecordActiveSessions(ctx context.Context, delta int) {
	p.activeSessions.Add(float64(delta))
}

// RecordReconnect records a reconnect attempt
func (p *PrometheusMetricsProvider) RecordReconnect(ctx context.Context, status string, duration time.Duration) {
	p.reconnectDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
	p.reconnectTotal.WithLabelValues(status).Inc()
}

// RecordConnectionState records the current connection state
func (p *PrometheusMetricsProvider) RecordConnectionState(ctx context.Context, state string) {
	// Reset all states to 0
	for _, s := range connectionStates {
		p.connectionState.WithLabelValues(s).Set(0)
	}

	// Set current state to 1
	p.connectionState.WithLabelValues(state).Set(1)
}

// RecordQueueDepth records the outbound queue depth
func (p *PrometheusMetricsProvider) RecordQueueDepth(ctx context.Context, depth int) {
	p.queueDepth.Set(float64(depth))
}

// RecordBreakerState records the current phase of a circuit breaker
func (p *PrometheusMetricsProvider) RecordBreakerState(ctx context.Context, breaker, phase string) {
	for _, ph := range breakerPhases {
		p.breakerState.WithLabelValues(breaker, ph).Set(0)
	}
	p.breakerState.WithLabelValues(breaker, phase).Set(1)
}

// Handler serves the registry
func (p *PrometheusMetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// NoopMetricsProvider discards every measurement
type NoopMetricsProvider struct{}

// NewNoopMetricsProvider returns a MetricsProvider that records nothing
func NewNoopMetricsProvider() MetricsProvider { return NoopMetricsProvider{} }

func (NoopMetricsProvider) RecordIncomingBatch(context.Context, int, int, string)             {}
func (NoopMetricsProvider) RecordRequest(context.Context, string, string, time.Duration)      {}
func (NoopMetricsProvider) RecordNotification(context.Context, string, string, time.Duration) {}
func (NoopMetricsProvider) RecordStreamOpened(context.Context, string)                        {}
func (NoopMetricsProvider) RecordStreamClosed(context.Context, string, string)                {}
func (NoopMetricsProvider) RecordEventAppended(context.Context)                               {}
func (NoopMetricsProvider) RecordPublishDropped(context.Context, string)                      {}
func (NoopMetricsProvider) RecordReplay(context.Context, string, int, time.Duration)          {}
func (NoopMetricsProvider) RecordPrune(context.Context, int, string)                          {}
func (NoopMetricsProvider) RecordActiveSessions(context.Context, int)                         {}
func (NoopMetricsProvider) RecordReconnect(context.Context, string, time.Duration)            {}
func (NoopMetricsProvider) RecordConnectionState(context.Context, string)                     {}
func (NoopMetricsProvider) RecordQueueDepth(context.Context, int)                             {}
func (NoopMetricsProvider) RecordBreakerState(context.Context, string, string)                {}
func (NoopMetricsProvider) Handler() http.Handler                                             { return http.NotFoundHandler() }

var (
	_ MetricsProvider = (*PrometheusMetricsProvider)(nil)
	_ MetricsProvider = NoopMetricsProvider{}
)
