package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestMetricsProviderExposition(t *testing.T) {
	metrics, err := NewMetricsProvider(MetricsConfig{ServiceName: "test", Registry: prometheus.NewRegistry()})
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordIncomingBatch(ctx, 1, 1, "stream")
	metrics.RecordRequest(ctx, "ping", "ok", 3*time.Millisecond)
	metrics.RecordStreamOpened(ctx, "request")
	metrics.RecordEventAppended(ctx)
	metrics.RecordStreamClosed(ctx, "request", "completed")
	metrics.RecordReplay(ctx, "ok", 4, time.Millisecond)
	metrics.RecordConnectionState(ctx, "connected")
	metrics.RecordBreakerState(ctx, "reconnect", "open")
	metrics.RecordQueueDepth(ctx, 2)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `streamrpc_request_total{method="ping",service="test",status="ok"} 1`)
	assert.Contains(t, body, `streamrpc_events_appended_total{service="test"} 1`)
	assert.Contains(t, body, `streamrpc_streams_open{kind="request",service="test"} 0`)
	assert.Contains(t, body, `streamrpc_replayed_events_total{service="test"} 4`)
	assert.Contains(t, body, `streamrpc_connection_state{service="test",state="connected"} 1`)
	assert.Contains(t, body, `streamrpc_connection_state{service="test",state="connecting"} 0`)
	assert.Contains(t, body, `streamrpc_circuit_breaker_state{breaker="reconnect",phase="open",service="test"} 1`)
	assert.Contains(t, body, `streamrpc_outbound_queue_depth{service="test"} 2`)
}

func TestMetricsProviderSharedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewMetricsProvider(MetricsConfig{Registry: registry})
	require.NoError(t, err)
	_, err = NewMetricsProvider(MetricsConfig{Registry: registry})
	assert.NoError(t, err, "registering the same collectors twice is tolerated")
}

func TestNoopTracingProvider(t *testing.T) {
	tp := NewNoopTracingProvider()
	ctx, span := tp.StartMethodSpan(context.Background(), "ping", trace.SpanKindServer)
	defer span.End()

	assert.False(t, span.IsRecording())
	tp.RecordError(ctx, io.EOF)
	require.NoError(t, tp.Shutdown(ctx))
}

func TestTracingProviderNoopExporter(t *testing.T) {
	tp, err := NewTracingProvider(TracingConfig{ExporterType: ExporterTypeNoop})
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	ctx, span := tp.StartStreamSpan(context.Background(), "publish", "abc")
	assert.True(t, span.SpanContext().IsValid())

	header := http.Header{}
	tp.InjectHeaders(ctx, header)
	assert.NotEmpty(t, header.Get("traceparent"))
	span.End()
}

func TestTracingProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracingProvider(TracingConfig{ExporterType: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestHTTPMiddlewarePropagatesTraceContext(t *testing.T) {
	tp, err := NewTracingProvider(TracingConfig{ExporterType: ExporterTypeNoop})
	require.NoError(t, err)
	defer tp.Shutdown(context.Background())

	var seen trace.SpanContext
	handler := HTTPMiddleware(tp, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = trace.SpanContextFromContext(r.Context())
		_, ok := w.(http.Flusher)
		assert.True(t, ok, "flusher must survive wrapping")
		w.WriteHeader(http.StatusAccepted)
	}))

	parentCtx, parent := tp.StartSpan(context.Background(), "client")
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader("{}"))
	tp.Inject(parentCtx, propagation.HeaderCarrier(req.Header))
	parent.End()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, parent.SpanContext().TraceID(), seen.TraceID())
}

func TestStreamSpanAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	sdk := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tp := &TracingProvider{serviceName: "test", tracer: sdk.Tracer("test"), propagator: propagator}

	ctx, span := tp.StartStreamSpan(context.Background(), "accept", "")
	tp.SetStream(ctx, "abc", "sess-1")
	tp.EventWritten(ctx, "abc:1")
	tp.Replayed(ctx, "abc:0", 1)
	tp.RecordError(ctx, io.EOF)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	got := ended[0]
	assert.Equal(t, "stream.accept", got.Name())
	assert.Contains(t, got.Attributes(), attribute.String(AttrStreamID, "abc"))
	assert.Contains(t, got.Attributes(), attribute.String(AttrSessionID, "sess-1"))

	var names []string
	for _, ev := range got.Events() {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"event.appended", "stream.replayed", "exception"}, names)
	assert.Contains(t, got.Events()[0].Attributes, attribute.String(AttrEventID, "abc:1"))
	assert.Contains(t, got.Events()[1].Attributes, attribute.Int(AttrReplayCount, 1))
}

func TestSamplerFollowsParent(t *testing.T) {
	for _, rate := range []float64{0, 0.5, 1} {
		assert.Contains(t, sampler(rate).Description(), "ParentBased", "rate %v", rate)
	}
}
