// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for the streaming transport.
//
// Both halves have a no-op form so components can take them unconditionally:
//
//	metrics, _ := observability.NewMetricsProvider(observability.MetricsConfig{ServiceName: "streamrpc"})
//	tracer := observability.NewNoopTracingProvider()
//	handler := observability.HTTPMiddleware(tracer, metrics)(mux)
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/ajitpratap0/streamrpc-go"

// Span attribute keys
const (
	AttrMethod      = "rpc.method"
	AttrStreamID    = "stream.id"
	AttrSessionID   = "session.id"
	AttrEventID     = "event.id"
	AttrReplayCount = "stream.replayed"
)

// ExporterType selects where spans go
type ExporterType string

const (
	ExporterTypeOTLPGRPC ExporterType = "otlp-grpc"
	ExporterTypeOTLPHTTP ExporterType = "otlp-http"
	// ExporterTypeNoop records spans without exporting them
	ExporterTypeNoop ExporterType = "noop"
)

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string

	ExporterType ExporterType
	Endpoint     string
	Headers      map[string]string
	Insecure     bool

	// SampleRate applies to root spans; child spans follow their parent.
	// Zero means sample everything.
	SampleRate float64
}

// TracingProvider starts spans for streams, methods and HTTP exchanges and
// propagates W3C trace context across the wire.
type TracingProvider struct {
	serviceName string
	tracer      trace.Tracer
	propagator  propagation.TextMapPropagator
	shutdown    func(context.Context) error
}

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// NewTracingProvider builds an SDK tracer provider and installs it, with the
// W3C propagator, as the global default.
func NewTracingProvider(config TracingConfig) (*TracingProvider, error) {
	if config.ServiceName == "" {
		config.ServiceName = "streamrpc"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		)),
		sdktrace.WithSampler(sampler(config.SampleRate)),
	}

	switch config.ExporterType {
	case ExporterTypeNoop:
	case ExporterTypeOTLPGRPC, ExporterTypeOTLPHTTP:
		exporter, err := otlptrace.New(context.Background(), otlpClient(config))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s exporter: %w", config.ExporterType, err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	default:
		return nil, fmt.Errorf("unsupported exporter type: %q", config.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	return &TracingProvider{
		serviceName: config.ServiceName,
		tracer:      tp.Tracer(instrumentationName),
		propagator:  propagator,
		shutdown:    tp.Shutdown,
	}, nil
}

// NewNoopTracingProvider returns a provider whose spans are never recorded
func NewNoopTracingProvider() *TracingProvider {
	return &TracingProvider{
		serviceName: "streamrpc",
		tracer:      noop.NewTracerProvider().Tracer(instrumentationName),
		propagator:  propagator,
	}
}

func otlpClient(config TracingConfig) otlptrace.Client {
	if config.ExporterType == ExporterTypeOTLPGRPC {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.Endpoint),
			otlptracegrpc.WithHeaders(config.Headers),
		}
		if config.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.NewClient(opts...)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.Endpoint),
		otlptracehttp.WithHeaders(config.Headers),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.NewClient(opts...)
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0 || rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// StartSpan starts a span with the given name
func (tp *TracingProvider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, name, opts...)
}

// StartMethodSpan starts a span for a JSON-RPC method
func (tp *TracingProvider) StartMethodSpan(ctx context.Context, method string, spanKind trace.SpanKind) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, "rpc."+method,
		trace.WithSpanKind(spanKind),
		trace.WithAttributes(
			attribute.String(AttrMethod, method),
			attribute.String("rpc.service", tp.serviceName),
			attribute.String("rpc.system", "jsonrpc"),
		),
	)
}

// StartStreamSpan starts an internal span for a stream operation. An empty
// streamID is left off and can be added later with SetStream.
func (tp *TracingProvider) StartStreamSpan(ctx context.Context, operation, streamID string) (context.Context, trace.Span) {
	var attrs []attribute.KeyValue
	if streamID != "" {
		attrs = append(attrs, attribute.String(AttrStreamID, streamID))
	}
	return tp.tracer.Start(ctx, "stream."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// SetStream tags the current span with the stream and session it concerns
func (tp *TracingProvider) SetStream(ctx context.Context, streamID, sessionID string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(attribute.String(AttrStreamID, streamID))
	if sessionID != "" {
		span.SetAttributes(attribute.String(AttrSessionID, sessionID))
	}
}

// EventWritten marks the current span with the id of an appended event
func (tp *TracingProvider) EventWritten(ctx context.Context, eventID string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("event.appended", trace.WithAttributes(attribute.String(AttrEventID, eventID)))
	}
}

// Replayed records on the current span that count events after lastEventID
// were replayed.
func (tp *TracingProvider) Replayed(ctx context.Context, lastEventID string, count int) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent("stream.replayed", trace.WithAttributes(
			attribute.String(AttrEventID, lastEventID),
			attribute.Int(AttrReplayCount, count),
		))
	}
}

// RecordError records err on the current span and marks it failed
func (tp *TracingProvider) RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// Extract reads trace context from a carrier
func (tp *TracingProvider) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return tp.propagator.Extract(ctx, carrier)
}

// Inject writes trace context into a carrier
func (tp *TracingProvider) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	tp.propagator.Inject(ctx, carrier)
}

// Shutdown flushes pending spans
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	if tp.shutdown != nil {
		return tp.shutdown(ctx)
	}
	return nil
}
