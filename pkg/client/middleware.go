package client

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
	"github.com/ajitpratap0/streamrpc-go/pkg/observability"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
)

// DialerMiddleware decorates a Dialer, and usually the connections it returns
type DialerMiddleware func(Dialer) Dialer

// ChainDialer applies middleware to d. The first middleware is the outermost.
func ChainDialer(d Dialer, middleware ...DialerMiddleware) Dialer {
	for i := len(middleware) - 1; i >= 0; i-- {
		d = middleware[i](d)
	}
	return d
}

// connectionWrapper delegates every method to the wrapped connection
type connectionWrapper struct {
	next Connection
}

func (c *connectionWrapper) Send(ctx context.Context, msg *protocol.Message) error {
	return c.next.Send(ctx, msg)
}

func (c *connectionWrapper) Events() <-chan Event  { return c.next.Events() }
func (c *connectionWrapper) Done() <-chan struct{} { return c.next.Done() }
func (c *connectionWrapper) Err() error            { return c.next.Err() }
func (c *connectionWrapper) Close() error          { return c.next.Close() }

// WithDialLogging logs dials and failed sends
func WithDialLogging(logger logging.Logger) DialerMiddleware {
	return func(next Dialer) Dialer {
		return DialerFunc(func(ctx context.Context, opts DialOptions) (Connection, error) {
			start := time.Now()
			conn, err := next.Dial(ctx, opts)
			if err != nil {
				logger.WithError(err).Warn("Dial failed",
					logging.String("last_event_id", opts.LastEventID),
					logging.Duration("duration", time.Since(start)))
				return nil, err
			}
			logger.Debug("Dialed",
				logging.String("last_event_id", opts.LastEventID),
				logging.Duration("duration", time.Since(start)))
			return &loggingConnection{connectionWrapper: connectionWrapper{next: conn}, logger: logger}, nil
		})
	}
}

type loggingConnection struct {
	connectionWrapper
	logger logging.Logger
}

func (c *loggingConnection) Send(ctx context.Context, msg *protocol.Message) error {
	err := c.next.Send(ctx, msg)
	if err != nil {
		c.logger.WithError(err).Debug("Send failed",
			logging.String("kind", msg.Kind().String()),
			logging.String("method", msg.Method))
	}
	return err
}

// WithDialTracing records a span for every dial and send
func WithDialTracing(tracer *observability.TracingProvider) DialerMiddleware {
	return func(next Dialer) Dialer {
		return DialerFunc(func(ctx context.Context, opts DialOptions) (Connection, error) {
			ctx, span := tracer.StartSpan(ctx, "rpc.client.dial",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(attribute.String(observability.AttrEventID, opts.LastEventID)))
			defer span.End()

			conn, err := next.Dial(ctx, opts)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			return &tracingConnection{connectionWrapper: connectionWrapper{next: conn}, tracer: tracer}, nil
		})
	}
}

type tracingConnection struct {
	connectionWrapper
	tracer *observability.TracingProvider
}

func (c *tracingConnection) Send(ctx context.Context, msg *protocol.Message) error {
	name := msg.Method
	if name == "" {
		name = msg.Kind().String()
	}
	ctx, span := c.tracer.StartMethodSpan(ctx, name, trace.SpanKindClient)
	defer span.End()

	err := c.next.Send(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
