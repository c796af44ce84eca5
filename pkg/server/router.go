package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
	"github.com/ajitpratap0/streamrpc-go/pkg/observability"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
)

// RequestHandler answers a request. The returned value becomes the result of
// the response; an error becomes an ErrorResponse.
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// NotificationHandler handles a notification
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// Router is a Dispatcher that routes messages to handlers by method name.
// Panics in handlers are recovered and reported as internal errors.
type Router struct {
	mu            sync.RWMutex
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler

	activeMu sync.Mutex
	active   map[requestKey]context.CancelFunc

	logger  logging.Logger
	metrics observability.MetricsProvider
	tracer  *observability.TracingProvider
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger logging.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithRouterMetrics sets the metrics provider
func WithRouterMetrics(metrics observability.MetricsProvider) RouterOption {
	return func(r *Router) { r.metrics = metrics }
}

// WithRouterTracer sets the tracing provider
func WithRouterTracer(tracer *observability.TracingProvider) RouterOption {
	return func(r *Router) { r.tracer = tracer }
}

// NewRouter creates an empty router
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
		active:        make(map[requestKey]context.CancelFunc),
		logger:        logging.NewNop(),
		metrics:       observability.NewNoopMetricsProvider(),
		tracer:        observability.NewNoopTracingProvider(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleFunc registers the handler for requests to method
func (r *Router) HandleFunc(method string, handler RequestHandler) {
	r.mu.Lock()
	r.requests[method] = handler
	r.mu.Unlock()
}

// HandleNotificationFunc registers the handler for notifications of method
func (r *Router) HandleNotificationFunc(method string, handler NotificationHandler) {
	r.mu.Lock()
	r.notifications[method] = handler
	r.mu.Unlock()
}

// Methods lists the registered request methods
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.requests))
	for m := range r.requests {
		methods = append(methods, m)
	}
	return methods
}

// HandleRequest implements Dispatcher
func (r *Router) HandleRequest(ctx context.Context, req *protocol.Message) (resp *protocol.Message) {
	start := time.Now()
	ctx, span := r.tracer.StartMethodSpan(ctx, req.Method, trace.SpanKindServer)
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	key := requestKey{sessionID: SessionIDFromContext(ctx), id: *req.ID}
	r.trackRequest(key, cancel)
	defer r.completeRequest(key)

	status := "ok"
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Request handler panicked",
				logging.String("method", req.Method),
				logging.Any("panic", p))
			status = "panic"
			resp = protocol.NewErrorResponse(*req.ID, protocol.InternalError,
				fmt.Sprintf("Internal server error processing %s", req.Method), nil)
		}
		r.metrics.RecordRequest(ctx, req.Method, status, time.Since(start))
	}()

	r.mu.RLock()
	handler, ok := r.requests[req.Method]
	r.mu.RUnlock()
	if !ok {
		status = "method_not_found"
		return rpcerrors.ToErrorResponse(*req.ID, rpcerrors.CreateMethodNotFoundError(req.Method))
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		status = "error"
		r.tracer.RecordError(ctx, err)
		return rpcerrors.ToErrorResponse(*req.ID, err)
	}

	resp, err = protocol.NewResponse(*req.ID, result)
	if err != nil {
		status = "error"
		return rpcerrors.ToErrorResponse(*req.ID, rpcerrors.CreateInternalError("encode result", err))
	}
	return resp
}

// HandleNotification implements Dispatcher
func (r *Router) HandleNotification(ctx context.Context, notification *protocol.Message) {
	start := time.Now()
	ctx, span := r.tracer.StartMethodSpan(ctx, notification.Method, trace.SpanKindServer)
	defer span.End()

	status := "ok"
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Notification handler panicked",
				logging.String("method", notification.Method),
				logging.Any("panic", p))
			status = "panic"
		}
		r.metrics.RecordNotification(ctx, notification.Method, status, time.Since(start))
	}()

	r.mu.RLock()
	handler, ok := r.notifications[notification.Method]
	r.mu.RUnlock()
	if !ok {
		status = "unhandled"
		r.logger.Debug("No handler for notification", logging.String("method", notification.Method))
		return
	}

	if err := handler(ctx, notification.Params); err != nil {
		status = "error"
		r.logger.WithError(err).Warn("Notification handler failed", logging.String("method", notification.Method))
	}
}

func (r *Router) trackRequest(key requestKey, cancel context.CancelFunc) {
	r.activeMu.Lock()
	r.active[key] = cancel
	r.activeMu.Unlock()
}

func (r *Router) completeRequest(key requestKey) {
	r.activeMu.Lock()
	cancel, ok := r.active[key]
	delete(r.active, key)
	r.activeMu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel cancels the context of an in-flight request. It reports whether the
// request was found.
func (r *Router) Cancel(sessionID string, id protocol.RequestID) bool {
	r.activeMu.Lock()
	cancel, ok := r.active[requestKey{sessionID: sessionID, id: id}]
	r.activeMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
