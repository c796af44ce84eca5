package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/streamrpc-go/pkg/eventstore"
	"github.com/ajitpratap0/streamrpc-go/pkg/eventstore/redisstore"
	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
	"github.com/ajitpratap0/streamrpc-go/pkg/observability"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
	"github.com/ajitpratap0/streamrpc-go/pkg/session"
	"github.com/ajitpratap0/streamrpc-go/pkg/session/redisregistry"
	"github.com/ajitpratap0/streamrpc-go/pkg/transport"
)

// Built-in methods
const (
	MethodPing      = "ping"
	MethodCancelled = "notifications/cancelled"
)

// Info identifies the server in the handshake result
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is returned by the handshake method
type InitializeResult struct {
	ServerInfo Info     `json:"serverInfo"`
	Methods    []string `json:"methods"`
}

// CancelledParams is the payload of a cancellation notification
type CancelledParams struct {
	RequestID protocol.RequestID `json:"requestId"`
	Reason    string             `json:"reason,omitempty"`
}

// Server assembles the event store, session registry, multiplexer and HTTP
// endpoint from a transport.Config and runs them.
type Server struct {
	config transport.Config
	info   Info

	router   *Router
	mux      *Multiplexer
	handler  *HTTPHandler
	store    eventstore.Store
	registry session.Registry
	pruner   *eventstore.Pruner

	logger  logging.Logger
	metrics observability.MetricsProvider
	tracer  *observability.TracingProvider

	closers    []io.Closer
	httpServer *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithInfo sets the name and version reported by the handshake
func WithInfo(name, version string) Option {
	return func(s *Server) { s.info = Info{Name: name, Version: version} }
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics provider
func WithMetrics(metrics observability.MetricsProvider) Option {
	return func(s *Server) { s.metrics = metrics }
}

// WithTracer sets the tracing provider
func WithTracer(tracer *observability.TracingProvider) Option {
	return func(s *Server) { s.tracer = tracer }
}

// WithEventStore overrides the backend selected by the configuration
func WithEventStore(store eventstore.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithRegistry overrides the backend selected by the configuration
func WithRegistry(registry session.Registry) Option {
	return func(s *Server) { s.registry = registry }
}

// New creates a server. Backends not supplied through options are opened
// from cfg.
func New(cfg transport.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		config:  cfg,
		info:    Info{Name: cfg.Observability.ServiceName, Version: "dev"},
		logger:  logging.NewNop(),
		metrics: observability.NewNoopMetricsProvider(),
		tracer:  observability.NewNoopTracingProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithFields(logging.String("component", "server"))

	if err := s.openBackends(); err != nil {
		_ = s.closeBackends()
		return nil, err
	}

	s.router = NewRouter(
		WithRouterLogger(s.logger),
		WithRouterMetrics(s.metrics),
		WithRouterTracer(s.tracer),
	)
	s.router.HandleFunc(cfg.Session.HandshakeMethod, s.handleInitialize)
	s.router.HandleFunc(MethodPing, s.handlePing)
	s.router.HandleNotificationFunc(MethodCancelled, s.handleCancelled)

	s.mux = NewMultiplexer(s.store, s.router,
		WithSessionRegistry(s.registry),
		WithMultiplexerLogger(s.logger),
		WithMultiplexerMetrics(s.metrics),
		WithMultiplexerTracer(s.tracer),
	)

	policy := NewOriginPolicy(cfg.Security.AllowedOrigins, cfg.Security.AllowMissingOrigin)
	policy.SetAllowWildcard(cfg.Security.AllowWildcardOrigin)
	s.handler = NewHTTPHandler(s.mux,
		WithHandlerRegistry(s.registry),
		WithOriginPolicy(policy),
		WithSessionRequired(cfg.Session.Required),
		WithHandshakeMethod(cfg.Session.HandshakeMethod),
		WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		WithHeartbeat(cfg.Connection.HeartbeatInterval),
		WithHandlerLogger(s.logger),
		WithHandlerMetrics(s.metrics),
	)

	s.pruner = eventstore.NewPruner(s.store, cfg.EventStore.Retention, cfg.EventStore.PruneInterval,
		eventstore.WithPrunerLogger(s.logger),
		eventstore.WithPruneObserver(func(removed int, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			s.metrics.RecordPrune(context.Background(), removed, status)
			// Closed streams become unresumable once their events age out
			s.mux.ForgetClosed(time.Now().Add(-cfg.EventStore.Retention))
		}),
	)
	return s, nil
}

func (s *Server) openBackends() error {
	redisCfg := s.config.Redis

	if s.store == nil {
		switch s.config.EventStore.Backend {
		case transport.BackendRedis:
			store, err := redisstore.New(redisstore.Config{
				Addr:      redisCfg.Addr,
				Password:  redisCfg.Password,
				DB:        redisCfg.DB,
				KeyPrefix: redisCfg.KeyPrefix,
			})
			if err != nil {
				return fmt.Errorf("open redis event store: %w", err)
			}
			s.store = store
			s.closers = append(s.closers, store)
		default:
			s.store = eventstore.NewMemoryStore()
		}
	}

	if s.registry == nil {
		switch s.config.Session.Backend {
		case transport.BackendRedis:
			registry, err := redisregistry.New(redisregistry.Config{
				Addr:        redisCfg.Addr,
				Password:    redisCfg.Password,
				DB:          redisCfg.DB,
				KeyPrefix:   redisCfg.KeyPrefix,
				IdleTimeout: s.config.Session.IdleTimeout,
			})
			if err != nil {
				return fmt.Errorf("open redis session registry: %w", err)
			}
			s.registry = registry
			s.closers = append(s.closers, registry)
		default:
			s.registry = session.NewMemoryRegistry(
				session.WithIdleTimeout(s.config.Session.IdleTimeout),
				session.WithLogger(s.logger),
				session.WithExpiryHook(func(id string) {
					if s.mux != nil {
						s.mux.CloseSession(id)
					}
					s.metrics.RecordActiveSessions(context.Background(), -1)
				}),
			)
		}
	}
	return nil
}

func (s *Server) closeBackends() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Router returns the router for registering methods
func (s *Server) Router() *Router { return s.router }

// Multiplexer returns the stream multiplexer, for server-initiated pushes
func (s *Server) Multiplexer() *Multiplexer { return s.mux }

// Broadcast sends a notification to every open stream
func (s *Server) Broadcast(ctx context.Context, method string, params interface{}) (int, error) {
	msg, err := protocol.NewNotification(method, params)
	if err != nil {
		return 0, err
	}
	return s.mux.Broadcast(ctx, msg)
}

// Handler returns the HTTP handler serving the endpoint and, when enabled,
// the metrics path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Server.Path, s.handler)
	if s.config.Observability.MetricsEnabled {
		mux.Handle(s.config.Observability.MetricsPath, s.metrics.Handler())
	}
	return logging.HTTPMiddleware(s.logger)(observability.HTTPMiddleware(s.tracer, s.metrics)(mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.config.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.Connection.Timeout,
		IdleTimeout:       s.config.Connection.IdleConnTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Listening",
			logging.String("addr", s.config.Server.ListenAddr),
			logging.String("path", s.config.Server.Path))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.pruner.Run(gctx)
	})
	if sweeper, ok := s.registry.(*session.MemoryRegistry); ok {
		g.Go(func() error {
			return sweeper.Run(gctx, s.config.Session.SweepInterval)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown closes every stream, stops the HTTP server, releases the backends
// and flushes the tracer.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.mux.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.closeBackends(); err != nil {
		errs = append(errs, err)
	}
	if err := s.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("Server stopped")
	return errors.Join(errs...)
}

func (s *Server) handleInitialize(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	s.logger.Info("Session initialized", logging.String("session_id", SessionIDFromContext(ctx)))
	return InitializeResult{ServerInfo: s.info, Methods: s.router.Methods()}, nil
}

func (s *Server) handlePing(context.Context, json.RawMessage) (interface{}, error) {
	return struct{}{}, nil
}

func (s *Server) handleCancelled(ctx context.Context, params json.RawMessage) error {
	var p CancelledParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("decode cancellation: %w", err)
	}
	if !s.router.Cancel(SessionIDFromContext(ctx), p.RequestID) {
		s.logger.Debug("Cancellation for unknown request", logging.String("request_id", p.RequestID.String()))
	}
	return nil
}
