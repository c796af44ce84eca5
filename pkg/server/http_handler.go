package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
	"github.com/ajitpratap0/streamrpc-go/pkg/observability"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
	"github.com/ajitpratap0/streamrpc-go/pkg/session"
	"github.com/ajitpratap0/streamrpc-go/pkg/transport"
)

var (
	jsonMediaType         = contenttype.NewMediaType(transport.ContentTypeJSON)
	eventStreamMediaType  = contenttype.NewMediaType(transport.ContentTypeEventStream)
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// HTTPHandler serves the streamable HTTP endpoint:
//
//	POST    a single message or a batch; 202 when the batch holds no request,
//	        otherwise an SSE stream carrying the responses
//	GET     a listener stream, or a resumed stream when Last-Event-ID is set
//	DELETE  ends the session named by the session header
//	OPTIONS CORS preflight
type HTTPHandler struct {
	mux      *Multiplexer
	registry session.Registry
	origins  *OriginPolicy

	requireSession  bool
	handshakeMethod string
	maxBodyBytes    int64
	heartbeat       time.Duration

	logger  logging.Logger
	metrics observability.MetricsProvider
}

// HTTPHandlerOption configures an HTTPHandler
type HTTPHandlerOption func(*HTTPHandler)

// WithHandlerRegistry sets the registry used to create and end sessions
func WithHandlerRegistry(registry session.Registry) HTTPHandlerOption {
	return func(h *HTTPHandler) { h.registry = registry }
}

// WithOriginPolicy replaces the origin policy
func WithOriginPolicy(policy *OriginPolicy) HTTPHandlerOption {
	return func(h *HTTPHandler) { h.origins = policy }
}

// WithSessionRequired controls whether requests without a session are refused
func WithSessionRequired(required bool) HTTPHandlerOption {
	return func(h *HTTPHandler) { h.requireSession = required }
}

// WithHandshakeMethod sets the method that creates a session
func WithHandshakeMethod(method string) HTTPHandlerOption {
	return func(h *HTTPHandler) { h.handshakeMethod = method }
}

// WithMaxBodyBytes limits the size of POST bodies
func WithMaxBodyBytes(n int64) HTTPHandlerOption {
	return func(h *HTTPHandler) { h.maxBodyBytes = n }
}

// WithHeartbeat sets the interval of keep-alive comments; zero disables them
func WithHeartbeat(interval time.Duration) HTTPHandlerOption {
	return func(h *HTTPHandler) { h.heartbeat = interval }
}

// WithHandlerLogger sets the logger
func WithHandlerLogger(logger logging.Logger) HTTPHandlerOption {
	return func(h *HTTPHandler) { h.logger = logger }
}

// WithHandlerMetrics sets the metrics provider
func WithHandlerMetrics(metrics observability.MetricsProvider) HTTPHandlerOption {
	return func(h *HTTPHandler) { h.metrics = metrics }
}

// NewHTTPHandler creates the endpoint handler on top of mux
func NewHTTPHandler(mux *Multiplexer, opts ...HTTPHandlerOption) *HTTPHandler {
	defaults := transport.DefaultConfig()
	h := &HTTPHandler{
		mux:             mux,
		origins:         NewOriginPolicy(defaults.Security.AllowedOrigins, defaults.Security.AllowMissingOrigin),
		requireSession:  defaults.Session.Required,
		handshakeMethod: defaults.Session.HandshakeMethod,
		maxBodyBytes:    defaults.Server.MaxBodyBytes,
		heartbeat:       defaults.Connection.HeartbeatInterval,
		logger:          logging.NewNop(),
		metrics:         observability.NewNoopMetricsProvider(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get(transport.HeaderOrigin)
	if !h.origins.Allowed(origin) {
		h.logger.Warn("Rejected request from disallowed origin", logging.String("origin", origin))
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Expose-Headers", transport.HeaderSessionID)
		w.Header().Add("Vary", "Origin")
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	case http.MethodOptions:
		h.handleOptions(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE, OPTIONS")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeError(w, http.StatusUnsupportedMediaType, rpcerrors.CreateInvalidRequestError("content-type must be application/json"))
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeError(w, http.StatusNotAcceptable, rpcerrors.CreateInvalidRequestError("client must accept text/event-stream"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, rpcerrors.CreateInvalidRequestError("request body too large"))
			return
		}
		writeError(w, http.StatusBadRequest, rpcerrors.CreateParseError(err.Error()))
		return
	}

	messages, _, err := protocol.ParseBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, rpcerrors.CreateParseError(err.Error()))
		return
	}

	ctx := r.Context()
	sessionID := r.Header.Get(transport.HeaderSessionID)
	if sessionID == "" {
		switch {
		case h.registry != nil && h.isHandshake(messages):
			sess, err := h.registry.Create(ctx)
			if err != nil {
				h.logger.WithError(err).Error("Failed to create session")
				writeError(w, http.StatusInternalServerError, rpcerrors.CreateInternalError("create session", err))
				return
			}
			sessionID = sess.ID
			w.Header().Set(transport.HeaderSessionID, sessionID)
			h.metrics.RecordActiveSessions(ctx, 1)
			h.logger.Info("Created session", logging.String("session_id", sessionID))
		case h.requireSession:
			writeError(w, http.StatusUnauthorized, rpcerrors.SessionRequired())
			return
		}
	}

	sink := newHTTPSink(w)
	streamID, err := h.mux.AcceptBatch(ctx, messages, sink, sessionID)
	if err != nil {
		if !sink.wasRejected() {
			writeError(w, rpcerrors.HTTPStatus(err), err)
		}
		return
	}
	if streamID == "" {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.serveStream(ctx, streamID, sink)
}

func (h *HTTPHandler) isHandshake(messages []*protocol.Message) bool {
	for _, msg := range messages {
		if msg.IsRequest() && msg.Method == h.handshakeMethod {
			return true
		}
	}
	return false
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeError(w, http.StatusNotAcceptable, rpcerrors.CreateInvalidRequestError("client must accept text/event-stream"))
		return
	}

	sessionID := r.Header.Get(transport.HeaderSessionID)
	if sessionID == "" && h.requireSession {
		writeError(w, http.StatusUnauthorized, rpcerrors.SessionRequired())
		return
	}

	lastEventID := strings.TrimSpace(r.Header.Get(transport.HeaderLastEventID))
	sink := newHTTPSink(w)
	streamID, err := h.mux.Resume(r.Context(), lastEventID, sink, sessionID)
	if err != nil {
		h.logger.WithError(err).Info("Refused stream",
			logging.String("last_event_id", lastEventID),
			logging.String("session_id", sessionID))
		if !sink.wasRejected() {
			writeError(w, rpcerrors.HTTPStatus(err), err)
		}
		return
	}
	h.serveStream(r.Context(), streamID, sink)
}

// serveStream holds the response open until the stream ends or the peer goes
// away, writing heartbeats in between.
func (h *HTTPHandler) serveStream(ctx context.Context, streamID string, sink *httpSink) {
	defer sink.Close()

	if err := sink.Start(); err != nil {
		return
	}

	var beat <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		beat = ticker.C
	}

	for {
		select {
		case <-sink.Done():
			return
		case <-ctx.Done():
			h.mux.Detach(streamID, sink)
			return
		case <-beat:
			if err := sink.Heartbeat(); err != nil {
				h.logger.WithError(err).Debug("Heartbeat failed", logging.String("stream_id", streamID))
				h.mux.Detach(streamID, sink)
				return
			}
		}
	}
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(transport.HeaderSessionID)
	if sessionID == "" {
		writeError(w, http.StatusUnauthorized, rpcerrors.SessionRequired())
		return
	}
	if h.registry == nil {
		http.Error(w, "Sessions are not enabled", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, rpcerrors.InvalidSession(sessionID, err.Error()))
		return
	}
	ok, err := h.registry.Validate(ctx, normalized)
	if err != nil {
		writeError(w, http.StatusInternalServerError, rpcerrors.CreateInternalError("validate session", err))
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, rpcerrors.InvalidSession(sessionID, "unknown or expired session"))
		return
	}

	if err := h.registry.Invalidate(ctx, normalized); err != nil {
		writeError(w, http.StatusInternalServerError, rpcerrors.CreateInternalError("invalidate session", err))
		return
	}
	closed := h.mux.CloseSession(normalized)
	h.metrics.RecordActiveSessions(ctx, -1)
	h.logger.Info("Ended session",
		logging.String("session_id", normalized),
		logging.Int("streams_closed", closed))
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPHandler) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
		transport.HeaderContentType,
		transport.HeaderAccept,
		transport.HeaderSessionID,
		transport.HeaderLastEventID,
		"traceparent",
		"tracestate",
	}, ", "))
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}
