package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/eventstore"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
	"github.com/ajitpratap0/streamrpc-go/pkg/transport"
)

// httpSink is the Sink of one SSE response. Headers are sent with the first
// event so that a rejection can still choose the status code.
type httpSink struct {
	mu       sync.Mutex
	w        http.ResponseWriter
	sse      *transport.Writer
	started  bool
	rejected bool
	closed   bool
	done     chan struct{}
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	return &httpSink{
		w:    w,
		sse:  transport.NewWriter(w),
		done: make(chan struct{}),
	}
}

// startLocked writes the SSE response headers once
func (s *httpSink) startLocked() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set(transport.HeaderContentType, transport.ContentTypeEventStream)
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.sse.Flush()
}

// Start commits the SSE headers without writing an event
func (s *httpSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.rejected {
		return transport.ErrWriterClosed
	}
	s.startLocked()
	return nil
}

func (s *httpSink) WriteEvent(_ context.Context, event eventstore.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.rejected {
		return transport.ErrWriterClosed
	}
	s.startLocked()
	return s.sse.WriteEvent(transport.EventTypeMessage, event.ID().String(), event.Data)
}

// Heartbeat writes a comment to keep intermediaries from timing out the stream
func (s *httpSink) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.started {
		return nil
	}
	return s.sse.Heartbeat()
}

func (s *httpSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.sse.Close()
}

func (s *httpSink) Reject(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.rejected || s.closed {
		return
	}
	s.rejected = true
	writeError(s.w, rpcerrors.HTTPStatus(err), err)
}

// Done is closed when the stream ends
func (s *httpSink) Done() <-chan struct{} {
	return s.done
}

func (s *httpSink) wasRejected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// errorBody is a JSON-RPC error response without a request id
type errorBody struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      *protocol.RequestID `json:"id"`
	Error   *protocol.Error     `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set(transport.HeaderContentType, transport.ContentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		JSONRPC: protocol.JSONRPCVersion,
		Error:   rpcerrors.ToProtocolError(err),
	})
}
