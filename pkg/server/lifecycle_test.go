package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/streamrpc-go/internal/leakcheck"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
	"github.com/ajitpratap0/streamrpc-go/pkg/transport"
)

func TestShutdownClosesStreamsWithoutLeaks(t *testing.T) {
	leakcheck.Verify(t)

	cfg := transport.DefaultConfig()
	cfg.Observability.MetricsEnabled = false
	srv, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())

	tr := &http.Transport{}
	httpClient := &http.Client{Transport: tr}
	defer tr.CloseIdleConnections()
	defer ts.Close()

	do := func(method, sessionID, body string) *http.Response {
		req, err := http.NewRequest(method, ts.URL+"/rpc", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		if sessionID != "" {
			req.Header.Set(transport.HeaderSessionID, sessionID)
		}
		resp, err := httpClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := do(http.MethodPost, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	sessionID := resp.Header.Get(transport.HeaderSessionID)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.NotEmpty(t, sessionID)

	listener := do(http.MethodGet, sessionID, "")
	require.Equal(t, http.StatusOK, listener.StatusCode)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		_, _ = io.Copy(io.Discard, listener.Body)
		listener.Body.Close()
	}()

	require.Eventually(t, func() bool { return srv.Multiplexer().Len() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("listener stream not closed by shutdown")
	}
	assert.Zero(t, srv.Multiplexer().Len())
}

func TestCancelledNotificationCancelsHandler(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	srv.Router().HandleFunc("block", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	sessionID := handshake(t, ts)

	resp := post(t, ts, sessionID, `{"jsonrpc":"2.0","id":7,"method":"block"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	<-started

	ack := post(t, ts, sessionID, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7,"reason":"user abort"}}`)
	assert.Equal(t, http.StatusAccepted, ack.StatusCode)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not cancelled")
	}

	events := readEvents(t, resp)
	require.Len(t, events, 1)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(events[0].Data, &msg))
	assert.Equal(t, protocol.KindErrorResponse, msg.Kind())
	assert.Equal(t, protocol.IntID(7), *msg.ID)
}

func TestCancelledNotificationFromOtherSessionIgnored(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	release := make(chan struct{})
	srv.Router().HandleFunc("block", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	owner := handshake(t, ts)
	other := handshake(t, ts)

	resp := post(t, ts, owner, `{"jsonrpc":"2.0","id":7,"method":"block"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	post(t, ts, other, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7}}`)
	time.Sleep(50 * time.Millisecond)
	close(release)

	events := readEvents(t, resp)
	require.Len(t, events, 1)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(events[0].Data, &msg))
	assert.Equal(t, protocol.KindResponse, msg.Kind())
}
