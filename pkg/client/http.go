package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
	"github.com/ajitpratap0/streamrpc-go/pkg/observability"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
	"github.com/ajitpratap0/streamrpc-go/pkg/transport"
)

const transportName = "http"

// acceptBoth is sent on every POST; the server picks the stream framing
var acceptBoth = transport.ContentTypeJSON + ", " + transport.ContentTypeEventStream

// HTTPDialer connects to a streaming JSON-RPC endpoint. Each connection is a
// long-lived GET listener plus one POST per outbound message. The session id
// obtained by the handshake is kept across dials so reconnects resume the
// same session.
type HTTPDialer struct {
	endpoint        string
	client          *http.Client
	handshakeMethod string
	handshakeParams interface{}
	logger          logging.Logger
	tracer          *observability.TracingProvider

	mu          sync.Mutex
	sessionID   string
	established bool
}

// HTTPOption configures an HTTPDialer
type HTTPOption func(*HTTPDialer)

// WithHTTPClient sets the HTTP client. It must not set a Timeout, which would
// cut the listener stream.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(d *HTTPDialer) { d.client = client }
}

// WithHandshake sets the method sent to open a session. An empty method
// disables the handshake.
func WithHandshake(method string, params interface{}) HTTPOption {
	return func(d *HTTPDialer) {
		d.handshakeMethod = method
		d.handshakeParams = params
	}
}

// WithSessionID starts from an existing session
func WithSessionID(sessionID string) HTTPOption {
	return func(d *HTTPDialer) {
		d.sessionID = sessionID
		d.established = sessionID != ""
	}
}

// WithHTTPLogger sets the logger
func WithHTTPLogger(logger logging.Logger) HTTPOption {
	return func(d *HTTPDialer) { d.logger = logger }
}

// WithHTTPTracer propagates trace context on every request
func WithHTTPTracer(tracer *observability.TracingProvider) HTTPOption {
	return func(d *HTTPDialer) { d.tracer = tracer }
}

// NewHTTPDialer creates a dialer for endpoint
func NewHTTPDialer(endpoint string, opts ...HTTPOption) *HTTPDialer {
	d := &HTTPDialer{
		endpoint:        endpoint,
		client:          &http.Client{},
		handshakeMethod: transport.DefaultConfig().Session.HandshakeMethod,
		logger:          logging.NewNop(),
		tracer:          observability.NewNoopTracingProvider(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewHTTPTransport builds an http.Client tuned by the connection config
func NewHTTPTransport(config transport.ConnectionConfig) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if config.MaxIdleConns > 0 {
		t.MaxIdleConns = config.MaxIdleConns
		t.MaxIdleConnsPerHost = config.MaxIdleConns
	}
	if config.IdleConnTimeout > 0 {
		t.IdleConnTimeout = config.IdleConnTimeout
	}
	if config.Timeout > 0 {
		t.ResponseHeaderTimeout = config.Timeout
	}
	return &http.Client{Transport: t}
}

// SessionID returns the current session id, empty before the handshake
func (d *HTTPDialer) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

func (d *HTTPDialer) setSession(sessionID string) {
	d.mu.Lock()
	d.sessionID = sessionID
	d.established = true
	d.mu.Unlock()
}

// needsHandshake reports whether no session was established yet
func (d *HTTPDialer) needsHandshake() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.established && d.handshakeMethod != ""
}

// dropSession forgets sessionID unless it was already replaced
func (d *HTTPDialer) dropSession(sessionID string) {
	d.mu.Lock()
	if d.sessionID == sessionID {
		d.sessionID = ""
		d.established = false
	}
	d.mu.Unlock()
}

// Dial opens the listener stream, performing the handshake first when there
// is no session yet.
func (d *HTTPDialer) Dial(ctx context.Context, opts DialOptions) (Connection, error) {
	sessionID := d.SessionID()
	if d.needsHandshake() {
		var err error
		if sessionID, err = d.handshake(ctx); err != nil {
			return nil, err
		}
		// Replay ids belong to the previous session
		opts.LastEventID = ""
	}

	conn := newHTTPConnection(ctx, d, sessionID)
	req, err := conn.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	req.Header.Set(transport.HeaderAccept, transport.ContentTypeEventStream)
	if opts.LastEventID != "" {
		req.Header.Set(transport.HeaderLastEventID, opts.LastEventID)
	}

	resp, err := conn.do(ctx, req)
	if err != nil {
		conn.Close()
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest:
		cause := readErrorBody(resp)
		conn.Close()
		return nil, rpcerrors.UnknownEvent(opts.LastEventID, cause)
	case http.StatusUnauthorized, http.StatusNotFound:
		cause := readErrorBody(resp)
		conn.Close()
		d.dropSession(sessionID)
		return nil, rpcerrors.InvalidSession(sessionID, errorReason(cause))
	default:
		resp.Body.Close()
		conn.Close()
		return nil, rpcerrors.HTTPStatusError("listen", d.endpoint, resp.StatusCode)
	}

	if !conn.spawn(func() {
		err := conn.readStream(resp.Body)
		if err == nil {
			err = io.EOF
		}
		conn.fail(rpcerrors.ConnectionLost(transportName, d.endpoint, err))
	}) {
		resp.Body.Close()
		return nil, rpcerrors.ConnectionLost(transportName, d.endpoint, conn.Err())
	}

	d.logger.Debug("Listener stream opened",
		logging.String("session_id", sessionID),
		logging.String("last_event_id", opts.LastEventID))
	return conn, nil
}

// handshake sends the handshake request and stores the assigned session
func (d *HTTPDialer) handshake(ctx context.Context) (string, error) {
	id := protocol.StringID("handshake-" + uuid.NewString())
	msg, err := protocol.NewRequest(id, d.handshakeMethod, d.handshakeParams)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", rpcerrors.ConnectionFailed(transportName, d.endpoint, err)
	}
	req.Header.Set(transport.HeaderContentType, transport.ContentTypeJSON)
	req.Header.Set(transport.HeaderAccept, acceptBoth)
	d.tracer.InjectHeaders(ctx, req.Header)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", rpcerrors.ConnectionFailed(transportName, d.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if cause := readErrorBody(resp); cause != nil {
			return "", cause
		}
		return "", rpcerrors.HTTPStatusError("handshake", d.endpoint, resp.StatusCode)
	}

	var reply *protocol.Message
	err = readMessages(resp, func(ev Event) bool {
		if ev.Message.IsResponse() && ev.Message.ID != nil && *ev.Message.ID == id {
			reply = ev.Message
			return false
		}
		return true
	})
	if err != nil {
		return "", rpcerrors.ConnectionLost(transportName, d.endpoint, err)
	}
	if reply == nil {
		return "", rpcerrors.ConnectionLost(transportName, d.endpoint, io.ErrUnexpectedEOF)
	}
	if reply.Error != nil {
		return "", rpcerrors.FromProtocolError(reply.Error)
	}

	sessionID := resp.Header.Get(transport.HeaderSessionID)
	d.setSession(sessionID)
	d.logger.Info("Session established", logging.String("session_id", sessionID))
	return sessionID, nil
}

// EndSession asks the server to terminate the current session
func (d *HTTPDialer) EndSession(ctx context.Context) error {
	sessionID := d.SessionID()
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set(transport.HeaderSessionID, sessionID)

	resp, err := d.client.Do(req)
	if err != nil {
		return rpcerrors.ConnectionFailed(transportName, d.endpoint, err)
	}
	resp.Body.Close()
	d.dropSession(sessionID)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusUnauthorized, http.StatusMethodNotAllowed:
		return nil
	default:
		return rpcerrors.HTTPStatusError("end session", d.endpoint, resp.StatusCode)
	}
}

type httpConnection struct {
	dialer    *HTTPDialer
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	mu     sync.Mutex
	wg     sync.WaitGroup
	err    error
	closed bool
}

// newHTTPConnection keeps the values of ctx, trace context included, but not
// its cancellation: the connection outlives the dial.
func newHTTPConnection(ctx context.Context, d *HTTPDialer, sessionID string) *httpConnection {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &httpConnection{
		dialer:    d,
		sessionID: sessionID,
		ctx:       connCtx,
		cancel:    cancel,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}
}

func (c *httpConnection) newRequest(ctx context.Context, method string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(c.ctx, method, c.dialer.endpoint, reader)
	if err != nil {
		return nil, rpcerrors.ConnectionFailed(transportName, c.dialer.endpoint, err)
	}
	if c.sessionID != "" {
		req.Header.Set(transport.HeaderSessionID, c.sessionID)
	}
	c.dialer.tracer.InjectHeaders(ctx, req.Header)
	return req, nil
}

// do sends req, which lives as long as the connection. ctx bounds the wait
// for response headers only.
func (c *httpConnection) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	reqCtx, cancel := context.WithCancel(req.Context())
	stop := context.AfterFunc(ctx, cancel)
	resp, err := c.dialer.client.Do(req.WithContext(reqCtx))
	if !stop() {
		// ctx ended while waiting; the request was aborted
		if err == nil {
			resp.Body.Close()
		}
		return nil, rpcerrors.ConnectionFailed(transportName, c.dialer.endpoint, context.Cause(ctx))
	}
	if err != nil {
		cancel()
		return nil, rpcerrors.ConnectionFailed(transportName, c.dialer.endpoint, err)
	}
	return resp, nil
}

// Send posts msg. Responses that come back on the POST are delivered through
// Events like everything else.
func (c *httpConnection) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-c.done:
		return rpcerrors.ConnectionLost(transportName, c.dialer.endpoint, c.Err())
	default:
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return rpcerrors.CreateInternalError("encode message", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, body)
	if err != nil {
		return err
	}
	req.Header.Set(transport.HeaderContentType, transport.ContentTypeJSON)
	req.Header.Set(transport.HeaderAccept, acceptBoth)

	resp, err := c.do(ctx, req)
	if err != nil {
		c.fail(err)
		return err
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		resp.Body.Close()
		return nil

	case resp.StatusCode == http.StatusOK:
		if !c.spawn(func() {
			defer resp.Body.Close()
			// A broken response stream takes the connection down so the
			// manager reconnects and fails the calls that were waiting on it
			if err := readMessages(resp, c.deliver); err != nil && c.ctx.Err() == nil {
				c.dialer.logger.WithError(err).Debug("Response stream ended early")
				c.fail(rpcerrors.ConnectionLost(transportName, c.dialer.endpoint, err))
			}
		}) {
			resp.Body.Close()
			return rpcerrors.ConnectionLost(transportName, c.dialer.endpoint, c.Err())
		}
		return nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound:
		cause := readErrorBody(resp)
		c.dialer.dropSession(c.sessionID)
		err := rpcerrors.InvalidSession(c.sessionID, errorReason(cause))
		c.fail(err)
		return err

	default:
		if cause := readErrorBody(resp); cause != nil {
			return cause
		}
		return rpcerrors.HTTPStatusError("send", c.dialer.endpoint, resp.StatusCode)
	}
}

// spawn runs fn as a reader of this connection unless it already ended
func (c *httpConnection) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

func (c *httpConnection) deliver(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *httpConnection) readStream(body io.ReadCloser) error {
	defer body.Close()
	return readSSE(body, c.deliver)
}

func (c *httpConnection) Events() <-chan Event  { return c.events }
func (c *httpConnection) Done() <-chan struct{} { return c.done }

func (c *httpConnection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *httpConnection) Close() error {
	c.fail(ErrConnectionClosed)
	return nil
}

// fail ends the connection once; Events is closed after every reader exits
func (c *httpConnection) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.mu.Unlock()

	close(c.done)
	c.cancel()
	go func() {
		c.wg.Wait()
		close(c.events)
	}()
}

// readMessages decodes a POST or handshake response in either framing. fn
// returns false to stop reading.
func readMessages(resp *http.Response, fn func(Event) bool) error {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get(transport.HeaderContentType))
	if mediaType == transport.ContentTypeEventStream {
		return readSSE(resp.Body, fn)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	msgs, _, err := protocol.ParseBatch(data)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if !fn(Event{Message: msg}) {
			return nil
		}
	}
	return nil
}

func readSSE(r io.Reader, fn func(Event) bool) error {
	reader := transport.NewReader(r)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(ev.Data) == 0 || (ev.Type != "" && ev.Type != transport.EventTypeMessage) {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return fmt.Errorf("decode event %q: %w", ev.ID, err)
		}
		if !fn(Event{ID: ev.ID, Message: &msg}) {
			return nil
		}
	}
}

// readErrorBody turns a JSON-RPC error body into an error, or nil
func readErrorBody(resp *http.Response) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(data) == 0 {
		return nil
	}
	var msg protocol.Message
	if json.Unmarshal(data, &msg) != nil || msg.Error == nil {
		return nil
	}
	return rpcerrors.FromProtocolError(msg.Error)
}

func errorReason(err error) string {
	if err == nil {
		return "rejected by server"
	}
	return strings.TrimSpace(err.Error())
}
