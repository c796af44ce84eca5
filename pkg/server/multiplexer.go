package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/eventstore"
	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
	"github.com/ajitpratap0/streamrpc-go/pkg/observability"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
	"github.com/ajitpratap0/streamrpc-go/pkg/session"
)

const shardCount = 32

var errOwnerForgotten = errors.New("stream is no longer tracked")

// ErrMultiplexerClosed is returned by operations on a closed Multiplexer
var ErrMultiplexerClosed = errors.New("multiplexer closed")

// Sink is the transport handle of one stream
type Sink interface {
	// WriteEvent delivers one event to the peer
	WriteEvent(ctx context.Context, event eventstore.Event) error
	// Close ends the stream
	Close() error
	// Reject refuses the stream before any event was written
	Reject(err error)
}

// Dispatcher is the method-dispatch collaborator. HandleRequest must return a
// Response or ErrorResponse for req; HandleNotification returns nothing.
type Dispatcher interface {
	HandleRequest(ctx context.Context, req *protocol.Message) *protocol.Message
	HandleNotification(ctx context.Context, notification *protocol.Message)
}

// Target names the stream a message is published to: directly by StreamID,
// or by the request the message relates to.
type Target struct {
	StreamID         string
	SessionID        string
	RelatedRequestID *protocol.RequestID
}

func (t Target) String() string {
	if t.StreamID != "" {
		return t.StreamID
	}
	if t.RelatedRequestID != nil {
		return "request " + t.RelatedRequestID.String()
	}
	return "<none>"
}

// StreamKind distinguishes request streams from listener streams
type StreamKind int

const (
	// KindRequest streams carry the responses to one inbound batch
	KindRequest StreamKind = iota
	// KindListener streams stay open for server pushes
	KindListener
)

func (k StreamKind) String() string {
	if k == KindListener {
		return "listener"
	}
	return "request"
}

// StreamState is the lifecycle phase of a stream
type StreamState int

const (
	StateOpen StreamState = iota
	StateDraining
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// StreamInfo is a snapshot of a stream
type StreamInfo struct {
	ID        string
	SessionID string
	Kind      StreamKind
	State     StreamState
	Pending   int
	Attached  bool
	CreatedAt time.Time
}

type stream struct {
	id        string
	sessionID string
	kind      StreamKind
	createdAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	sink    Sink
	state   StreamState
	pending map[protocol.RequestID]struct{}
}

type streamShard struct {
	mu      sync.RWMutex
	streams map[string]*stream
}

// streamOwner remembers which session a stream belonged to after it closed,
// so a resume can be checked against it.
type streamOwner struct {
	sessionID string
	closedAt  time.Time
}

type ownerShard struct {
	mu     sync.Mutex
	owners map[string]streamOwner
}

type requestKey struct {
	sessionID string
	id        protocol.RequestID
}

type requestShard struct {
	mu    sync.Mutex
	index map[requestKey]string
}

// Multiplexer turns inbound batches into streams, tags outbound messages with
// event ids from the event store and routes them to the right stream.
//
// Streams and the request index are sharded by xxhash; every stream has its
// own lock, held while an event is appended and written, so events of one
// stream reach the peer in sequence order and different streams never block
// each other.
type Multiplexer struct {
	store      eventstore.Store
	dispatcher Dispatcher
	registry   session.Registry
	logger     logging.Logger
	metrics    observability.MetricsProvider
	tracer     *observability.TracingProvider
	now        func() time.Time

	streams  [shardCount]streamShard
	requests [shardCount]requestShard
	owners   [shardCount]ownerShard

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// MultiplexerOption configures a Multiplexer
type MultiplexerOption func(*Multiplexer)

// WithSessionRegistry makes the multiplexer validate session ids
func WithSessionRegistry(registry session.Registry) MultiplexerOption {
	return func(m *Multiplexer) {
		m.registry = registry
	}
}

// WithMultiplexerLogger sets the logger
func WithMultiplexerLogger(logger logging.Logger) MultiplexerOption {
	return func(m *Multiplexer) {
		m.logger = logger
	}
}

// WithMultiplexerMetrics sets the metrics provider
func WithMultiplexerMetrics(metrics observability.MetricsProvider) MultiplexerOption {
	return func(m *Multiplexer) {
		m.metrics = metrics
	}
}

// WithMultiplexerTracer sets the tracing provider
func WithMultiplexerTracer(tracer *observability.TracingProvider) MultiplexerOption {
	return func(m *Multiplexer) {
		m.tracer = tracer
	}
}

// NewMultiplexer creates a multiplexer writing events to store and handing
// inbound messages to dispatcher.
func NewMultiplexer(store eventstore.Store, dispatcher Dispatcher, opts ...MultiplexerOption) *Multiplexer {
	m := &Multiplexer{
		store:      store,
		dispatcher: dispatcher,
		logger:     logging.NewNop(),
		metrics:    observability.NewNoopMetricsProvider(),
		tracer:     observability.NewNoopTracingProvider(),
		now:        time.Now,
	}
	for i := range m.streams {
		m.streams[i].streams = make(map[string]*stream)
		m.requests[i].index = make(map[requestKey]string)
		m.owners[i].owners = make(map[string]streamOwner)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	return m
}

func (m *Multiplexer) streamShard(id string) *streamShard {
	return &m.streams[xxhash.Sum64String(id)%shardCount]
}

func (m *Multiplexer) requestShard(key requestKey) *requestShard {
	return &m.requests[xxhash.Sum64String(key.sessionID+"\x00"+key.id.String())%shardCount]
}

func (m *Multiplexer) lookup(id string) *stream {
	sh := m.streamShard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.streams[id]
}

// register adds st to the stream table unless a stream with its id exists or
// Close has begun.
func (m *Multiplexer) register(st *stream) bool {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return false
	}

	sh := m.streamShard(st.id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.streams[st.id]; exists {
		return false
	}
	sh.streams[st.id] = st
	m.recordOwner(st.id, st.sessionID)
	return true
}

func (m *Multiplexer) ownerShard(streamID string) *ownerShard {
	return &m.owners[xxhash.Sum64String(streamID)%shardCount]
}

func (m *Multiplexer) recordOwner(streamID, sessionID string) {
	sh := m.ownerShard(streamID)
	sh.mu.Lock()
	sh.owners[streamID] = streamOwner{sessionID: sessionID}
	sh.mu.Unlock()
}

func (m *Multiplexer) markOwnerClosed(streamID string) {
	sh := m.ownerShard(streamID)
	sh.mu.Lock()
	if owner, ok := sh.owners[streamID]; ok {
		owner.closedAt = m.now()
		sh.owners[streamID] = owner
	}
	sh.mu.Unlock()
}

func (m *Multiplexer) owner(streamID string) (string, bool) {
	sh := m.ownerShard(streamID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	owner, ok := sh.owners[streamID]
	return owner.sessionID, ok
}

// ForgetClosed drops the owner records of streams closed before olderThan.
// Once forgotten, a stream can no longer be resumed. It returns the number of
// records removed.
func (m *Multiplexer) ForgetClosed(olderThan time.Time) int {
	removed := 0
	for i := range m.owners {
		sh := &m.owners[i]
		sh.mu.Lock()
		for id, owner := range sh.owners {
			if !owner.closedAt.IsZero() && owner.closedAt.Before(olderThan) {
				delete(sh.owners, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (m *Multiplexer) unregister(st *stream) {
	sh := m.streamShard(st.id)
	sh.mu.Lock()
	if sh.streams[st.id] == st {
		delete(sh.streams, st.id)
	}
	sh.mu.Unlock()
}

// claimRequest indexes a pending request id. It fails when the id is already
// pending on another stream of the same session.
func (m *Multiplexer) claimRequest(sessionID string, id protocol.RequestID, streamID string) bool {
	key := requestKey{sessionID: sessionID, id: id}
	sh := m.requestShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, taken := sh.index[key]; taken {
		return false
	}
	sh.index[key] = streamID
	return true
}

func (m *Multiplexer) releaseRequest(sessionID string, id protocol.RequestID, streamID string) {
	key := requestKey{sessionID: sessionID, id: id}
	sh := m.requestShard(key)
	sh.mu.Lock()
	if sh.index[key] == streamID {
		delete(sh.index, key)
	}
	sh.mu.Unlock()
}

func (m *Multiplexer) resolveRequest(sessionID string, id protocol.RequestID) (string, bool) {
	key := requestKey{sessionID: sessionID, id: id}
	sh := m.requestShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	streamID, ok := sh.index[key]
	return streamID, ok
}

func (m *Multiplexer) isClosed() bool {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	return m.closed
}

// track runs fn on a goroutine that Close waits for. It reports false, and
// does not run fn, once Close has begun.
func (m *Multiplexer) track(fn func()) bool {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// checkSession validates sessionID against the registry and returns its
// normalized form. An empty id passes; whether a session is required is
// decided by the transport.
func (m *Multiplexer) checkSession(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" || m.registry == nil {
		return sessionID, nil
	}
	normalized, err := session.Normalize(sessionID)
	if err != nil {
		return "", rpcerrors.InvalidSession(sessionID, err.Error())
	}
	ok, err := m.registry.Validate(ctx, normalized)
	if err != nil {
		return "", rpcerrors.CreateInternalError("validate session", err)
	}
	if !ok {
		return "", rpcerrors.InvalidSession(sessionID, "unknown or expired session")
	}
	if err := m.registry.Touch(ctx, normalized); err != nil {
		m.logger.WithError(err).Warn("Failed to touch session", logging.String("session_id", normalized))
	}
	return normalized, nil
}

func (m *Multiplexer) newStream(id, sessionID string, kind StreamKind, sink Sink) *stream {
	ctx, cancel := context.WithCancel(m.baseCtx)
	ctx = context.WithValue(ctx, sessionKey, sessionID)
	ctx = context.WithValue(ctx, streamKey, id)
	return &stream{
		id:        id,
		sessionID: sessionID,
		kind:      kind,
		createdAt: m.now(),
		ctx:       ctx,
		cancel:    cancel,
		sink:      sink,
		pending:   make(map[protocol.RequestID]struct{}),
	}
}

// AcceptBatch takes one inbound batch. Notifications are dispatched at once
// and never join a stream. If the batch holds no request the returned stream
// id is empty and the caller acknowledges immediately. Otherwise a request
// stream is opened on sink and its id returned; it closes once every request
// has been answered.
//
// An invalid session fails the call with InvalidSession after telling sink
// to reject the batch; no stream is created.
func (m *Multiplexer) AcceptBatch(ctx context.Context, messages []*protocol.Message, sink Sink, sessionID string) (string, error) {
	if m.isClosed() {
		return "", ErrMultiplexerClosed
	}
	ctx, span := m.tracer.StartStreamSpan(ctx, "accept", "")
	defer span.End()

	sessionID, err := m.checkSession(ctx, sessionID)
	if err != nil {
		sink.Reject(err)
		m.metrics.RecordIncomingBatch(ctx, 0, 0, "rejected")
		return "", err
	}

	requests, notifications, other := protocol.Split(messages)
	for _, msg := range other {
		m.logger.Warn("Dropping message that is neither request nor notification",
			logging.String("kind", msg.Kind().String()),
			logging.String("session_id", sessionID))
	}

	for _, n := range notifications {
		m.dispatchNotification(sessionID, n)
	}

	// Drop repeated ids; only the first occurrence can be answered unambiguously
	seen := make(map[protocol.RequestID]struct{}, len(requests))
	unique := requests[:0:0]
	for _, req := range requests {
		if _, dup := seen[*req.ID]; dup {
			m.logger.Warn("Dropping request with duplicate id in batch",
				logging.String("request_id", req.ID.String()),
				logging.String("method", req.Method))
			continue
		}
		seen[*req.ID] = struct{}{}
		unique = append(unique, req)
	}

	if len(unique) == 0 {
		m.metrics.RecordIncomingBatch(ctx, 0, len(notifications), "accepted")
		return "", nil
	}

	st := m.newStream(uuid.NewString(), sessionID, KindRequest, sink)
	claimed := unique[:0:0]
	for _, req := range unique {
		if !m.claimRequest(sessionID, *req.ID, st.id) {
			m.logger.WithError(rpcerrors.DuplicateRequestID(st.id, req.ID.String())).
				Warn("Dropping request whose id is already pending", logging.String("method", req.Method))
			continue
		}
		st.pending[*req.ID] = struct{}{}
		claimed = append(claimed, req)
	}
	if len(claimed) == 0 {
		st.cancel()
		m.metrics.RecordIncomingBatch(ctx, 0, len(notifications), "accepted")
		return "", nil
	}

	if !m.register(st) {
		for _, req := range claimed {
			m.releaseRequest(sessionID, *req.ID, st.id)
		}
		st.cancel()
		return "", ErrMultiplexerClosed
	}
	m.metrics.RecordIncomingBatch(ctx, len(claimed), len(notifications), "stream")
	m.tracer.SetStream(ctx, st.id, sessionID)
	m.metrics.RecordStreamOpened(ctx, st.kind.String())
	m.logger.Debug("Opened stream",
		logging.String("stream_id", st.id),
		logging.String("session_id", sessionID),
		logging.Int("requests", len(claimed)))

	for _, req := range claimed {
		m.dispatchRequest(st, req)
	}
	return st.id, nil
}

func (m *Multiplexer) dispatchNotification(sessionID string, n *protocol.Message) {
	ctx := context.WithValue(m.baseCtx, sessionKey, sessionID)
	if !m.track(func() { m.dispatcher.HandleNotification(ctx, n) }) {
		m.logger.Debug("Dropping notification during shutdown", logging.String("method", n.Method))
	}
}

func (m *Multiplexer) dispatchRequest(st *stream, req *protocol.Message) {
	ctx := context.WithValue(st.ctx, notifierKey, Notifier(&streamNotifier{mux: m, streamID: st.id}))
	id := *req.ID

	tracked := m.track(func() {
		var resp *protocol.Message
		if err := req.Validate(); err != nil {
			resp = rpcerrors.ToErrorResponse(id, rpcerrors.CreateInvalidRequestError(err.Error()))
		} else {
			resp = m.dispatcher.HandleRequest(ctx, req)
		}
		if resp == nil {
			resp = rpcerrors.ToErrorResponse(id, rpcerrors.CreateInternalError(req.Method, errors.New("handler returned no response")))
		}

		// The stream may already be gone; the response is then undeliverable
		if err := m.Publish(context.WithoutCancel(ctx), Target{StreamID: st.id}, resp); err != nil {
			m.logger.WithError(err).Debug("Response not delivered",
				logging.String("request_id", id.String()),
				logging.String("method", req.Method))
		}
	})
	if !tracked {
		m.logger.Debug("Dropping request during shutdown",
			logging.String("request_id", id.String()),
			logging.String("method", req.Method))
	}
}

// Publish appends msg to the event store under the target stream and writes
// the tagged event to the stream's sink. A Response or ErrorResponse answers
// its pending request; the stream closes when none remain.
//
// If the target does not resolve to an open stream Publish fails with
// StreamGone and nothing is appended. A failed sink write tears the stream
// down but keeps the appended event for resumption.
func (m *Multiplexer) Publish(ctx context.Context, target Target, msg *protocol.Message) error {
	streamID := target.StreamID
	if streamID == "" && target.RelatedRequestID != nil {
		streamID, _ = m.resolveRequest(target.SessionID, *target.RelatedRequestID)
	}

	var st *stream
	if streamID != "" {
		st = m.lookup(streamID)
	}
	if st == nil {
		m.metrics.RecordPublishDropped(ctx, "stream_gone")
		return rpcerrors.StreamGone(target.String())
	}
	return m.publish(ctx, st, msg)
}

func (m *Multiplexer) publish(ctx context.Context, st *stream, msg *protocol.Message) error {
	ctx, span := m.tracer.StartStreamSpan(ctx, "publish", st.id)
	defer span.End()

	data, err := encodeMessage(msg)
	if err != nil {
		return rpcerrors.CreateInternalError("encode message", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.state == StateClosed {
		m.metrics.RecordPublishDropped(ctx, "stream_gone")
		return rpcerrors.StreamGone(st.id)
	}

	isResponse := msg.IsResponse()
	if isResponse {
		if _, ok := st.pending[*msg.ID]; !ok {
			m.metrics.RecordPublishDropped(ctx, "unmatched_response")
			return rpcerrors.UnmatchedResponse(st.id, msg.ID.String())
		}
	}

	seq, err := m.store.Append(ctx, st.id, data)
	if err != nil {
		err = rpcerrors.StoreError("append", err)
		m.tracer.RecordError(ctx, err)
		return err
	}
	m.metrics.RecordEventAppended(ctx)
	m.tracer.EventWritten(ctx, protocol.EventID{StreamID: st.id, Sequence: seq}.String())

	last := false
	if isResponse {
		delete(st.pending, *msg.ID)
		m.releaseRequest(st.sessionID, *msg.ID, st.id)
		if len(st.pending) == 0 && st.kind == KindRequest {
			st.state = StateDraining
			last = true
		}
	}

	event := eventstore.Event{StreamID: st.id, Sequence: seq, Data: data, StoredAt: m.now()}
	if st.sink == nil {
		// Detached: the event waits in the store for a resuming peer
		if last {
			m.teardownLocked(st, "completed")
		}
		return nil
	}
	if err := st.sink.WriteEvent(ctx, event); err != nil {
		m.teardownLocked(st, "write_failed")
		m.logger.WithError(err).Warn("Stream transport failed",
			logging.String("stream_id", st.id),
			logging.Uint64("sequence", seq))
		return rpcerrors.StreamWriteFailed(st.id, err)
	}

	if last {
		m.teardownLocked(st, "completed")
	}
	return nil
}

// teardownLocked closes st; the caller holds st.mu
func (m *Multiplexer) teardownLocked(st *stream, reason string) {
	if st.state == StateClosed {
		return
	}
	st.state = StateClosed
	st.cancel()
	m.unregister(st)
	m.markOwnerClosed(st.id)
	for id := range st.pending {
		m.releaseRequest(st.sessionID, id, st.id)
	}
	if st.sink != nil {
		if err := st.sink.Close(); err != nil {
			m.logger.WithError(err).Debug("Closing sink failed", logging.String("stream_id", st.id))
		}
	}

	m.metrics.RecordStreamClosed(context.Background(), st.kind.String(), reason)
	m.logger.Debug("Closed stream",
		logging.String("stream_id", st.id),
		logging.String("reason", reason),
		logging.Int("unanswered", len(st.pending)))
}

// Broadcast publishes a request-less server message to every open stream,
// listener streams included. Each stream gets its own event. It returns the
// number of streams the message was written to.
func (m *Multiplexer) Broadcast(ctx context.Context, msg *protocol.Message) (int, error) {
	if msg.IsResponse() {
		return 0, rpcerrors.CreateInvalidRequestError("responses cannot be broadcast")
	}

	var targets []*stream
	for i := range m.streams {
		sh := &m.streams[i]
		sh.mu.RLock()
		for _, st := range sh.streams {
			targets = append(targets, st)
		}
		sh.mu.RUnlock()
	}

	delivered := 0
	for _, st := range targets {
		if err := m.publish(ctx, st, msg); err != nil {
			m.logger.WithError(err).Debug("Broadcast skipped stream", logging.String("stream_id", st.id))
			continue
		}
		delivered++
	}
	return delivered, nil
}

// OpenListener opens a listener stream on sink. Listener streams have no
// pending requests, receive broadcasts and stay open until detached.
func (m *Multiplexer) OpenListener(ctx context.Context, sink Sink, sessionID string) (string, error) {
	if m.isClosed() {
		return "", ErrMultiplexerClosed
	}
	sessionID, err := m.checkSession(ctx, sessionID)
	if err != nil {
		sink.Reject(err)
		return "", err
	}

	st := m.newStream(uuid.NewString(), sessionID, KindListener, sink)
	if !m.register(st) {
		st.cancel()
		return "", ErrMultiplexerClosed
	}
	m.metrics.RecordStreamOpened(ctx, st.kind.String())
	return st.id, nil
}

// Resume replays every event after lastEventID onto sink and then continues
// live delivery there. If the stream is still open its sink is replaced and
// the previous one closed; otherwise a listener stream is reopened under the
// same id, but only for the session that owned it. An empty lastEventID
// opens a fresh listener. UnknownEvent is returned when the event, or the
// owner of a closed stream, can no longer be located.
func (m *Multiplexer) Resume(ctx context.Context, lastEventID string, sink Sink, sessionID string) (string, error) {
	if lastEventID == "" {
		return m.OpenListener(ctx, sink, sessionID)
	}
	if m.isClosed() {
		return "", ErrMultiplexerClosed
	}
	sessionID, err := m.checkSession(ctx, sessionID)
	if err != nil {
		sink.Reject(err)
		return "", err
	}

	eventID, err := protocol.ParseEventID(lastEventID)
	if err != nil {
		err = rpcerrors.UnknownEvent(lastEventID, err)
		sink.Reject(err)
		return "", err
	}

	ctx, span := m.tracer.StartStreamSpan(ctx, "resume", eventID.StreamID)
	defer span.End()
	m.tracer.SetStream(ctx, eventID.StreamID, sessionID)

	for attempt := 0; attempt < 2; attempt++ {
		if st := m.lookup(eventID.StreamID); st != nil {
			return m.reattach(ctx, st, lastEventID, sink, sessionID)
		}

		owner, known := m.owner(eventID.StreamID)
		if !known {
			err := rpcerrors.UnknownEvent(lastEventID, errOwnerForgotten)
			sink.Reject(err)
			return "", err
		}
		if owner != sessionID {
			err := rpcerrors.InvalidSession(sessionID, "stream belongs to another session")
			sink.Reject(err)
			return "", err
		}

		st := m.newStream(eventID.StreamID, sessionID, KindListener, sink)
		st.mu.Lock()
		if !m.register(st) {
			st.mu.Unlock()
			st.cancel()
			if m.isClosed() {
				return "", ErrMultiplexerClosed
			}
			// Lost a race with another resume of the same stream
			continue
		}
		replayed, err := m.replay(ctx, lastEventID, sink)
		if err != nil {
			st.state = StateClosed
			st.cancel()
			m.unregister(st)
			m.markOwnerClosed(st.id)
			st.mu.Unlock()
			sink.Reject(err)
			return "", err
		}
		st.mu.Unlock()

		m.metrics.RecordStreamOpened(ctx, st.kind.String())
		m.logger.Info("Resumed stream",
			logging.String("stream_id", st.id),
			logging.String("last_event_id", lastEventID),
			logging.Int("replayed", replayed))
		return st.id, nil
	}
	return "", rpcerrors.StreamGone(eventID.StreamID)
}

func (m *Multiplexer) reattach(ctx context.Context, st *stream, lastEventID string, sink Sink, sessionID string) (string, error) {
	if st.sessionID != sessionID {
		err := rpcerrors.InvalidSession(sessionID, "stream belongs to another session")
		sink.Reject(err)
		return "", err
	}

	st.mu.Lock()
	if st.state == StateClosed {
		st.mu.Unlock()
		err := rpcerrors.StreamGone(st.id)
		sink.Reject(err)
		return "", err
	}
	replayed, err := m.replay(ctx, lastEventID, sink)
	if err != nil {
		st.mu.Unlock()
		sink.Reject(err)
		return "", err
	}
	previous := st.sink
	st.sink = sink
	st.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			m.logger.WithError(err).Debug("Closing superseded sink failed", logging.String("stream_id", st.id))
		}
	}
	m.logger.Info("Reattached stream",
		logging.String("stream_id", st.id),
		logging.String("last_event_id", lastEventID),
		logging.Int("replayed", replayed))
	return st.id, nil
}

func (m *Multiplexer) replay(ctx context.Context, lastEventID string, sink Sink) (int, error) {
	start := m.now()
	count := 0
	_, err := m.store.ReplayAfter(ctx, lastEventID, func(ctx context.Context, event eventstore.Event) error {
		count++
		return sink.WriteEvent(ctx, event)
	})

	status := "ok"
	if err != nil {
		status = "failed"
		if errors.Is(err, rpcerrors.ErrUnknownEvent) {
			status = "unknown_event"
		}
		m.tracer.RecordError(ctx, err)
	}
	m.metrics.RecordReplay(ctx, status, count, m.now().Sub(start))
	if err == nil {
		m.tracer.Replayed(ctx, lastEventID, count)
	}
	return count, err
}

// Detach is called by the transport when the peer behind sink goes away. A
// sink superseded by Resume is ignored. A request stream with unanswered
// requests stays registered without a sink: its responses are still appended
// to the event store so a peer resuming with Last-Event-ID receives them.
// Any other stream is torn down.
func (m *Multiplexer) Detach(streamID string, sink Sink) {
	st := m.lookup(streamID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sink != sink || st.state == StateClosed {
		return
	}
	if st.kind == KindRequest && len(st.pending) > 0 {
		st.sink = nil
		m.logger.Debug("Detached stream",
			logging.String("stream_id", st.id),
			logging.Int("pending", len(st.pending)))
		if err := sink.Close(); err != nil {
			m.logger.WithError(err).Debug("Closing sink failed", logging.String("stream_id", st.id))
		}
		return
	}
	m.teardownLocked(st, "disconnected")
}

// CloseSession tears down every stream of sessionID
func (m *Multiplexer) CloseSession(sessionID string) int {
	closed := 0
	for _, st := range m.snapshot() {
		if st.sessionID != sessionID {
			continue
		}
		st.mu.Lock()
		if st.state != StateClosed {
			m.teardownLocked(st, "session_closed")
			closed++
		}
		st.mu.Unlock()
	}
	return closed
}

func (m *Multiplexer) snapshot() []*stream {
	var all []*stream
	for i := range m.streams {
		sh := &m.streams[i]
		sh.mu.RLock()
		for _, st := range sh.streams {
			all = append(all, st)
		}
		sh.mu.RUnlock()
	}
	return all
}

// Stream returns a snapshot of an open stream
func (m *Multiplexer) Stream(streamID string) (StreamInfo, bool) {
	st := m.lookup(streamID)
	if st == nil {
		return StreamInfo{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return StreamInfo{
		ID:        st.id,
		SessionID: st.sessionID,
		Kind:      st.kind,
		State:     st.state,
		Pending:   len(st.pending),
		Attached:  st.sink != nil,
		CreatedAt: st.createdAt,
	}, true
}

// Len returns the number of open streams
func (m *Multiplexer) Len() int {
	n := 0
	for i := range m.streams {
		m.streams[i].mu.RLock()
		n += len(m.streams[i].streams)
		m.streams[i].mu.RUnlock()
	}
	return n
}

// Close tears down every stream, cancels in-flight handlers and waits for
// them to return or for ctx to expire.
func (m *Multiplexer) Close(ctx context.Context) error {
	m.closeMu.Lock()
	if m.closed {
		m.closeMu.Unlock()
		return nil
	}
	m.closed = true
	m.closeMu.Unlock()

	for _, st := range m.snapshot() {
		st.mu.Lock()
		m.teardownLocked(st, "shutdown")
		st.mu.Unlock()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for handlers: %w", ctx.Err())
	}
}
