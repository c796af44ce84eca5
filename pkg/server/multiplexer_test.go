package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/eventstore"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
	"github.com/ajitpratap0/streamrpc-go/pkg/session"
)

var errPeerGone = errors.New("peer gone")

type fakeSink struct {
	mu       sync.Mutex
	events   []eventstore.Event
	closed   bool
	rejected error
	failOn   int
	done     chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{done: make(chan struct{})}
}

func (s *fakeSink) WriteEvent(_ context.Context, event eventstore.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errPeerGone
	}
	if s.failOn > 0 && len(s.events)+1 >= s.failOn {
		return errPeerGone
	}
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *fakeSink) Reject(err error) {
	s.mu.Lock()
	s.rejected = err
	s.mu.Unlock()
}

func (s *fakeSink) Events() []eventstore.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]eventstore.Event(nil), s.events...)
}

func (s *fakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) Rejected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

func (s *fakeSink) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed")
	}
}

type muxFixture struct {
	mux      *Multiplexer
	router   *Router
	store    *eventstore.MemoryStore
	registry *session.MemoryRegistry
	session  string
}

func newMuxFixture(t *testing.T) *muxFixture {
	t.Helper()
	f := &muxFixture{
		router:   NewRouter(),
		store:    eventstore.NewMemoryStore(),
		registry: session.NewMemoryRegistry(),
	}
	sess, err := f.registry.Create(context.Background())
	require.NoError(t, err)
	f.session = sess.ID

	f.router.HandleFunc("ping", func(context.Context, json.RawMessage) (interface{}, error) {
		return "pong", nil
	})
	f.mux = NewMultiplexer(f.store, f.router, WithSessionRegistry(f.registry))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.mux.Close(ctx)
	})
	return f
}

func request(t *testing.T, id int64, method string, params interface{}) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewRequest(protocol.IntID(id), method, params)
	require.NoError(t, err)
	return msg
}

func notification(t *testing.T, method string, params interface{}) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewNotification(method, params)
	require.NoError(t, err)
	return msg
}

func decodeEvent(t *testing.T, event eventstore.Event) *protocol.Message {
	t.Helper()
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(event.Data, &msg))
	return &msg
}

func TestAcceptBatchRespondsOnStream(t *testing.T) {
	f := newMuxFixture(t)

	logged := make(chan string, 1)
	f.router.HandleNotificationFunc("log", func(_ context.Context, params json.RawMessage) error {
		logged <- string(params)
		return nil
	})

	sink := newFakeSink()
	streamID, err := f.mux.AcceptBatch(context.Background(), []*protocol.Message{
		request(t, 1, "ping", nil),
		notification(t, "log", map[string]string{"msg": "x"}),
	}, sink, f.session)
	require.NoError(t, err)
	require.NotEmpty(t, streamID)

	sink.waitClosed(t)
	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, streamID+":1", events[0].ID().String())

	resp := decodeEvent(t, events[0])
	assert.Equal(t, protocol.KindResponse, resp.Kind())
	assert.Equal(t, protocol.IntID(1), *resp.ID)
	assert.JSONEq(t, `"pong"`, string(resp.Result))

	select {
	case params := <-logged:
		assert.JSONEq(t, `{"msg":"x"}`, params)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not dispatched")
	}

	_, open := f.mux.Stream(streamID)
	assert.False(t, open)
	assert.Equal(t, 1, f.store.Len(streamID))
}

func TestAcceptBatchNotificationsOnly(t *testing.T) {
	f := newMuxFixture(t)

	got := make(chan struct{}, 2)
	f.router.HandleNotificationFunc("log", func(context.Context, json.RawMessage) error {
		got <- struct{}{}
		return nil
	})

	sink := newFakeSink()
	streamID, err := f.mux.AcceptBatch(context.Background(), []*protocol.Message{
		notification(t, "log", nil),
		notification(t, "log", nil),
	}, sink, f.session)
	require.NoError(t, err)
	assert.Empty(t, streamID)
	assert.Equal(t, 0, f.mux.Len())
	assert.Empty(t, sink.Events())

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("notification was not dispatched")
		}
	}
}

func TestAcceptBatchInvalidSession(t *testing.T) {
	f := newMuxFixture(t)

	sink := newFakeSink()
	streamID, err := f.mux.AcceptBatch(context.Background(), []*protocol.Message{
		request(t, 1, "ping", nil),
	}, sink, "session_unknown")
	require.Error(t, err)
	assert.Empty(t, streamID)
	assert.True(t, errors.Is(err, rpcerrors.ErrInvalidSession))
	assert.Equal(t, 401, rpcerrors.HTTPStatus(err))
	assert.True(t, errors.Is(sink.Rejected(), rpcerrors.ErrInvalidSession))
	assert.Equal(t, 0, f.mux.Len())
}

func TestAcceptBatchInvalidRequestGetsErrorResponse(t *testing.T) {
	f := newMuxFixture(t)

	bad := request(t, 7, "ping", nil)
	bad.JSONRPC = "1.0"

	sink := newFakeSink()
	_, err := f.mux.AcceptBatch(context.Background(), []*protocol.Message{bad}, sink, f.session)
	require.NoError(t, err)
	sink.waitClosed(t)

	events := sink.Events()
	require.Len(t, events, 1)
	resp := decodeEvent(t, events[0])
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidRequest, resp.Error.Code)
}

func TestAcceptBatchDropsDuplicateIDs(t *testing.T) {
	f := newMuxFixture(t)

	sink := newFakeSink()
	_, err := f.mux.AcceptBatch(context.Background(), []*protocol.Message{
		request(t, 1, "ping", nil),
		request(t, 1, "ping", nil),
	}, sink, f.session)
	require.NoError(t, err)
	sink.waitClosed(t)
	assert.Len(t, sink.Events(), 1)
}

func TestHandlerNotificationsPrecedeResponse(t *testing.T) {
	f := newMuxFixture(t)
	f.router.HandleFunc("work", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		n, ok := NotifierFromContext(ctx)
		if !ok {
			return nil, errors.New("no notifier")
		}
		for i := 1; i <= 3; i++ {
			if err := n.Notify(ctx, "progress", map[string]int{"step": i}); err != nil {
				return nil, err
			}
		}
		return "done", nil
	})

	sink := newFakeSink()
	streamID, err := f.mux.AcceptBatch(context.Background(), []*protocol.Message{
		request(t, 1, "work", nil),
	}, sink, f.session)
	require.NoError(t, err)
	sink.waitClosed(t)

	events := sink.Events()
	require.Len(t, events, 4)
	for i, event := range events {
		assert.Equal(t, fmt.Sprintf("%s:%d", streamID, i+1), event.ID().String())
	}
	for _, event := range events[:3] {
		assert.Equal(t, protocol.KindNotification, decodeEvent(t, event).Kind())
	}
	assert.Equal(t, protocol.KindResponse, decodeEvent(t, events[3]).Kind())
}

// blockingMethod registers a method whose handlers wait for release
func blockingMethod(f *muxFixture, method string) (release func()) {
	gate := make(chan struct{})
	f.router.HandleFunc(method, func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		select {
		case <-gate:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func TestPublishUnmatchedResponse(t *testing.T) {
	f := newMuxFixture(t)
	release := blockingMethod(f, "wait")
	defer release()

	sink := newFakeSink()
	streamID, err := f.mux.AcceptBatch(context.Background(), []*protocol.Message{
		request(t, 1, "wait", nil),
	}, sink, f.session)
	require.NoError(t, err)

	resp, err := protocol.NewResponse(protocol.IntID(99), "stray")
	require.NoError(t, err)
	err = f.mux.Publish(context.Background(), Target{StreamID: streamID}, resp)
	assert.True(t, rpcerrors.IsCode(err, rpcerrors.CodeUnmatchedResponse))
	assert.Equal(t, 0, f.store.Len(streamID))
	assert.Empty(t, sink.Events())

	info, ok := f.mux.Stream(streamID)
	require.True(t, ok)
	assert.Equal(t, 1, info.Pending)
}

func TestPublishByRelatedRequest(t *testing.T) {
	f := newMuxFixture(t)
	release := blockingMethod(f, "wait")
	defer release()

	sink := newFakeSink()
	streamID, err := f.mux.AcceptBatch(context.Background(), []*protocol.Message{
		request(t, 5, "wait", nil),
	}, sink, f.session)
	require.NoError(t, err)

	related := protocol.IntID(5)
	err = f.mux.Publish(context.Background(), Target{SessionID: f.session, RelatedRequestID: &related},
		notification(t, "progress", nil))
	require.NoError(t, err)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, streamID, events[0].StreamID)
}

func TestPublishStreamGone(t *testing.T) {
	f := newMuxFixture(t)

	err := f.mux.Publish(context.Background(), Target{StreamID: "missing"}, notification(t, "late", nil))
	assert.True(t, errors.Is(err, rpcerrors.ErrStreamGone))

	unknown := protocol.StringID("nobody")
	err = f.mux.Publish(context.Background(), Target{SessionID: f.session, RelatedRequestID: &unknown}, notification(t, "late", nil))
	assert.True(t, errors.Is(err, rpcerrors.ErrStreamGone))
}

func TestWriteFailureTearsDownStreamKeepsEvents(t *testing.T) {
	f := newMuxFixture(t)

	sink := newFakeSink()
	sink.failOn = 1
	streamID, err := f.mux.AcceptBatch(context.Background(), []*protocol.Message{
		request(t, 1, "ping", nil),
	}, sink, f.session)
	require.NoError(t, err)

	sink.waitClosed(t)
	assert.Empty(t, sink.Events())
	_, open := f.mux.Stream(streamID)
	assert.False(t, open)
	assert.Equal(t, 1, f.store.Len(streamID))

	// The undelivered response is still available to a resuming peer
	var replayed []eventstore.Event
	_, err = f.store.ReplayAfter(context.Background(), streamID+":0", func(_ context.Context, e eventstore.Event) error {
		replayed = append(replayed, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 1)
}

func TestBroadcastReachesEveryOpenStream(t *testing.T) {
	f := newMuxFixture(t)
	release := blockingMethod(f, "wait")
	defer release()

	listener := newFakeSink()
	_, err := f.mux.OpenListener(context.Background(), listener, f.session)
	require.NoError(t, err)

	requestSink := newFakeSink()
	_, err = f.mux.AcceptBatch(context.Background(), []*protocol.Message{
		request(t, 1, "wait", nil),
	}, requestSink, f.session)
	require.NoError(t, err)

	delivered, err := f.mux.Broadcast(context.Background(), notification(t, "changed", nil))
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Len(t, listener.Events(), 1)
	assert.Len(t, requestSink.Events(), 1)
	assert.Equal(t, uint64(1), listener.Events()[0].Sequence)

	resp, err := protocol.NewResponse(protocol.IntID(1), nil)
	require.NoError(t, err)
	_, err = f.mux.Broadcast(context.Background(), resp)
	assert.Error(t, err)
}

func TestConcurrentPublishKeepsSequenceOrder(t *testing.T) {
	f := newMuxFixture(t)

	sink := newFakeSink()
	streamID, err := f.mux.OpenListener(context.Background(), sink, f.session)
	require.NoError(t, err)

	const publishers = 50
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.mux.Publish(context.Background(), Target{StreamID: streamID}, notification(t, "tick", i)))
		}(i)
	}
	wg.Wait()

	events := sink.Events()
	require.Len(t, events, publishers)
	for i, event := range events {
		assert.Equal(t, uint64(i+1), event.Sequence)
	}
}

func TestResumeReattachesLiveStream(t *testing.T) {
	f := newMuxFixture(t)
	ctx := context.Background()

	first := newFakeSink()
	streamID, err := f.mux.OpenListener(ctx, first, f.session)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.mux.Publish(ctx, Target{StreamID: streamID}, notification(t, "tick", i)))
	}

	second := newFakeSink()
	resumed, err := f.mux.Resume(ctx, streamID+":1", second, f.session)
	require.NoError(t, err)
	assert.Equal(t, streamID, resumed)
	assert.True(t, first.Closed())

	require.NoError(t, f.mux.Publish(ctx, Target{StreamID: streamID}, notification(t, "tick", 3)))

	var seqs []uint64
	for _, e := range second.Events() {
		seqs = append(seqs, e.Sequence)
	}
	assert.Equal(t, []uint64{2, 3, 4}, seqs)
}

func TestResumeCompletedStreamReplaysAsListener(t *testing.T) {
	f := newMuxFixture(t)
	ctx := context.Background()
	f.router.HandleFunc("work", func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
		n, _ := NotifierFromContext(ctx)
		if err := n.Notify(ctx, "progress", nil); err != nil {
			return nil, err
		}
		return "done", nil
	})

	first := newFakeSink()
	streamID, err := f.mux.AcceptBatch(ctx, []*protocol.Message{request(t, 1, "work", nil)}, first, f.session)
	require.NoError(t, err)
	first.waitClosed(t)

	second := newFakeSink()
	resumed, err := f.mux.Resume(ctx, streamID+":1", second, f.session)
	require.NoError(t, err)
	assert.Equal(t, streamID, resumed)

	events := second.Events()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Sequence)
	assert.Equal(t, protocol.KindResponse, decodeEvent(t, events[0]).Kind())

	info, ok := f.mux.Stream(streamID)
	require.True(t, ok)
	assert.Equal(t, KindListener, info.Kind)

	// Numbering continues on the reopened stream
	require.NoError(t, f.mux.Publish(ctx, Target{StreamID: streamID}, notification(t, "later", nil)))
	events = second.Events()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(3), events[1].Sequence)
}

func TestResumeUnknownEvent(t *testing.T) {
	f := newMuxFixture(t)

	for _, id := range []string{"nope:3", "garbage"} {
		sink := newFakeSink()
		_, err := f.mux.Resume(context.Background(), id, sink, f.session)
		require.Error(t, err, id)
		assert.True(t, errors.Is(err, rpcerrors.ErrUnknownEvent), id)
		assert.Equal(t, 400, rpcerrors.HTTPStatus(err))
		assert.True(t, errors.Is(sink.Rejected(), rpcerrors.ErrUnknownEvent))
	}
	assert.Equal(t, 0, f.mux.Len())
}

func TestResumeFromAnotherSession(t *testing.T) {
	f := newMuxFixture(t)
	ctx := context.Background()

	streamID, err := f.mux.OpenListener(ctx, newFakeSink(), f.session)
	require.NoError(t, err)
	require.NoError(t, f.mux.Publish(ctx, Target{StreamID: streamID}, notification(t, "tick", nil)))

	other, err := f.registry.Create(ctx)
	require.NoError(t, err)
	sink := newFakeSink()
	_, err = f.mux.Resume(ctx, streamID+":1", sink, other.ID)
	assert.True(t, errors.Is(err, rpcerrors.ErrInvalidSession))
}

func TestResumeEmptyIDOpensListener(t *testing.T) {
	f := newMuxFixture(t)

	streamID, err := f.mux.Resume(context.Background(), "", newFakeSink(), f.session)
	require.NoError(t, err)
	info, ok := f.mux.Stream(streamID)
	require.True(t, ok)
	assert.Equal(t, KindListener, info.Kind)
}

func TestDetachKeepsPendingRequestStream(t *testing.T) {
	f := newMuxFixture(t)
	ctx := context.Background()
	release := blockingMethod(f, "wait")

	first := newFakeSink()
	streamID, err := f.mux.AcceptBatch(ctx, []*protocol.Message{request(t, 1, "wait", nil)}, first, f.session)
	require.NoError(t, err)

	f.mux.Detach(streamID, first)
	assert.True(t, first.Closed())
	info, ok := f.mux.Stream(streamID)
	require.True(t, ok)
	assert.False(t, info.Attached)

	release()
	require.Eventually(t, func() bool {
		_, open := f.mux.Stream(streamID)
		return !open
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.store.Len(streamID))
}

func TestDetachIgnoresSupersededSink(t *testing.T) {
	f := newMuxFixture(t)
	ctx := context.Background()

	first := newFakeSink()
	streamID, err := f.mux.OpenListener(ctx, first, f.session)
	require.NoError(t, err)
	require.NoError(t, f.mux.Publish(ctx, Target{StreamID: streamID}, notification(t, "tick", nil)))

	second := newFakeSink()
	_, err = f.mux.Resume(ctx, streamID+":1", second, f.session)
	require.NoError(t, err)

	f.mux.Detach(streamID, first)
	_, open := f.mux.Stream(streamID)
	assert.True(t, open)

	f.mux.Detach(streamID, second)
	_, open = f.mux.Stream(streamID)
	assert.False(t, open)
}

func TestCloseSessionClosesItsStreams(t *testing.T) {
	f := newMuxFixture(t)
	ctx := context.Background()

	other, err := f.registry.Create(ctx)
	require.NoError(t, err)

	mine := newFakeSink()
	_, err = f.mux.OpenListener(ctx, mine, f.session)
	require.NoError(t, err)
	theirs := newFakeSink()
	_, err = f.mux.OpenListener(ctx, theirs, other.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, f.mux.CloseSession(f.session))
	assert.True(t, mine.Closed())
	assert.False(t, theirs.Closed())
	assert.Equal(t, 1, f.mux.Len())
}

func TestCloseCancelsHandlers(t *testing.T) {
	f := newMuxFixture(t)
	ctx := context.Background()
	blockingMethod(f, "wait")

	sink := newFakeSink()
	_, err := f.mux.AcceptBatch(ctx, []*protocol.Message{request(t, 1, "wait", nil)}, sink, f.session)
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.mux.Close(closeCtx))
	assert.True(t, sink.Closed())
	assert.Equal(t, 0, f.mux.Len())

	_, err = f.mux.AcceptBatch(ctx, []*protocol.Message{request(t, 2, "ping", nil)}, newFakeSink(), f.session)
	assert.ErrorIs(t, err, ErrMultiplexerClosed)
}

func TestResumeClosedStreamChecksOwner(t *testing.T) {
	f := newMuxFixture(t)
	ctx := context.Background()

	first := newFakeSink()
	streamID, err := f.mux.AcceptBatch(ctx, []*protocol.Message{request(t, 1, "ping", nil)}, first, f.session)
	require.NoError(t, err)
	first.waitClosed(t)
	_, open := f.mux.Stream(streamID)
	require.False(t, open)

	other, err := f.registry.Create(ctx)
	require.NoError(t, err)

	for name, sessionID := range map[string]string{"other session": other.ID, "no session": ""} {
		sink := newFakeSink()
		_, err := f.mux.Resume(ctx, streamID+":0", sink, sessionID)
		assert.True(t, errors.Is(err, rpcerrors.ErrInvalidSession), name)
		assert.True(t, errors.Is(sink.Rejected(), rpcerrors.ErrInvalidSession), name)
		assert.Empty(t, sink.Events(), name)
	}
	_, open = f.mux.Stream(streamID)
	assert.False(t, open, "a rejected resume must not reopen the stream")

	owner := newFakeSink()
	_, err = f.mux.Resume(ctx, streamID+":0", owner, f.session)
	require.NoError(t, err)
	assert.Len(t, owner.Events(), 1)
}

func TestResumeAfterOwnerForgotten(t *testing.T) {
	f := newMuxFixture(t)
	ctx := context.Background()

	first := newFakeSink()
	streamID, err := f.mux.AcceptBatch(ctx, []*protocol.Message{request(t, 1, "ping", nil)}, first, f.session)
	require.NoError(t, err)
	first.waitClosed(t)

	assert.Equal(t, 0, f.mux.ForgetClosed(time.Now().Add(-time.Hour)), "recently closed streams are kept")
	assert.Equal(t, 1, f.mux.ForgetClosed(time.Now().Add(time.Second)))

	sink := newFakeSink()
	_, err = f.mux.Resume(ctx, streamID+":0", sink, f.session)
	assert.True(t, errors.Is(err, rpcerrors.ErrUnknownEvent))
}

func TestCloseWhileAccepting(t *testing.T) {
	f := newMuxFixture(t)
	f.router.HandleNotificationFunc("log", func(context.Context, json.RawMessage) error { return nil })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				batch := []*protocol.Message{
					request(t, int64(i*1000+j), "ping", nil),
					notification(t, "log", nil),
				}
				if _, err := f.mux.AcceptBatch(context.Background(), batch, newFakeSink(), f.session); err != nil {
					assert.ErrorIs(t, err, ErrMultiplexerClosed)
					return
				}
			}
		}(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.mux.Close(ctx))
	wg.Wait()
	assert.Equal(t, 0, f.mux.Len())
}
