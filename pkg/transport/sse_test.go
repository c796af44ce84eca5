package transport

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterFramesEvent(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteEvent(EventTypeMessage, "abc:1", []byte(`{"jsonrpc":"2.0","method":"log"}`)))

	assert.Equal(t, "event: message\nid: abc:1\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"log\"}\n\n", buf.String())
}

func TestWriterSplitsMultilineData(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteEvent("", "", []byte("a\nb\r\nc")))
	assert.Equal(t, "data: a\ndata: b\ndata: c\n\n", buf.String())
}

func TestWriterRejectsNewlineInID(t *testing.T) {
	w := NewWriter(io.Discard)
	assert.Error(t, w.WriteEvent(EventTypeMessage, "a\nb", []byte("{}")))
}

func TestWriterHeartbeatAndFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	require.NoError(t, w.Heartbeat())
	assert.Equal(t, ": ping\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestWriterClosed(t *testing.T) {
	w := NewWriter(io.Discard)
	require.NoError(t, w.Close())

	err := w.WriteEvent(EventTypeMessage, "s:1", []byte("{}"))
	assert.True(t, errors.Is(err, ErrWriterClosed))
}

func TestWriterConcurrentEventsStayWhole(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.WriteEvent(EventTypeMessage, "s:1", []byte(`{"x":1}`))
		}()
	}
	wg.Wait()

	r := NewReader(&buf)
	count := 0
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, `{"x":1}`, string(ev.Data))
		count++
	}
	assert.Equal(t, 20, count)
}

func TestReaderParsesEvents(t *testing.T) {
	stream := ": ping\n\n" +
		"event: message\nid: abc:1\ndata: {\"a\":1}\n\n" +
		"retry: 1500\nid: abc:2\ndata:line1\ndata: line2\r\n\r\n" +
		"id: lone\n\n" +
		"data: last\n\n"

	r := NewReader(strings.NewReader(stream))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Event{Type: "message", ID: "abc:1", Data: []byte(`{"a":1}`)}, ev)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "abc:2", ev.ID)
	assert.Equal(t, "line1\nline2", string(ev.Data))
	assert.Equal(t, 1500*time.Millisecond, ev.Retry)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "", ev.ID)
	assert.Equal(t, "last", string(ev.Data))

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReaderTruncatedEvent(t *testing.T) {
	r := NewReader(strings.NewReader("id: abc:1\ndata: {}\n"))

	_, err := r.Next()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Heartbeat())
	require.NoError(t, w.WriteEvent(EventTypeMessage, "s1:7", []byte("{\n\"k\": \"v\"\n}")))

	ev, err := NewReader(&buf).Next()
	require.NoError(t, err)
	assert.Equal(t, "s1:7", ev.ID)
	assert.Equal(t, EventTypeMessage, ev.Type)
	assert.Equal(t, "{\n\"k\": \"v\"\n}", string(ev.Data))
}
