package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrWriterClosed is returned by Writer after Close
var ErrWriterClosed = errors.New("sse writer closed")

// Writer frames Server-Sent Events onto an io.Writer. All methods are safe
// for concurrent use; each event is written and flushed atomically.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewWriter creates a Writer. If w implements http.Flusher every event is
// flushed as soon as it is written.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// WriteEvent writes one event. Newlines in data are split across several
// data fields so the frame stays well formed.
func (w *Writer) WriteEvent(eventType, id string, data []byte) error {
	var buf bytes.Buffer
	if eventType != "" {
		buf.WriteString("event: ")
		buf.WriteString(eventType)
		buf.WriteByte('\n')
	}
	if id != "" {
		if strings.ContainsAny(id, "\r\n") {
			return fmt.Errorf("sse event id contains a newline: %q", id)
		}
		buf.WriteString("id: ")
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n")), []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	return w.write(buf.Bytes())
}

// WriteComment writes a comment line, used as a heartbeat
func (w *Writer) WriteComment(comment string) error {
	return w.write([]byte(": " + strings.ReplaceAll(comment, "\n", " ") + "\n\n"))
}

// Heartbeat writes a ": ping" comment
func (w *Writer) Heartbeat() error {
	return w.WriteComment("ping")
}

// Flush pushes buffered output to the peer
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flusher != nil && !w.closed {
		w.flusher.Flush()
	}
}

// Close marks the writer closed; later writes fail with ErrWriterClosed.
// The underlying writer is left open.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *Writer) write(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Event is one parsed Server-Sent Event
type Event struct {
	Type  string
	ID    string
	Data  []byte
	Retry time.Duration
}

// Reader parses Server-Sent Events from a stream
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a Reader over r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4096)}
}

// Next returns the next event carrying data. Comment lines are skipped and
// events without data fields are ignored. It returns io.EOF when the stream
// ends cleanly between events and io.ErrUnexpectedEOF when it ends mid-event.
func (r *Reader) Next() (Event, error) {
	var (
		event   Event
		data    []string
		hasData bool
		started bool
	)

	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if started || line != "" {
					return Event{}, io.ErrUnexpectedEOF
				}
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if hasData {
				event.Data = []byte(strings.Join(data, "\n"))
				return event, nil
			}
			event, data, started = Event{}, nil, false
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		started = true
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			event.ID = value
		case "event":
			event.Type = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				event.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}
