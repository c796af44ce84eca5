// Package eventstore persists every message written to a stream so a
// reconnecting client can resume from the last event it saw.
//
// Events are numbered per stream starting at 1 with no gaps. The externally
// visible event id is "<streamID>:<sequence>" (see protocol.EventID), so a
// replay can locate the stream from the id alone.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
)

// Event is an immutable, sequence-numbered record of one message on a stream
type Event struct {
	StreamID string
	Sequence uint64
	Data     json.RawMessage
	StoredAt time.Time
}

// ID returns the resumption token of the event
func (e Event) ID() protocol.EventID {
	return protocol.EventID{StreamID: e.StreamID, Sequence: e.Sequence}
}

// Sink receives replayed events in ascending sequence order. Returning an
// error stops the replay.
type Sink func(ctx context.Context, event Event) error

// Store is the event log used for resumption.
//
// Append must be safe for concurrent use. Appends to different streams never
// block each other; appends to one stream are strictly ordered.
//
// ReplayAfter delivers every event of the named stream with a sequence
// strictly greater than the one in lastEventID, as of the moment the replay
// started, and returns the stream id. An empty lastEventID is a fresh start:
// nothing is replayed and no error is returned. If the event cannot be
// located (malformed, unknown stream or pruned) the error matches
// errors.ErrUnknownEvent.
//
// Prune deletes every event stored before olderThan, and the index of any
// stream left without events, returning the number of events deleted.
type Store interface {
	Append(ctx context.Context, streamID string, data json.RawMessage) (uint64, error)
	ReplayAfter(ctx context.Context, lastEventID string, sink Sink) (string, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}
