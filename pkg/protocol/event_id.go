package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedEventID is returned when an event id does not have the
// <streamID>:<sequence> shape.
var ErrMalformedEventID = errors.New("malformed event id")

// EventID identifies one event on one stream. Its string form,
// "<streamID>:<sequence>", travels as the SSE id field and comes back as the
// Last-Event-ID header on resumption.
type EventID struct {
	StreamID string
	Sequence uint64
}

// String encodes the event id for the wire
func (e EventID) String() string {
	return e.StreamID + ":" + strconv.FormatUint(e.Sequence, 10)
}

// IsZero reports whether the event id is unset
func (e EventID) IsZero() bool {
	return e.StreamID == "" && e.Sequence == 0
}

// ParseEventID decodes "<streamID>:<sequence>". The sequence is taken after the
// last colon so stream ids may themselves contain colons.
func ParseEventID(s string) (EventID, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return EventID{}, fmt.Errorf("%w: %q", ErrMalformedEventID, s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return EventID{}, fmt.Errorf("%w: %q", ErrMalformedEventID, s)
	}
	return EventID{StreamID: s[:i], Sequence: seq}, nil
}
