package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
)

const shardCount = 32

var errEventPruned = errors.New("event is not retained")
var errUnknownStream = errors.New("stream is not retained")

// MemoryStore is an in-process Store. Streams are spread over shards by
// xxhash of the stream id; each stream has its own lock, so the shard lock is
// only held while looking a stream up.
type MemoryStore struct {
	shards [shardCount]memoryShard
	now    func() time.Time
}

type memoryShard struct {
	mu   sync.RWMutex
	logs map[string]*streamLog
}

type streamLog struct {
	mu         sync.Mutex
	last       uint64
	lastAppend time.Time
	events     []Event
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock sets the clock used to stamp events
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].logs = make(map[string]*streamLog)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) shard(streamID string) *memoryShard {
	return &s.shards[xxhash.Sum64String(streamID)%shardCount]
}

func (s *MemoryStore) lookup(streamID string, create bool) *streamLog {
	sh := s.shard(streamID)

	sh.mu.RLock()
	log, ok := sh.logs[streamID]
	sh.mu.RUnlock()
	if ok || !create {
		return log
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if log, ok = sh.logs[streamID]; !ok {
		log = &streamLog{}
		sh.logs[streamID] = log
	}
	return log
}

// Append implements Store
func (s *MemoryStore) Append(ctx context.Context, streamID string, data json.RawMessage) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if streamID == "" {
		return 0, rpcerrors.StoreError("append", errors.New("empty stream id"))
	}

	log := s.lookup(streamID, true)

	log.mu.Lock()
	defer log.mu.Unlock()

	log.last++
	now := s.now()
	log.lastAppend = now
	log.events = append(log.events, Event{
		StreamID: streamID,
		Sequence: log.last,
		Data:     append(json.RawMessage(nil), data...),
		StoredAt: now,
	})
	return log.last, nil
}

// ReplayAfter implements Store
func (s *MemoryStore) ReplayAfter(ctx context.Context, lastEventID string, sink Sink) (string, error) {
	if lastEventID == "" {
		return "", nil
	}

	id, err := protocol.ParseEventID(lastEventID)
	if err != nil {
		return "", rpcerrors.UnknownEvent(lastEventID, err)
	}

	log := s.lookup(id.StreamID, false)
	if log == nil {
		return "", rpcerrors.UnknownEvent(lastEventID, errUnknownStream)
	}

	backlog, err := log.after(id.Sequence)
	if err != nil {
		return "", rpcerrors.UnknownEvent(lastEventID, err)
	}

	for _, event := range backlog {
		if err := ctx.Err(); err != nil {
			return id.StreamID, err
		}
		if err := sink(ctx, event); err != nil {
			return id.StreamID, err
		}
	}
	return id.StreamID, nil
}

// after snapshots the events following seq. The event named by seq must
// still be retained, or seq must be 0 with the head of the stream retained.
// Appends that land while the snapshot is being delivered are not part of it.
func (l *streamLog) after(seq uint64) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq > l.last || len(l.events) == 0 {
		return nil, errEventPruned
	}

	var idx int
	if seq == 0 {
		if l.events[0].Sequence != 1 {
			return nil, errEventPruned
		}
	} else {
		if seq < l.events[0].Sequence {
			return nil, errEventPruned
		}
		idx = sort.Search(len(l.events), func(i int) bool {
			return l.events[i].Sequence > seq
		})
	}

	return l.events[idx:len(l.events):len(l.events)], nil
}

// Prune implements Store
func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		removed += s.shards[i].prune(olderThan)
	}
	return removed, nil
}

func (sh *memoryShard) prune(olderThan time.Time) int {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	removed := 0
	for streamID, log := range sh.logs {
		log.mu.Lock()
		idx := sort.Search(len(log.events), func(i int) bool {
			return !log.events[i].StoredAt.Before(olderThan)
		})
		if idx > 0 {
			removed += idx
			log.events = append([]Event(nil), log.events[idx:]...)
		}
		drop := len(log.events) == 0 && log.lastAppend.Before(olderThan)
		log.mu.Unlock()

		if drop {
			delete(sh.logs, streamID)
		}
	}
	return removed
}

// Len returns the number of retained events of a stream
func (s *MemoryStore) Len(streamID string) int {
	log := s.lookup(streamID, false)
	if log == nil {
		return 0
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	return len(log.events)
}

var _ Store = (*MemoryStore)(nil)
