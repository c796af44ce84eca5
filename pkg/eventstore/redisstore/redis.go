// Package redisstore implements eventstore.Store on Redis Streams so event
// retention survives a server restart and can be shared by several
// processes.
//
// Layout, for a stream id S and key prefix P:
//
//	P{S}:seq     INCR counter holding the last assigned sequence
//	P{S}:events  Redis Stream; entry id "<seq>-0", fields d (payload) and ts (unix ms)
//	Pindex       sorted set of stream ids scored by last append time
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/eventstore"
	"github.com/ajitpratap0/streamrpc-go/pkg/protocol"
)

const replayPageSize = 128

var errEventPruned = errors.New("event is not retained")

// Config for the Redis-backed store
type Config struct {
	// Client is used as is when set
	Client *redis.Client
	// Addr like "localhost:6379", used when Client is nil. ENV: STREAMRPC_REDIS_ADDR
	Addr     string `env:"STREAMRPC_REDIS_ADDR,default=localhost:6379"`
	Password string `env:"STREAMRPC_REDIS_PASSWORD"`
	DB       int    `env:"STREAMRPC_REDIS_DB"`
	// KeyPrefix for all keys. ENV: STREAMRPC_REDIS_KEY_PREFIX
	KeyPrefix string `env:"STREAMRPC_REDIS_KEY_PREFIX,default=streamrpc:"`
}

// Store is a Redis-backed eventstore.Store
type Store struct {
	client    *redis.Client
	ownClient bool
	prefix    string
	now       func() time.Time
}

// New connects to Redis and returns a Store
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	own := false
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
		own = true
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		if own {
			_ = client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "streamrpc:"
	}
	return &Store{client: client, ownClient: own, prefix: prefix + "events:", now: time.Now}, nil
}

// Close closes the Redis client if the store created it
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) seqKey(streamID string) string    { return s.prefix + "{" + streamID + "}:seq" }
func (s *Store) eventsKey(streamID string) string { return s.prefix + "{" + streamID + "}:events" }
func (s *Store) indexKey() string                 { return s.prefix + "index" }

// appendScript assigns the next sequence and stores the event atomically
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('XADD', KEYS[2], seq .. '-0', 'd', ARGV[1], 'ts', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return seq
`)

// Append implements eventstore.Store
func (s *Store) Append(ctx context.Context, streamID string, data json.RawMessage) (uint64, error) {
	if streamID == "" {
		return 0, rpcerrors.StoreError("append", errors.New("empty stream id"))
	}

	keys := []string{s.seqKey(streamID), s.eventsKey(streamID), s.indexKey()}
	seq, err := appendScript.Run(ctx, s.client, keys, []byte(data), s.now().UnixMilli(), streamID).Int64()
	if err != nil {
		return 0, rpcerrors.StoreError("append", err)
	}
	return uint64(seq), nil
}

// ReplayAfter implements eventstore.Store
func (s *Store) ReplayAfter(ctx context.Context, lastEventID string, sink eventstore.Sink) (string, error) {
	if lastEventID == "" {
		return "", nil
	}

	id, err := protocol.ParseEventID(lastEventID)
	if err != nil {
		return "", rpcerrors.UnknownEvent(lastEventID, err)
	}

	// The counter value at replay start bounds the snapshot
	last, err := s.client.Get(ctx, s.seqKey(id.StreamID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return "", rpcerrors.UnknownEvent(lastEventID, errEventPruned)
	}
	if err != nil {
		return "", rpcerrors.StoreError("replay", err)
	}
	if id.Sequence > last {
		return "", rpcerrors.UnknownEvent(lastEventID, errEventPruned)
	}

	key := s.eventsKey(id.StreamID)
	if err := s.checkRetained(ctx, key, id.Sequence); err != nil {
		if errors.Is(err, errEventPruned) {
			return "", rpcerrors.UnknownEvent(lastEventID, err)
		}
		return "", rpcerrors.StoreError("replay", err)
	}

	next := id.Sequence + 1
	for next <= last {
		page, err := s.client.XRangeN(ctx, key, entryID(next), entryID(last), replayPageSize).Result()
		if err != nil {
			return id.StreamID, rpcerrors.StoreError("replay", err)
		}
		if len(page) == 0 {
			break
		}
		for _, entry := range page {
			event, err := decodeEntry(id.StreamID, entry)
			if err != nil {
				return id.StreamID, rpcerrors.StoreError("replay", err)
			}
			if err := sink(ctx, event); err != nil {
				return id.StreamID, err
			}
			next = event.Sequence + 1
		}
	}
	return id.StreamID, nil
}

// checkRetained verifies that the event named by seq is still stored. Seq 0
// asks for the whole stream, which needs the first event.
func (s *Store) checkRetained(ctx context.Context, key string, seq uint64) error {
	if seq == 0 {
		seq = 1
	}
	hit, err := s.client.XRangeN(ctx, key, entryID(seq), entryID(seq), 1).Result()
	if err != nil {
		return err
	}
	if len(hit) == 0 {
		return errEventPruned
	}
	return nil
}

// Prune implements eventstore.Store
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixMilli()
	removed := 0

	// Streams whose last append predates the cutoff are dropped entirely
	stale, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, rpcerrors.StoreError("prune", err)
	}
	for _, streamID := range stale {
		n, err := s.client.XLen(ctx, s.eventsKey(streamID)).Result()
		if err != nil {
			return removed, rpcerrors.StoreError("prune", err)
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.eventsKey(streamID), s.seqKey(streamID))
		pipe.ZRem(ctx, s.indexKey(), streamID)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, rpcerrors.StoreError("prune", err)
		}
		removed += int(n)
	}

	// Remaining streams lose only their old head
	live, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return removed, rpcerrors.StoreError("prune", err)
	}
	for _, streamID := range live {
		n, err := s.pruneHead(ctx, s.eventsKey(streamID), cutoff)
		if err != nil {
			return removed, rpcerrors.StoreError("prune", err)
		}
		removed += n
	}
	return removed, nil
}

func (s *Store) pruneHead(ctx context.Context, key string, cutoff int64) (int, error) {
	start := "-"
	var keepFrom string
	count := 0
	for keepFrom == "" {
		page, err := s.client.XRangeN(ctx, key, start, "+", replayPageSize).Result()
		if err != nil {
			return 0, err
		}
		if len(page) == 0 {
			break
		}
		for _, entry := range page {
			ts, err := entryTimestamp(entry)
			if err != nil {
				return 0, err
			}
			if ts >= cutoff {
				keepFrom = entry.ID
				break
			}
			count++
		}
		if keepFrom == "" {
			seq, err := parseEntryID(page[len(page)-1].ID)
			if err != nil {
				return 0, err
			}
			start = entryID(seq + 1)
		}
	}
	if count == 0 || keepFrom == "" {
		return 0, nil
	}
	if err := s.client.XTrimMinID(ctx, key, keepFrom).Err(); err != nil {
		return 0, err
	}
	return count, nil
}

func entryID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-0"
}

func parseEntryID(id string) (uint64, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("unexpected stream entry id %q", id)
	}
	return strconv.ParseUint(ms, 10, 64)
}

func entryTimestamp(entry redis.XMessage) (int64, error) {
	switch v := entry.Values["ts"].(type) {
	case string:
		return strconv.ParseInt(v, 10, 64)
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("entry %s has no timestamp", entry.ID)
	}
}

func decodeEntry(streamID string, entry redis.XMessage) (eventstore.Event, error) {
	seq, err := parseEntryID(entry.ID)
	if err != nil {
		return eventstore.Event{}, err
	}
	ts, err := entryTimestamp(entry)
	if err != nil {
		return eventstore.Event{}, err
	}

	var payload []byte
	switch v := entry.Values["d"].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return eventstore.Event{}, fmt.Errorf("entry %s has no payload", entry.ID)
	}

	return eventstore.Event{
		StreamID: streamID,
		Sequence: seq,
		Data:     json.RawMessage(payload),
		StoredAt: time.UnixMilli(ts),
	}, nil
}

var _ eventstore.Store = (*Store)(nil)
