package redisstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/eventstore"
	"github.com/ajitpratap0/streamrpc-go/pkg/eventstore/eventstoretest"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   2, // Use separate DB for event store tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(ctx)
		_ = client.Close()
	})
	return client
}

func newTestStore(t *testing.T, client *redis.Client) *Store {
	s, err := New(Config{Client: client, KeyPrefix: "test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	return s
}

func TestRedisStoreConformance(t *testing.T) {
	client := testClient(t)
	eventstoretest.Run(t, func(t *testing.T) eventstore.Store {
		return newTestStore(t, client)
	})
}

func TestRedisStorePartialPrune(t *testing.T) {
	client := testClient(t)
	s := newTestStore(t, client)
	ctx := context.Background()

	now := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "abc", []byte(`{}`))
		require.NoError(t, err)
		now = now.Add(time.Minute)
	}

	removed, err := s.Prune(ctx, time.UnixMilli(1_700_000_000_000).Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	_, err = s.ReplayAfter(ctx, "abc:2", func(context.Context, eventstore.Event) error { return nil })
	assert.True(t, errors.Is(err, rpcerrors.ErrUnknownEvent))

	_, err = s.ReplayAfter(ctx, "abc:3", func(context.Context, eventstore.Event) error { return nil })
	assert.True(t, errors.Is(err, rpcerrors.ErrUnknownEvent), "the named event must be retained even when its successor is")

	var got []uint64
	_, err = s.ReplayAfter(ctx, "abc:4", func(_ context.Context, e eventstore.Event) error {
		got = append(got, e.Sequence)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, got)

	seq, err := s.Append(ctx, "abc", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}

func TestEntryIDs(t *testing.T) {
	assert.Equal(t, "42-0", entryID(42))

	seq, err := parseEntryID("42-0")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)

	_, err = parseEntryID("garbage")
	assert.Error(t, err)
}
