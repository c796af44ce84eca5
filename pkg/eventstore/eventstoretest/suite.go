// Package eventstoretest provides a conformance suite for eventstore.Store
// implementations.
package eventstoretest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
	"github.com/ajitpratap0/streamrpc-go/pkg/eventstore"
)

// Factory returns a fresh, empty store for one subtest
type Factory func(t *testing.T) eventstore.Store

// Run runs every conformance test against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("SequencesStartAtOne", func(t *testing.T) { testSequencesStartAtOne(t, newStore(t)) })
	t.Run("ConcurrentAppendsSameStream", func(t *testing.T) { testConcurrentAppendsSameStream(t, newStore(t)) })
	t.Run("ConcurrentAppendsManyStreams", func(t *testing.T) { testConcurrentAppendsManyStreams(t, newStore(t)) })
	t.Run("ReplayAfter", func(t *testing.T) { testReplayAfter(t, newStore(t)) })
	t.Run("ReplayIsRepeatable", func(t *testing.T) { testReplayIsRepeatable(t, newStore(t)) })
	t.Run("ReplayEmptyID", func(t *testing.T) { testReplayEmptyID(t, newStore(t)) })
	t.Run("ReplayUnknown", func(t *testing.T) { testReplayUnknown(t, newStore(t)) })
	t.Run("ReplaySinkError", func(t *testing.T) { testReplaySinkError(t, newStore(t)) })
	t.Run("Prune", func(t *testing.T) { testPrune(t, newStore(t)) })
	t.Run("PrunedEventWithRetainedSuccessor", func(t *testing.T) { testPrunedEventWithRetainedSuccessor(t, newStore(t)) })
}

func msg(i int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","method":"n","params":{"i":%d}}`, i))
}

func collect(events *[]eventstore.Event) eventstore.Sink {
	return func(_ context.Context, e eventstore.Event) error {
		*events = append(*events, e)
		return nil
	}
}

func sequences(events []eventstore.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.Sequence
	}
	return out
}

func testSequencesStartAtOne(t *testing.T, s eventstore.Store) {
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := s.Append(ctx, "a", msg(i))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	seq, err := s.Append(ctx, "b", msg(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq, "sequences are per stream")
}

func testConcurrentAppendsSameStream(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	const n = 64

	var mu sync.Mutex
	seen := make([]uint64, 0, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			seq, err := s.Append(ctx, "hot", msg(i))
			if err != nil {
				return err
			}
			mu.Lock()
			seen = append(seen, seq)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	for i, seq := range seen {
		assert.Equal(t, uint64(i+1), seq)
	}

	var replayed []eventstore.Event
	_, err := s.ReplayAfter(ctx, "hot:0", collect(&replayed))
	require.NoError(t, err)
	require.Len(t, replayed, n)
	for i, e := range replayed {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

func testConcurrentAppendsManyStreams(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	const streams, perStream = 8, 16

	var g errgroup.Group
	for st := 0; st < streams; st++ {
		streamID := fmt.Sprintf("s%d", st)
		g.Go(func() error {
			for i := 1; i <= perStream; i++ {
				seq, err := s.Append(ctx, streamID, msg(i))
				if err != nil {
					return err
				}
				if seq != uint64(i) {
					return fmt.Errorf("stream %s: got sequence %d, want %d", streamID, seq, i)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func testReplayAfter(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.Append(ctx, "abc", msg(i))
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, "other", msg(1))
	require.NoError(t, err)

	var events []eventstore.Event
	streamID, err := s.ReplayAfter(ctx, "abc:2", collect(&events))
	require.NoError(t, err)
	assert.Equal(t, "abc", streamID)
	assert.Equal(t, []uint64{3, 4, 5}, sequences(events))
	assert.JSONEq(t, string(msg(3)), string(events[0].Data))
	assert.Equal(t, "abc:3", events[0].ID().String())

	events = nil
	_, err = s.ReplayAfter(ctx, "abc:5", collect(&events))
	require.NoError(t, err)
	assert.Empty(t, events)

	events = nil
	_, err = s.ReplayAfter(ctx, "abc:0", collect(&events))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, sequences(events))
}

func testReplayIsRepeatable(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := s.Append(ctx, "r", msg(i))
		require.NoError(t, err)
	}

	var first, second []eventstore.Event
	_, err := s.ReplayAfter(ctx, "r:1", collect(&first))
	require.NoError(t, err)
	_, err = s.ReplayAfter(ctx, "r:1", collect(&second))
	require.NoError(t, err)

	assert.Equal(t, sequences(first), sequences(second))
	assert.Equal(t, []uint64{2, 3, 4}, sequences(second))
}

func testReplayEmptyID(t *testing.T, s eventstore.Store) {
	called := false
	streamID, err := s.ReplayAfter(context.Background(), "", func(context.Context, eventstore.Event) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, streamID)
	assert.False(t, called)
}

func testReplayUnknown(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	_, err := s.Append(ctx, "known", msg(1))
	require.NoError(t, err)

	for _, id := range []string{"missing:1", "known:9", "not-an-id", "known:x"} {
		_, err := s.ReplayAfter(ctx, id, collect(new([]eventstore.Event)))
		assert.True(t, errors.Is(err, rpcerrors.ErrUnknownEvent), "id %q: %v", id, err)
	}
}

func testReplaySinkError(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := s.Append(ctx, "e", msg(i))
		require.NoError(t, err)
	}

	boom := errors.New("peer gone")
	delivered := 0
	_, err := s.ReplayAfter(ctx, "e:0", func(context.Context, eventstore.Event) error {
		delivered++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, delivered)
}

func testPrune(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.Append(ctx, "abc", msg(i))
		require.NoError(t, err)
	}

	removed, err := s.Prune(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "nothing is older than an hour")

	// Sleep so the cutoff lands strictly after every stored timestamp,
	// including on stores with millisecond resolution.
	time.Sleep(5 * time.Millisecond)
	removed, err = s.Prune(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, removed)

	_, err = s.ReplayAfter(ctx, "abc:5", collect(new([]eventstore.Event)))
	assert.True(t, errors.Is(err, rpcerrors.ErrUnknownEvent), "pruned event must be unknown: %v", err)
}

func testPrunedEventWithRetainedSuccessor(t *testing.T, s eventstore.Store) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := s.Append(ctx, "abc", msg(i))
		require.NoError(t, err)
	}
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	_, err := s.Append(ctx, "abc", msg(6))
	require.NoError(t, err)

	removed, err := s.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)

	_, err = s.ReplayAfter(ctx, "abc:5", collect(new([]eventstore.Event)))
	assert.True(t, errors.Is(err, rpcerrors.ErrUnknownEvent), "abc:5 was pruned: %v", err)

	var events []eventstore.Event
	_, err = s.ReplayAfter(ctx, "abc:6", collect(&events))
	require.NoError(t, err)
	assert.Empty(t, events)
}
