package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "abc123", "abc123", false},
		{"trimmed", "  abc\t\n", "abc", false},
		{"punctuation", "a-b_c.d:e", "a-b_c.d:e", false},
		{"empty", "", "", true},
		{"blank", "   ", "", true},
		{"inner space", "a b", "", true},
		{"control", "a\x01b", "", true},
		{"non ascii", "sessión", "", true},
		{"max length", strings.Repeat("x", MaxIDLength), strings.Repeat("x", MaxIDLength), false},
		{"too long", strings.Repeat("x", MaxIDLength+1), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedID))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewID(t *testing.T) {
	a, err := NewID()
	require.NoError(t, err)
	b, err := NewID()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "session_"))
	_, err = Normalize(a)
	assert.NoError(t, err)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()

	s, err := r.Create(ctx)
	require.NoError(t, err)

	ok, err := r.Validate(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Validate(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Validate(ctx, "bad id")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Invalidate(ctx, s.ID))
	ok, err = r.Validate(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, r.Invalidate(ctx, s.ID), "invalidating twice is fine")
}

func TestMemoryRegistryIdleExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(0, 0)}

	var mu sync.Mutex
	var expired []string
	r := NewMemoryRegistry(
		WithClock(clock.Now),
		WithIdleTimeout(time.Hour),
		WithExpiryHook(func(id string) {
			mu.Lock()
			expired = append(expired, id)
			mu.Unlock()
		}),
	)

	active, err := r.Create(ctx)
	require.NoError(t, err)
	idle, err := r.Create(ctx)
	require.NoError(t, err)

	clock.Advance(40 * time.Minute)
	require.NoError(t, r.Touch(ctx, active.ID))
	clock.Advance(40 * time.Minute)

	ok, err := r.Validate(ctx, active.ID)
	require.NoError(t, err)
	assert.True(t, ok, "touched session stays alive")

	got, found := r.Get(active.ID)
	assert.True(t, found)
	assert.Equal(t, clock.Now().Add(-40*time.Minute), got.LastSeenAt)

	ok, err = r.Validate(ctx, idle.ID)
	require.NoError(t, err)
	assert.False(t, ok, "idle session expires")

	mu.Lock()
	assert.Equal(t, []string{idle.ID}, expired)
	mu.Unlock()
}

func TestMemoryRegistrySweep(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(0, 0)}
	r := NewMemoryRegistry(WithClock(clock.Now), WithIdleTimeout(time.Minute))

	for i := 0; i < 5; i++ {
		_, err := r.Create(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, r.Len())

	clock.Advance(2 * time.Minute)
	keep, err := r.Create(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, r.Sweep())
	assert.Equal(t, 1, r.Len())
	_, found := r.Get(keep.ID)
	assert.True(t, found)
}

func TestMemoryRegistryRunStopsOnCancel(t *testing.T) {
	r := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
