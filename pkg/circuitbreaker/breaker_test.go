package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{Name: "test", FailureThreshold: 3, RecoveryTimeout: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
		assert.Equal(t, Closed, b.Phase())
	}
	assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)

	state := b.State()
	assert.Equal(t, Open, state.Phase)
	assert.Equal(t, 3, state.ConsecutiveFailures)
	assert.Equal(t, clock.Now(), state.OpenedAt)

	var invoked atomic.Bool
	err := b.Execute(ctx, func(context.Context) error {
		invoked.Store(true)
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, rpcerrors.ErrCircuitOpen)
	assert.False(t, invoked.Load(), "open breaker must not invoke the operation")
	assert.Equal(t, time.Minute, b.RetryAfter())
}

func TestBreakerRecovers(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 2, RecoveryTimeout: 10 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.Equal(t, Open, b.Phase())

	clock.Advance(9 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeed), rpcerrors.ErrCircuitOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, Closed, b.Phase())
	assert.Equal(t, 0, b.State().ConsecutiveFailures)
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(time.Second)

	assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	state := b.State()
	assert.Equal(t, Open, state.Phase, "one failed trial call is enough to re-open")
	assert.Equal(t, clock.Now(), state.OpenedAt)
}

func TestBreakerSuccessForgivesIsolatedFailures(t *testing.T) {
	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, Closed, b.Phase())
	assert.Equal(t, 2, b.State().ConsecutiveFailures)
}

func TestBreakerHalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.Equal(t, HalfOpen, b.Phase())
	assert.ErrorIs(t, b.Execute(ctx, succeed), rpcerrors.ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.Phase())
}

func TestBreakerCancellationIsNotFailure(t *testing.T) {
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Second})
	err := b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, b.Phase())
}

func TestBreakerStateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := New(Config{Name: "hooked", FailureThreshold: 1, RecoveryTimeout: time.Second},
		WithClock(clock.Now),
		WithStateChange(func(name string, from, to Phase) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}),
	)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = b.Execute(ctx, succeed)

	assert.Equal(t, []string{
		"hooked:closed->open",
		"hooked:open->half_open",
		"hooked:half_open->closed",
	}, transitions)
}

func TestDo(t *testing.T) {
	b := New(DefaultConfig())
	got, err := Do(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestAllowDefersOutcome(t *testing.T) {
	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)

	done, err := b.Allow()
	require.NoError(t, err)
	assert.Equal(t, HalfOpen, b.Phase())

	_, err = b.Allow()
	assert.ErrorIs(t, err, rpcerrors.ErrCircuitOpen, "the trial call is outstanding until done is called")

	done(errBoom)
	done(nil)
	assert.Equal(t, Open, b.Phase(), "only the first outcome counts")

	clock.Advance(time.Second)
	done, err = b.Allow()
	require.NoError(t, err)
	done(nil)
	assert.Equal(t, Closed, b.Phase())
}
