// Package circuitbreaker isolates a chronically failing operation. After a
// configured number of consecutive failures the breaker opens and rejects
// calls with a CircuitOpen error without invoking the operation; once the
// recovery timeout elapses a single trial call is let through, and its outcome
// decides whether the breaker closes again or re-opens.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	rpcerrors "github.com/ajitpratap0/streamrpc-go/pkg/errors"
)

// Phase is the breaker state
type Phase int

const (
	Closed Phase = iota
	Open
	HalfOpen
)

// String returns the string representation of a phase
func (p Phase) String() string {
	switch p {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker thresholds
type Config struct {
	// Name identifies the breaker in errors, logs and metrics
	Name string
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before admitting a trial call
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the thresholds used when none are configured
func DefaultConfig() Config {
	return Config{
		Name:             "default",
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// State is a snapshot of the breaker
type State struct {
	Phase               Phase
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// StateChangeFunc is called, outside the breaker lock, on every phase transition
type StateChangeFunc func(name string, from, to Phase)

// Option configures a Breaker
type Option func(*Breaker)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition hook
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = append(b.onChange, fn) }
}

// WithFailurePredicate decides which errors count as failures. By default
// every error except context.Canceled does.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// Breaker is safe for concurrent use.
type Breaker struct {
	config    Config
	now       func() time.Time
	isFailure func(error) bool
	onChange  []StateChangeFunc

	mu       sync.Mutex
	phase    Phase
	failures int
	openedAt time.Time
	trialing bool
}

// New creates a breaker. Non-positive thresholds fall back to DefaultConfig.
func New(config Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if config.Name == "" {
		config.Name = def.Name
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = def.RecoveryTimeout
	}

	b := &Breaker{
		config:    config,
		now:       time.Now,
		isFailure: defaultIsFailure,
		phase:     Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the configured breaker name
func (b *Breaker) Name() string {
	return b.config.Name
}

// State returns a snapshot of the breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{Phase: b.phase, ConsecutiveFailures: b.failures, OpenedAt: b.openedAt}
}

// Phase returns the current phase
func (b *Breaker) Phase() Phase {
	return b.State().Phase
}

// RetryAfter returns how long until an open breaker admits a trial call, or zero.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase != Open {
		return 0
	}
	remaining := b.config.RecoveryTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Execute runs op unless the breaker rejects it, and records the outcome.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = op(ctx)
	done(err)
	return err
}

// Allow admits one operation whose outcome is only known later, such as a
// connection that has to prove itself after it was established. The caller
// must call done exactly once with the outcome; a half-open breaker admits no
// other trial call until then.
func (b *Breaker) Allow() (done func(error), err error) {
	if err := b.admit(); err != nil {
		return nil, err
	}
	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(err) })
	}, nil
}

// Do is Execute for operations that return a value.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.phase
	b.phase = Closed
	b.failures = 0
	b.trialing = false
	b.mu.Unlock()
	b.notify(from, Closed)
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	from := b.phase

	switch b.phase {
	case Open:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.config.RecoveryTimeout {
			b.mu.Unlock()
			return rpcerrors.CircuitOpen(b.config.Name, b.config.RecoveryTimeout-elapsed)
		}
		b.phase = HalfOpen
		b.trialing = true
	case HalfOpen:
		if b.trialing {
			b.mu.Unlock()
			return rpcerrors.CircuitOpen(b.config.Name, 0)
		}
		b.trialing = true
	}

	to := b.phase
	b.mu.Unlock()
	b.notify(from, to)
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	from := b.phase
	wasTrial := b.phase == HalfOpen
	if wasTrial {
		b.trialing = false
	}

	if err == nil {
		b.failures = 0
		b.phase = Closed
		b.mu.Unlock()
		b.notify(from, Closed)
		return
	}

	if !b.isFailure(err) {
		// Neither success nor failure; a cancelled trial call leaves the breaker
		// half-open for the next caller.
		b.mu.Unlock()
		return
	}

	b.failures++
	if wasTrial || b.failures >= b.config.FailureThreshold {
		b.phase = Open
		b.openedAt = b.now()
	}
	to := b.phase
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) notify(from, to Phase) {
	if from == to {
		return
	}
	for _, fn := range b.onChange {
		fn(b.config.Name, from, to)
	}
}
