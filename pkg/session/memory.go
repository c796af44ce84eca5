package session

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
)

const shardCount = 16

// MemoryRegistry is an in-process Registry with idle expiry
type MemoryRegistry struct {
	shards      [shardCount]registryShard
	idleTimeout time.Duration
	now         func() time.Time
	logger      logging.Logger
	onExpire    func(id string)
}

type registryShard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a MemoryRegistry
type Option func(*MemoryRegistry)

// WithIdleTimeout sets how long a session may go without activity. Zero
// disables expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *MemoryRegistry) {
		r.idleTimeout = d
	}
}

// WithClock sets the clock
func WithClock(now func() time.Time) Option {
	return func(r *MemoryRegistry) {
		r.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(r *MemoryRegistry) {
		r.logger = logger
	}
}

// WithExpiryHook registers a callback run for every session removed by
// expiry, outside any registry lock.
func WithExpiryHook(fn func(id string)) Option {
	return func(r *MemoryRegistry) {
		r.onExpire = fn
	}
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry(opts ...Option) *MemoryRegistry {
	r := &MemoryRegistry{
		idleTimeout: 24 * time.Hour,
		now:         time.Now,
		logger:      logging.NewNop(),
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRegistry) shard(id string) *registryShard {
	return &r.shards[xxhash.Sum64String(id)%shardCount]
}

func (r *MemoryRegistry) expired(s *Session, now time.Time) bool {
	return r.idleTimeout > 0 && now.Sub(s.LastSeenAt) > r.idleTimeout
}

// Create implements Registry
func (r *MemoryRegistry) Create(ctx context.Context) (Session, error) {
	id, err := NewID()
	if err != nil {
		return Session{}, err
	}

	now := r.now()
	s := &Session{ID: id, CreatedAt: now, LastSeenAt: now}

	sh := r.shard(id)
	sh.mu.Lock()
	sh.sessions[id] = s
	sh.mu.Unlock()

	r.logger.Debug("Created session", logging.String("session_id", id))
	return *s, nil
}

// Validate implements Registry
func (r *MemoryRegistry) Validate(ctx context.Context, id string) (bool, error) {
	id, err := Normalize(id)
	if err != nil {
		return false, nil
	}

	sh := r.shard(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	expired := ok && r.expired(s, r.now())
	if expired {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()

	if expired {
		r.expire(id)
		return false, nil
	}
	return ok, nil
}

// Touch implements Registry
func (r *MemoryRegistry) Touch(ctx context.Context, id string) error {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if s, ok := sh.sessions[id]; ok {
		s.LastSeenAt = r.now()
	}
	return nil
}

// Invalidate implements Registry
func (r *MemoryRegistry) Invalidate(ctx context.Context, id string) error {
	sh := r.shard(id)
	sh.mu.Lock()
	_, ok := sh.sessions[id]
	delete(sh.sessions, id)
	sh.mu.Unlock()

	if ok {
		r.logger.Debug("Invalidated session", logging.String("session_id", id))
	}
	return nil
}

// Get returns a copy of a live session
func (r *MemoryRegistry) Get(id string) (Session, bool) {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[id]
	if !ok || r.expired(s, r.now()) {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of tracked sessions, including expired ones not yet swept
func (r *MemoryRegistry) Len() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.Lock()
		n += len(r.shards[i].sessions)
		r.shards[i].mu.Unlock()
	}
	return n
}

// Sweep removes every expired session and returns how many were removed
func (r *MemoryRegistry) Sweep() int {
	now := r.now()
	var removed []string

	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if r.expired(s, now) {
				delete(sh.sessions, id)
				removed = append(removed, id)
			}
		}
		sh.mu.Unlock()
	}

	for _, id := range removed {
		r.expire(id)
	}
	return len(removed)
}

func (r *MemoryRegistry) expire(id string) {
	r.logger.Info("Session expired", logging.String("session_id", id))
	if r.onExpire != nil {
		r.onExpire(id)
	}
}

// Run sweeps expired sessions every interval until ctx is done
func (r *MemoryRegistry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("Swept expired sessions", logging.Int("removed", n))
			}
		}
	}
}

var _ Registry = (*MemoryRegistry)(nil)
