// Package redisregistry implements session.Registry on Redis. Each session
// is a hash whose TTL is refreshed on every touch, so idle expiry is handled
// by Redis itself.
package redisregistry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ajitpratap0/streamrpc-go/pkg/session"
)

// Config for the Redis-backed registry
type Config struct {
	// Client is used as is when set
	Client *redis.Client
	// Addr like "localhost:6379", used when Client is nil. ENV: STREAMRPC_REDIS_ADDR
	Addr     string `env:"STREAMRPC_REDIS_ADDR,default=localhost:6379"`
	Password string `env:"STREAMRPC_REDIS_PASSWORD"`
	DB       int    `env:"STREAMRPC_REDIS_DB"`
	// KeyPrefix for all keys. ENV: STREAMRPC_REDIS_KEY_PREFIX
	KeyPrefix string `env:"STREAMRPC_REDIS_KEY_PREFIX,default=streamrpc:"`
	// IdleTimeout is the TTL applied on create and touch
	IdleTimeout time.Duration
}

// Registry is a Redis-backed session.Registry
type Registry struct {
	client    *redis.Client
	ownClient bool
	prefix    string
	ttl       time.Duration
	now       func() time.Time
}

// New connects to Redis and returns a Registry
func New(cfg Config) (*Registry, error) {
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
	ttl := cfg.IdleTimeout
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Registry{client: client, ownClient: own, prefix: prefix + "session:", ttl: ttl, now: time.Now}, nil
}

// Close closes the Redis client if the registry created it
func (r *Registry) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

func (r *Registry) key(id string) string { return r.prefix + id }

// Create implements session.Registry
func (r *Registry) Create(ctx context.Context) (session.Session, error) {
	id, err := session.NewID()
	if err != nil {
		return session.Session{}, err
	}
	now := r.now()

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key(id), "created", now.UnixMilli(), "seen", now.UnixMilli())
	pipe.Expire(ctx, r.key(id), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session.Session{ID: id, CreatedAt: now, LastSeenAt: now}, nil
}

// Validate implements session.Registry
func (r *Registry) Validate(ctx context.Context, id string) (bool, error) {
	id, err := session.Normalize(id)
	if err != nil {
		return false, nil
	}
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("validate session: %w", err)
	}
	return n == 1, nil
}

// Touch implements session.Registry
func (r *Registry) Touch(ctx context.Context, id string) error {
	ok, err := r.client.Expire(ctx, r.key(id), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if ok {
		if err := r.client.HSet(ctx, r.key(id), "seen", r.now().UnixMilli()).Err(); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
	}
	return nil
}

// Invalidate implements session.Registry
func (r *Registry) Invalidate(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	return nil
}

// Get returns a live session
func (r *Registry) Get(ctx context.Context, id string) (session.Session, bool, error) {
	values, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(values) == 0) {
		return session.Session{}, false, nil
	}
	if err != nil {
		return session.Session{}, false, fmt.Errorf("get session: %w", err)
	}

	created, _ := strconv.ParseInt(values["created"], 10, 64)
	seen, _ := strconv.ParseInt(values["seen"], 10, 64)
	return session.Session{
		ID:         id,
		CreatedAt:  time.UnixMilli(created),
		LastSeenAt: time.UnixMilli(seen),
	}, true, nil
}

var _ session.Registry = (*Registry)(nil)
