package transport

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config is the unified configuration for the client and server sides of the
// transport. Every field can be set from TOML and overridden from the
// environment.
type Config struct {
	// Endpoint is the URL the client connects to
	Endpoint string `toml:"endpoint" json:"endpoint,omitempty" env:"STREAMRPC_ENDPOINT"`

	Connection  ConnectionConfig  `toml:"connection" json:"connection"`
	Reliability ReliabilityConfig `toml:"reliability" json:"reliability"`
	Session     SessionConfig     `toml:"session" json:"session"`
	EventStore  EventStoreConfig  `toml:"event_store" json:"event_store"`
	Redis       RedisConfig       `toml:"redis" json:"redis"`
	Server      ServerConfig      `toml:"server" json:"server"`
	Security    SecurityConfig    `toml:"security" json:"security"`

	Observability ObservabilityConfig `toml:"observability" json:"observability"`
}

// ConnectionConfig for connection management
type ConnectionConfig struct {
	Timeout           time.Duration `toml:"timeout" json:"timeout" env:"STREAMRPC_CONNECTION_TIMEOUT"`
	KeepAlive         time.Duration `toml:"keep_alive" json:"keep_alive" env:"STREAMRPC_CONNECTION_KEEP_ALIVE"`
	MaxIdleConns      int           `toml:"max_idle_conns" json:"max_idle_conns" env:"STREAMRPC_CONNECTION_MAX_IDLE_CONNS"`
	IdleConnTimeout   time.Duration `toml:"idle_conn_timeout" json:"idle_conn_timeout" env:"STREAMRPC_CONNECTION_IDLE_CONN_TIMEOUT"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval" json:"heartbeat_interval" env:"STREAMRPC_HEARTBEAT_INTERVAL"`
}

// ReliabilityConfig controls reconnection of the client
type ReliabilityConfig struct {
	MaxReconnectAttempts int                  `toml:"max_reconnect_attempts" json:"max_reconnect_attempts" env:"STREAMRPC_MAX_RECONNECT_ATTEMPTS"`
	InitialRetryDelay    time.Duration        `toml:"initial_retry_delay" json:"initial_retry_delay" env:"STREAMRPC_INITIAL_RETRY_DELAY"`
	MaxRetryDelay        time.Duration        `toml:"max_retry_delay" json:"max_retry_delay" env:"STREAMRPC_MAX_RETRY_DELAY"`
	RetryBackoffFactor   float64              `toml:"retry_backoff_factor" json:"retry_backoff_factor" env:"STREAMRPC_RETRY_BACKOFF_FACTOR"`
	Jitter               bool                 `toml:"jitter" json:"jitter" env:"STREAMRPC_RETRY_JITTER"`
	AttemptTimeout       time.Duration        `toml:"attempt_timeout" json:"attempt_timeout" env:"STREAMRPC_ATTEMPT_TIMEOUT"`
	CircuitBreaker       CircuitBreakerConfig `toml:"circuit_breaker" json:"circuit_breaker"`
}

// CircuitBreakerConfig for circuit breaker pattern
type CircuitBreakerConfig struct {
	Enabled          bool          `toml:"enabled" json:"enabled" env:"STREAMRPC_BREAKER_ENABLED"`
	FailureThreshold int           `toml:"failure_threshold" json:"failure_threshold" env:"STREAMRPC_BREAKER_FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `toml:"recovery_timeout" json:"recovery_timeout" env:"STREAMRPC_BREAKER_RECOVERY_TIMEOUT"`
}

// SessionConfig controls the session registry and the handshake
type SessionConfig struct {
	Backend         string        `toml:"backend" json:"backend" env:"STREAMRPC_SESSION_BACKEND"`
	Required        bool          `toml:"required" json:"required" env:"STREAMRPC_SESSION_REQUIRED"`
	HandshakeMethod string        `toml:"handshake_method" json:"handshake_method" env:"STREAMRPC_SESSION_HANDSHAKE_METHOD"`
	IdleTimeout     time.Duration `toml:"idle_timeout" json:"idle_timeout" env:"STREAMRPC_SESSION_IDLE_TIMEOUT"`
	SweepInterval   time.Duration `toml:"sweep_interval" json:"sweep_interval" env:"STREAMRPC_SESSION_SWEEP_INTERVAL"`
}

// EventStoreConfig controls event retention for resumption
type EventStoreConfig struct {
	Backend       string        `toml:"backend" json:"backend" env:"STREAMRPC_EVENT_STORE_BACKEND"`
	Retention     time.Duration `toml:"retention" json:"retention" env:"STREAMRPC_EVENT_RETENTION"`
	PruneInterval time.Duration `toml:"prune_interval" json:"prune_interval" env:"STREAMRPC_EVENT_PRUNE_INTERVAL"`
}

// RedisConfig is shared by the redis-backed event store and session registry
type RedisConfig struct {
	Addr      string `toml:"addr" json:"addr" env:"STREAMRPC_REDIS_ADDR"`
	Password  string `toml:"password" json:"-" env:"STREAMRPC_REDIS_PASSWORD"`
	DB        int    `toml:"db" json:"db" env:"STREAMRPC_REDIS_DB"`
	KeyPrefix string `toml:"key_prefix" json:"key_prefix" env:"STREAMRPC_REDIS_KEY_PREFIX"`
}

// ServerConfig for the HTTP listener
type ServerConfig struct {
	ListenAddr      string        `toml:"listen_addr" json:"listen_addr" env:"STREAMRPC_LISTEN_ADDR"`
	Path            string        `toml:"path" json:"path" env:"STREAMRPC_PATH"`
	MaxBodyBytes    int64         `toml:"max_body_bytes" json:"max_body_bytes" env:"STREAMRPC_MAX_BODY_BYTES"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" json:"shutdown_timeout" env:"STREAMRPC_SHUTDOWN_TIMEOUT"`
}

// SecurityConfig configures origin validation
type SecurityConfig struct {
	AllowedOrigins      []string `toml:"allowed_origins" json:"allowed_origins,omitempty" env:"STREAMRPC_ALLOWED_ORIGINS"`
	AllowWildcardOrigin bool     `toml:"allow_wildcard_origin" json:"allow_wildcard_origin" env:"STREAMRPC_ALLOW_WILDCARD_ORIGIN"`
	AllowMissingOrigin  bool     `toml:"allow_missing_origin" json:"allow_missing_origin" env:"STREAMRPC_ALLOW_MISSING_ORIGIN"`
}

// ObservabilityConfig controls logging, metrics and tracing
type ObservabilityConfig struct {
	ServiceName     string  `toml:"service_name" json:"service_name" env:"STREAMRPC_SERVICE_NAME"`
	LogLevel        string  `toml:"log_level" json:"log_level" env:"STREAMRPC_LOG_LEVEL"`
	LogFormat       string  `toml:"log_format" json:"log_format" env:"STREAMRPC_LOG_FORMAT"`
	MetricsEnabled  bool    `toml:"metrics_enabled" json:"metrics_enabled" env:"STREAMRPC_METRICS_ENABLED"`
	MetricsPath     string  `toml:"metrics_path" json:"metrics_path" env:"STREAMRPC_METRICS_PATH"`
	TracingEnabled  bool    `toml:"tracing_enabled" json:"tracing_enabled" env:"STREAMRPC_TRACING_ENABLED"`
	TracingExporter string  `toml:"tracing_exporter" json:"tracing_exporter" env:"STREAMRPC_TRACING_EXPORTER"`
	TracingEndpoint string  `toml:"tracing_endpoint" json:"tracing_endpoint" env:"STREAMRPC_TRACING_ENDPOINT"`
	TracingInsecure bool    `toml:"tracing_insecure" json:"tracing_insecure" env:"STREAMRPC_TRACING_INSECURE"`
	SampleRate      float64 `toml:"sample_rate" json:"sample_rate" env:"STREAMRPC_TRACING_SAMPLE_RATE"`
}

// Backend names
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// DefaultConfig returns a configuration with production defaults
func DefaultConfig() Config {
	return Config{
		Connection: ConnectionConfig{
			Timeout:           30 * time.Second,
			KeepAlive:         30 * time.Second,
			MaxIdleConns:      100,
			IdleConnTimeout:   90 * time.Second,
			HeartbeatInterval: 15 * time.Second,
		},
		Reliability: ReliabilityConfig{
			MaxReconnectAttempts: 5,
			InitialRetryDelay:    500 * time.Millisecond,
			MaxRetryDelay:        30 * time.Second,
			RetryBackoffFactor:   2.0,
			AttemptTimeout:       10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
			},
		},
		Session: SessionConfig{
			Backend:         BackendMemory,
			Required:        true,
			HandshakeMethod: "initialize",
			IdleTimeout:     24 * time.Hour,
			SweepInterval:   5 * time.Minute,
		},
		EventStore: EventStoreConfig{
			Backend:       BackendMemory,
			Retention:     time.Hour,
			PruneInterval: time.Minute,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "streamrpc:",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Path:            "/rpc",
			MaxBodyBytes:    4 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins:     []string{"http://localhost", "https://localhost"},
			AllowMissingOrigin: true,
		},
		Observability: ObservabilityConfig{
			ServiceName:     "streamrpc",
			LogLevel:        "info",
			LogFormat:       "json",
			MetricsEnabled:  true,
			MetricsPath:     "/metrics",
			TracingExporter: "otlp-grpc",
			SampleRate:      1.0,
		},
	}
}

// Validate checks the configuration for values that cannot work
func (c Config) Validate() error {
	var errs []error

	if c.Endpoint != "" {
		if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("endpoint %q must be an http(s) URL", c.Endpoint))
		}
	}

	r := c.Reliability
	if r.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("max_reconnect_attempts must not be negative"))
	}
	if r.InitialRetryDelay <= 0 {
		errs = append(errs, errors.New("initial_retry_delay must be positive"))
	}
	if r.MaxRetryDelay < r.InitialRetryDelay {
		errs = append(errs, errors.New("max_retry_delay must be at least initial_retry_delay"))
	}
	if r.RetryBackoffFactor < 1 {
		errs = append(errs, errors.New("retry_backoff_factor must be at least 1"))
	}
	if r.CircuitBreaker.Enabled && r.CircuitBreaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("circuit_breaker.failure_threshold must be positive"))
	}

	for name, backend := range map[string]string{"session.backend": c.Session.Backend, "event_store.backend": c.EventStore.Backend} {
		if backend != BackendMemory && backend != BackendRedis {
			errs = append(errs, fmt.Errorf("%s must be %q or %q, got %q", name, BackendMemory, BackendRedis, backend))
		}
	}
	if c.EventStore.Retention <= 0 {
		errs = append(errs, errors.New("event_store.retention must be positive"))
	}

	return errors.Join(errs...)
}
