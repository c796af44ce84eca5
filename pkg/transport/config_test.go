package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, 5, config.Reliability.MaxReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, config.Reliability.InitialRetryDelay)
	assert.Equal(t, 30*time.Second, config.Reliability.MaxRetryDelay)
	assert.Equal(t, 2.0, config.Reliability.RetryBackoffFactor)
	assert.True(t, config.Reliability.CircuitBreaker.Enabled)
	assert.Equal(t, "initialize", config.Session.HandshakeMethod)
	assert.Equal(t, BackendMemory, config.EventStore.Backend)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad endpoint", func(c *Config) { c.Endpoint = "ftp://x" }, "endpoint"},
		{"negative attempts", func(c *Config) { c.Reliability.MaxReconnectAttempts = -1 }, "max_reconnect_attempts"},
		{"zero initial delay", func(c *Config) { c.Reliability.InitialRetryDelay = 0 }, "initial_retry_delay"},
		{"max below initial", func(c *Config) { c.Reliability.MaxRetryDelay = time.Millisecond }, "max_retry_delay"},
		{"factor below one", func(c *Config) { c.Reliability.RetryBackoffFactor = 0.5 }, "retry_backoff_factor"},
		{"breaker threshold", func(c *Config) { c.Reliability.CircuitBreaker.FailureThreshold = 0 }, "failure_threshold"},
		{"unknown backend", func(c *Config) { c.Session.Backend = "etcd" }, "session.backend"},
		{"zero retention", func(c *Config) { c.EventStore.Retention = 0 }, "retention"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidateAcceptsHTTPSEndpoint(t *testing.T) {
	config := DefaultConfig()
	config.Endpoint = "https://api.example.com/rpc"
	assert.NoError(t, config.Validate())
}
