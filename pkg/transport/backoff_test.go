package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffExponentialAndCapped(t *testing.T) {
	config := ReliabilityConfig{
		InitialRetryDelay:  100 * time.Millisecond,
		MaxRetryDelay:      time.Second,
		RetryBackoffFactor: 2,
	}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{30, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, config.Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	config := ReliabilityConfig{
		InitialRetryDelay:  100 * time.Millisecond,
		MaxRetryDelay:      time.Second,
		RetryBackoffFactor: 2,
		Jitter:             true,
	}

	for i := 0; i < 100; i++ {
		d := config.Backoff(1)
		assert.GreaterOrEqual(t, d, 180*time.Millisecond)
		assert.LessOrEqual(t, d, 220*time.Millisecond)

		capped := config.Backoff(10)
		assert.LessOrEqual(t, capped, time.Second)
		assert.GreaterOrEqual(t, capped, 900*time.Millisecond)
	}
}

func TestBackoffFactorBelowOne(t *testing.T) {
	config := ReliabilityConfig{InitialRetryDelay: 50 * time.Millisecond, MaxRetryDelay: time.Second, RetryBackoffFactor: 0}
	assert.Equal(t, 50*time.Millisecond, config.Backoff(5))
}

func TestSecureRandFloat64(t *testing.T) {
	for i := 0; i < 50; i++ {
		f, err := secureRandFloat64()
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, f, 0.0)
		assert.Less(t, f, 1.0)
	}
}
