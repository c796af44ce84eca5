package transport

import (
	cryptorand "crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff returns the delay before the next reconnect when attempts reconnects
// have already failed: min(MaxRetryDelay, InitialRetryDelay * RetryBackoffFactor^attempts).
// With Jitter enabled the delay is spread by ±10% and still capped.
func (c ReliabilityConfig) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	factor := c.RetryBackoffFactor
	if factor < 1 {
		factor = 1
	}

	backoff := float64(c.InitialRetryDelay) * math.Pow(factor, float64(attempts))
	if c.MaxRetryDelay > 0 && backoff > float64(c.MaxRetryDelay) {
		backoff = float64(c.MaxRetryDelay)
	}

	if c.Jitter {
		if randFloat, err := secureRandFloat64(); err == nil {
			backoff += backoff * 0.1 * (randFloat*2 - 1)
		}
		if c.MaxRetryDelay > 0 && backoff > float64(c.MaxRetryDelay) {
			backoff = float64(c.MaxRetryDelay)
		}
	}

	return time.Duration(backoff)
}

// secureRandFloat64 returns a float64 in [0, 1)
func secureRandFloat64() (float64, error) {
	max := big.NewInt(1 << 53)
	n, err := cryptorand.Int(cryptorand.Reader, max)
	if err != nil {
		return 0, err
	}
	return float64(n.Int64()) / float64(1<<53), nil
}
