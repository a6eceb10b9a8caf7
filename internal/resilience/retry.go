// Package resilience provides the retry and circuit-breaker primitives
// shared by every HTTP-speaking printer adapter and payment provider
// client, generalized from the teacher's fault-tolerance package.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0..1
}

// DefaultRetryConfig matches the HTTP adapter policy of spec §4.1.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retryable classifies whether an error/status is worth retrying. HTTP
// adapters retry on connection errors, timeouts, and {502,503,504}; they
// never retry 4xx other than 429 (spec §4.1).
func RetryableStatus(status int) bool {
	switch status {
	case 502, 503, 504, 429:
		return true
	default:
		return false
	}
}

// Retry runs fn with exponential backoff, stopping early on ctx
// cancellation. It never retries autonomously beyond MaxAttempts — the
// caller decides what "retryable" means via fn's own return contract.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := fn(attempt); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
