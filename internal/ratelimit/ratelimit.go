// Package ratelimit shapes outbound request volume to a single vendor
// printer and inbound RPC/CLI traffic, generalized from the teacher's
// token-bucket wrapper around golang.org/x/time/rate.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Config tunes a token bucket.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig is a conservative per-printer HTTP shaping default —
// enough headroom for status polling plus the occasional upload.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 10, Burst: 20}
}

// Limiter wraps *rate.Limiter with Kiln's defaulting rules.
type Limiter struct {
	limiter *rate.Limiter
}

// New builds a Limiter, defaulting zero-valued fields.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
}

// Allow reports whether a request may proceed right now without
// blocking the caller.
func (l *Limiter) Allow() bool { return l.limiter.Allow() }

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error { return l.limiter.Wait(ctx) }
