// Package ratelimit provides token-bucket admission control for model calls
// and external API calls.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Config configures one token bucket.
type Config struct {
	// Rate is the sustained refill rate in tokens per second.
	Rate float64 `yaml:"rate"`
	// Burst is the bucket capacity.
	Burst int `yaml:"burst"`
}

// DefaultConfig returns the fallback bucket configuration used when a key
// has no explicit entry.
func DefaultConfig() Config {
	return Config{Rate: 5, Burst: 10}
}

// Bucket is a token bucket with a blocking acquire. It wraps rate.Limiter,
// whose refill is proportional to elapsed wall time and capped at the burst
// capacity.
type Bucket struct {
	lim    *rate.Limiter
	config Config
}

// NewBucket creates a bucket that starts full. Non-positive rate or burst
// fall back to defaults.
func NewBucket(config Config) *Bucket {
	if config.Rate <= 0 {
		config.Rate = DefaultConfig().Rate
	}
	if config.Burst <= 0 {
		config.Burst = DefaultConfig().Burst
	}
	return &Bucket{
		lim:    rate.NewLimiter(rate.Limit(config.Rate), config.Burst),
		config: config,
	}
}

// Acquire takes n tokens, waiting up to timeout for them to refill. A
// non-positive timeout makes the attempt non-blocking. Returns false when
// the tokens could not be obtained before the deadline, the context was
// cancelled, or n exceeds the bucket capacity.
func (b *Bucket) Acquire(ctx context.Context, n int, timeout time.Duration) bool {
	if n <= 0 {
		return true
	}
	if timeout <= 0 {
		return b.lim.AllowN(time.Now(), n)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.lim.WaitN(ctx, n) == nil
}

// Tokens returns the current token count. The value is a best-effort
// readout; another caller may debit the bucket before it is used.
func (b *Bucket) Tokens() float64 {
	return b.lim.Tokens()
}

// Config returns the bucket's configuration.
func (b *Bucket) Config() Config {
	return b.config
}
