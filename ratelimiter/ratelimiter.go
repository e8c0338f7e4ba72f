// Package ratelimiter implements the Rate Limiter (§4.4): one token-bucket
// limiter per provider, with defaults matching the spec's per-provider
// table.
package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relayforge/polyllm/types"
)

// BucketConfig is a provider's rate (req/sec) and burst.
type BucketConfig struct {
	Rate  float64
	Burst int
}

// DefaultBuckets are the per-provider defaults from §4.4.
func DefaultBuckets() map[string]BucketConfig {
	return map[string]BucketConfig{
		"openai":      {Rate: 3, Burst: 6},
		"anthropic":   {Rate: 2, Burst: 4},
		"google":      {Rate: 2, Burst: 4},
		"huggingface": {Rate: 1, Burst: 2},
	}
}

const fallbackRate = 1.0
const fallbackBurst = 2

// Limiter is the per-process set of per-provider token buckets.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	configs  map[string]BucketConfig
}

// New builds a Limiter seeded with configs; providers not present in
// configs fall back to a conservative 1 req/s, burst 2 bucket on first use.
func New(configs map[string]BucketConfig) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		configs: configs,
	}
}

func (l *Limiter) bucketFor(provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[provider]; ok {
		return b
	}
	cfg, ok := l.configs[provider]
	if !ok {
		cfg = BucketConfig{Rate: fallbackRate, Burst: fallbackBurst}
	}
	b := rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	l.buckets[provider] = b
	return b
}

// Acquire blocks until a token for provider is available or ctx is done,
// whichever comes first, per the Acquire(provider, ctx) → token | Rejected
// contract.
func (l *Limiter) Acquire(ctx context.Context, provider string) *types.Error {
	b := l.bucketFor(provider)
	if err := b.Wait(ctx); err != nil {
		return types.NewError(types.ErrRateLimited, "rate limiter: "+err.Error()).
			WithRetryable(true).WithProvider(provider)
	}
	return nil
}

// ReportRetryAfter pushes the provider's next-allowed time out by d, used
// when the provider itself returns a 429 with a Retry-After header — a
// provider-originated rejection updates the limiter's own schedule, not
// just the caller's retry loop.
func (l *Limiter) ReportRetryAfter(provider string, d time.Duration) {
	if d <= 0 {
		return
	}
	b := l.bucketFor(provider)
	// Consume the entire burst immediately so the next Wait must pace out
	// from "now" at the configured rate rather than draining existing
	// tokens first; then additionally reserve d worth of future tokens.
	// ReserveN refuses any single reservation larger than the burst, so
	// the tokens are reserved in burst-sized chunks.
	l.mu.Lock()
	cfg := l.configs[provider]
	if cfg.Rate <= 0 {
		cfg.Rate = fallbackRate
	}
	l.mu.Unlock()
	tokensToConsume := cfg.Rate * d.Seconds()
	if tokensToConsume < 1 {
		tokensToConsume = 1
	}
	burst := b.Burst()
	if burst <= 0 {
		return
	}
	remaining := burst + int(tokensToConsume+0.5)
	now := time.Now()
	for remaining > 0 {
		n := remaining
		if n > burst {
			n = burst
		}
		_ = b.ReserveN(now, n)
		remaining -= n
	}
}
