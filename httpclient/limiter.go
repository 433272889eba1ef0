// Package httpclient implements the reliable request client used to reach
// the beacon nodes: two independently rate-limited pools ("archive"
// and "full"), retry with exponential backoff, full->archive fallback on
// retry exhaustion, and a short-lived memoization cache for the handful of
// endpoints that are safe to coalesce by slot.
package httpclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PoolName identifies one of the two upstream node pools.
type PoolName string

const (
	PoolArchive PoolName = "archive"
	PoolFull    PoolName = "full"
)

// PoolConfig controls the rate and concurrency limits applied to a single
// pool of upstream nodes.
type PoolConfig struct {
	// RPS is the steady-state requests-per-second budget for the pool.
	RPS int

	// BurstMultiplier scales the token bucket capacity to allow short bursts
	// above the steady-state rate.
	BurstMultiplier int

	// MaxConcurrency bounds the number of in-flight requests against the
	// pool at any given time, independent of the token bucket.
	MaxConcurrency int
}

// DefaultPoolConfig returns conservative defaults for a single pool.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		RPS:             20,
		BurstMultiplier: 3,
		MaxConcurrency:  8,
	}
}

// tokenBucket implements a simple token bucket for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill int64   // unix nanoseconds
}

func newTokenBucket(rate int, burstMult int) *tokenBucket {
	if burstMult <= 0 {
		burstMult = 1
	}
	cap := float64(rate * burstMult)
	if cap <= 0 {
		cap = 1
	}
	return &tokenBucket{
		tokens:     cap,
		capacity:   cap,
		refillRate: float64(rate),
		lastRefill: time.Now().UnixNano(),
	}
}

// allow tries to consume one token. Returns true if allowed.
func (tb *tokenBucket) allow(now int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := float64(now-tb.lastRefill) / float64(time.Second)
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

// PoolStats reports cumulative counters for a pool.
type PoolStats struct {
	TotalRequests  uint64
	TotalThrottled uint64
	InFlight       int64
}

// PoolLimiter bounds both the sustained call rate and the concurrency of
// requests issued against one upstream pool. Requests that exceed the token
// bucket wait (polling, bounded by the context) rather than being rejected
// outright -- the indexer always wants the data, it just wants to be polite
// about fetching it.
type PoolLimiter struct {
	name   PoolName
	bucket *tokenBucket
	sem    chan struct{}

	totalRequests  atomic.Uint64
	totalThrottled atomic.Uint64
	inFlight       atomic.Int64
}

// NewPoolLimiter creates a limiter for the named pool. If config is nil,
// DefaultPoolConfig is used.
func NewPoolLimiter(name PoolName, config *PoolConfig) *PoolLimiter {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 1
	}
	return &PoolLimiter{
		name:   name,
		bucket: newTokenBucket(config.RPS, config.BurstMultiplier),
		sem:    make(chan struct{}, config.MaxConcurrency),
	}
}

// Acquire blocks until a concurrency slot and a rate-limit token are both
// available, or ctx is cancelled. The returned release func must be called
// exactly once to free the concurrency slot.
func (pl *PoolLimiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case pl.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	pl.inFlight.Add(1)
	pl.totalRequests.Add(1)

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	throttled := false
	for !pl.bucket.allow(time.Now().UnixNano()) {
		if !throttled {
			throttled = true
			pl.totalThrottled.Add(1)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			<-pl.sem
			pl.inFlight.Add(-1)
			return nil, ctx.Err()
		}
	}

	return func() {
		pl.inFlight.Add(-1)
		<-pl.sem
	}, nil
}

// Stats returns a snapshot of this pool's counters.
func (pl *PoolLimiter) Stats() PoolStats {
	return PoolStats{
		TotalRequests:  pl.totalRequests.Load(),
		TotalThrottled: pl.totalThrottled.Load(),
		InFlight:       pl.inFlight.Load(),
	}
}

// Name returns the pool name this limiter guards.
func (pl *PoolLimiter) Name() PoolName { return pl.name }
