package httpclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nodesentinel/beacon-indexer/log"
	"github.com/nodesentinel/beacon-indexer/metrics"
)

// DelayPromotionThreshold is the number of slots behind head beyond which a
// caller that would prefer the "full" pool should promote to "archive"
// instead -- the full node is tuned for head-proximate state and becomes
// unreliable far behind it.
const DelayPromotionThreshold = 250

// poolRuntime pairs a PoolLimiter with the base URL and retry budget of one
// upstream pool.
type poolRuntime struct {
	name    PoolName
	baseURL string
	limiter *PoolLimiter
	retries int
}

// ClientConfig configures both upstream pools and the shared backoff base.
type ClientConfig struct {
	ArchiveURL         string
	FullURL            string
	ArchiveConcurrency int
	FullConcurrency    int
	ArchiveRetries     int
	FullRetries        int
	RequestsPerSecond  int
	BaseDelay          time.Duration
}

// Client is the Reliable Request Client: rate-limited, retrying access to
// the archive/full upstream pair, with full->archive fallback on retry
// exhaustion.
type Client struct {
	archive   *poolRuntime
	full      *poolRuntime
	baseDelay time.Duration
	log       *log.Logger
}

// NewClient builds a Client from its configuration.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	poolCfg := func(concurrency int) *PoolConfig {
		return &PoolConfig{
			RPS:             cfg.RequestsPerSecond,
			BurstMultiplier: 3,
			MaxConcurrency:  concurrency,
		}
	}
	return &Client{
		archive: &poolRuntime{
			name:    PoolArchive,
			baseURL: cfg.ArchiveURL,
			limiter: NewPoolLimiter(PoolArchive, poolCfg(cfg.ArchiveConcurrency)),
			retries: cfg.ArchiveRetries,
		},
		full: &poolRuntime{
			name:    PoolFull,
			baseURL: cfg.FullURL,
			limiter: NewPoolLimiter(PoolFull, poolCfg(cfg.FullConcurrency)),
			retries: cfg.FullRetries,
		},
		baseDelay: cfg.BaseDelay,
		log:       log.Default().Module("upstream"),
	}
}

// IsIndexerDelayed reports whether value (a slot or epoch number) is more
// than DelayPromotionThreshold units behind currentSlot. Callers that would
// prefer "full" should promote to "archive" when this is true.
func IsIndexerDelayed(currentSlot, value uint64) bool {
	if currentSlot <= value {
		return false
	}
	return currentSlot-value > DelayPromotionThreshold
}

// Do executes call against preferredPool's base URL under retry, falling
// back from "full" to "archive" once the preferred pool's retry budget is
// exhausted. errorHandler, if non-nil, is consulted on the final failure: a
// non-nil error return from it propagates, otherwise its value is used as
// the result (used to translate a 404 into the Missed sentinel).
func Do[T any](ctx context.Context, c *Client, call func(ctx context.Context, baseURL string) (T, error), preferredPool PoolName, errorHandler func(error) (T, error)) (T, error) {
	pool := c.archive
	if preferredPool == PoolFull {
		pool = c.full
	}

	result, err := attempt(ctx, c, pool, call)
	if err == nil {
		return result, nil
	}

	if preferredPool == PoolFull {
		metrics.UpstreamFallbacks.Inc()
		c.log.Warn("falling back to archive pool", "err", err)
		result, err = attempt(ctx, c, c.archive, call)
		if err == nil {
			return result, nil
		}
	}

	if errorHandler != nil {
		return errorHandler(err)
	}
	var zero T
	return zero, err
}

// attempt runs call against pool's base URL, retrying pool.retries times
// with exponential backoff, and recording upstream metrics.
func attempt[T any](ctx context.Context, c *Client, pool *poolRuntime, call func(ctx context.Context, baseURL string) (T, error)) (result T, err error) {
	if pool.name == PoolArchive {
		metrics.UpstreamRequestsArchive.Inc()
	} else {
		metrics.UpstreamRequestsFull.Inc()
	}

	retries := pool.retries
	if retries <= 0 {
		retries = 1
	}

	for attempt := 0; attempt < retries; attempt++ {
		release, acquireErr := pool.limiter.Acquire(ctx)
		if acquireErr != nil {
			return result, fmt.Errorf("acquiring %s pool permit: %w", pool.name, acquireErr)
		}

		timer := metrics.NewTimer(metrics.UpstreamLatency)
		result, err = call(ctx, pool.baseURL)
		timer.Stop()
		release()

		if err == nil {
			return result, nil
		}

		c.log.Warn("upstream call failed", "pool", pool.name, "attempt", attempt, "err", err)
		if attempt == retries-1 {
			break
		}
		metrics.UpstreamRetries.Inc()

		backoff := c.baseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	return result, fmt.Errorf("%s pool exhausted %d retries: %w", pool.name, retries, err)
}
