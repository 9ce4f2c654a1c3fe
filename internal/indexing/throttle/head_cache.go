package throttle

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// HeadSource returns the current chain head number.
type HeadSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// HeadCache caches the chain head to reduce redundant eth_blockNumber calls.
// The resolver and the ongoing tracker both ask for the head on every probe.
type HeadCache struct {
	source HeadSource
	ttl    time.Duration
	clock  clock.PassiveClock

	mu       sync.RWMutex
	cached   uint64
	cachedAt time.Time
}

// NewHeadCache creates a new head cache with the given TTL.
func NewHeadCache(source HeadSource, ttl time.Duration, clk clock.PassiveClock) *HeadCache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &HeadCache{
		source: source,
		ttl:    ttl,
		clock:  clk,
	}
}

// LatestBlockNumber returns the cached chain head if within TTL, otherwise fetches fresh.
func (c *HeadCache) LatestBlockNumber(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if c.clock.Since(c.cachedAt) < c.ttl && c.cached > 0 {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	head, err := c.source.LatestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	// Never move the cached head backwards between nodes behind a balancer.
	if head >= c.cached {
		c.cached = head
	}
	c.cachedAt = c.clock.Now()
	head = c.cached
	c.mu.Unlock()

	return head, nil
}
