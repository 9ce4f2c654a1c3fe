// Package resolver maps unix timestamps to block numbers.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/indexing/blockcache"
	"github.com/vietddude/roundwatcher/internal/indexing/metrics"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/retry"
)

// ErrNotFound is returned when no block satisfies the request, e.g. a target
// after the chain head timestamp resolved in the After direction.
var ErrNotFound = errors.New("no block for timestamp")

var errBlockPending = errors.New("block not available yet")

// Direction selects which side of a timestamp to resolve.
type Direction int

const (
	// After resolves the first block with timestamp >= target.
	After Direction = iota
	// Before resolves the last block with timestamp <= target.
	Before
)

func (d Direction) String() string {
	if d == Before {
		return "before"
	}
	return "after"
}

// ResolutionError reports a block that could not be read during a search.
type ResolutionError struct {
	Target    int64
	Direction Direction
	Block     uint64
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s %d: block %d: %v", e.Direction, e.Target, e.Block, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Headers reads block headers. A nil header means the block is not available yet.
type Headers interface {
	HeaderByNumber(ctx context.Context, number uint64) (*domain.BlockHeader, error)
}

// Head returns the current chain head number.
type Head interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// Config holds resolver dependencies.
type Config struct {
	Headers Headers
	Head    Head
	Cache   *blockcache.Cache
	Retry   retry.Config // Retries for blocks not yet available
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Resolver finds block boundaries of timestamps with a binary search over
// [1, head], narrowed by cached neighbours and sequential hints.
type Resolver struct {
	headers Headers
	head    Head
	cache   *blockcache.Cache
	retry   retry.Config
	clock   clock.Clock
	log     *slog.Logger
}

// New creates a resolver.
func New(cfg Config) *Resolver {
	if cfg.Cache == nil {
		cfg.Cache = blockcache.New(blockcache.DefaultCapacity)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		headers: cfg.Headers,
		head:    cfg.Head,
		cache:   cfg.Cache,
		retry:   cfg.Retry,
		clock:   cfg.Clock,
		log:     cfg.Logger.With("component", "resolver"),
	}
}

// search state: the answer is the first block in [lo, hi) whose timestamp
// satisfies pred, or hi itself when none does.
type bounds struct {
	lo, hi uint64
	pred   func(ts int64) bool
}

func (b *bounds) narrow(block uint64, ts int64) {
	if block < b.lo || block >= b.hi {
		return
	}
	if b.pred(ts) {
		b.hi = block
	} else {
		b.lo = block + 1
	}
}

// Resolve returns the block bounding target in direction dir. A non-empty
// hintKey reuses and updates the sequential hint stored under that key.
func (r *Resolver) Resolve(ctx context.Context, target int64, dir Direction, hintKey string) (uint64, error) {
	head, err := r.head.LatestBlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain head: %w", err)
	}
	if head == 0 {
		return 0, ErrNotFound
	}

	b := &bounds{lo: 1, hi: head + 1}
	if dir == After {
		b.pred = func(ts int64) bool { return ts >= target }
	} else {
		b.pred = func(ts int64) bool { return ts > target }
	}

	n := r.cache.ClosestBlocks(target)
	if n.Before != nil {
		b.narrow(n.Before.Block, n.Before.Timestamp)
	}
	if n.After != nil {
		b.narrow(n.After.Block, n.After.Timestamp)
	}
	// Exact cached hits pin the answer when the block before the first hit
	// is cached too.
	if hits := r.cache.BlocksAt(target); len(hits) > 0 {
		first, last := hits[0], hits[len(hits)-1]
		b.narrow(first, target)
		b.narrow(last, target)
		if first > 1 {
			if ts, ok := r.cache.Get(first - 1); ok {
				b.narrow(first-1, ts)
			}
		}
	}

	probe := func(block uint64) (bool, error) {
		ts, err := r.timestamp(ctx, block)
		if err != nil {
			return false, &ResolutionError{Target: target, Direction: dir, Block: block, Err: err}
		}
		b.narrow(block, ts)
		return b.pred(ts), nil
	}

	if hintKey != "" {
		if err := r.checkHint(hintKey, b, probe); err != nil {
			return 0, err
		}
	}

	for b.lo < b.hi {
		mid := b.lo + (b.hi-b.lo)/2
		if _, err := probe(mid); err != nil {
			return 0, err
		}
	}

	// b.lo is now the first block satisfying pred, or head+1.
	var block uint64
	switch dir {
	case After:
		if b.lo > head {
			return 0, ErrNotFound
		}
		block = b.lo
	case Before:
		if b.lo <= 1 {
			return 0, ErrNotFound
		}
		block = b.lo - 1
	}

	if hintKey != "" {
		r.cache.SetHint(hintKey, block)
	}
	return block, nil
}

// checkHint spends at most two probes around the stored hint. When the hint
// is still the boundary the search interval collapses right away.
func (r *Resolver) checkHint(key string, b *bounds, probe func(uint64) (bool, error)) error {
	hint, ok := r.cache.SequentialHint(key)
	if !ok || hint < b.lo || hint >= b.hi {
		return nil
	}

	hit, err := probe(hint)
	if err != nil {
		return err
	}
	next := hint + 1
	if hit {
		next = hint - 1
	}
	if next >= b.lo && next < b.hi {
		if _, err := probe(next); err != nil {
			return err
		}
	}

	if b.lo == b.hi {
		metrics.ResolverProbes.WithLabelValues("hint_hit").Inc()
	}
	return nil
}

// timestamp returns the block timestamp from the cache or the chain. A block
// the node does not have yet is retried with backoff.
func (r *Resolver) timestamp(ctx context.Context, block uint64) (int64, error) {
	if ts, ok := r.cache.Get(block); ok {
		metrics.ResolverProbes.WithLabelValues("cache").Inc()
		return ts, nil
	}

	var ts int64
	err := retry.Do(ctx, r.clock, r.retry,
		func(err error) bool { return errors.Is(err, errBlockPending) },
		func(ctx context.Context) error {
			metrics.ResolverProbes.WithLabelValues("rpc").Inc()
			h, err := r.headers.HeaderByNumber(ctx, block)
			if err != nil {
				return err
			}
			if h == nil {
				r.log.Debug("Block not available, retrying", "block", block)
				return errBlockPending
			}
			ts = h.Timestamp
			return nil
		},
	)
	if err != nil {
		return 0, err
	}

	r.cache.Put(block, ts)
	return ts, nil
}

// Hint stores block under key so the next resolution for key starts there.
func (r *Resolver) Hint(key string, block uint64) {
	r.cache.SetHint(key, block)
}
