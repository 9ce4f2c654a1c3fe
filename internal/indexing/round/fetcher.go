package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/vietddude/roundwatcher/internal/core/domain"
)

// Chain is the chain data the indexer reads.
type Chain interface {
	LatestHeader(ctx context.Context) (*domain.BlockHeader, error)
	BoostedTransactions(ctx context.Context, number uint64) ([]domain.BoostedTransaction, error)
}

// Limits is the view of the rate limiter the indexer needs.
type Limits interface {
	BatchSize() int
	PauseRemaining() time.Duration
}

// fetcher scans block ranges for boosted transactions. It is shared by the
// indexer and the ongoing tracker.
type fetcher struct {
	chain    Chain
	limits   Limits
	maxBatch int
	log      *slog.Logger
}

// Range returns the boosted transactions in [from, to] sorted by block and
// position. Blocks are fetched in parallel on a pool sized by the limiter.
func (f *fetcher) Range(ctx context.Context, from, to uint64) ([]domain.BoostedTransaction, error) {
	if to < from {
		return nil, nil
	}

	workers := f.maxBatch
	if f.limits != nil {
		workers = min(max(f.limits.BatchSize(), 1), f.maxBatch)
	}
	pool := pond.NewPool(workers)
	defer pool.StopAndWait()

	var mu sync.Mutex
	var txs []domain.BoostedTransaction

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for block := from; block <= to; block++ {
		group.SubmitErr(func() error {
			found, err := f.chain.BoostedTransactions(groupCtx, block)
			if err != nil {
				return fmt.Errorf("block %d: %w", block, err)
			}
			if len(found) == 0 {
				return nil
			}
			mu.Lock()
			txs = append(txs, found...)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if errors.Is(err, pond.ErrGroupStopped) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	domain.SortTransactions(txs)
	f.log.Debug("Scanned block range", "from", from, "to", to, "boosted", len(txs), "workers", workers)
	return txs, nil
}
