package chain

import (
	"context"

	"github.com/vietddude/roundwatcher/internal/core/domain"
)

// Adapter is the boundary between the indexer and chain-specific reads.
type Adapter interface {
	// LatestBlockNumber returns the latest block number on the chain
	LatestBlockNumber(ctx context.Context) (uint64, error)

	// HeaderByNumber fetches a block header. A block that does not exist yet
	// returns nil and no error.
	HeaderByNumber(ctx context.Context, number uint64) (*domain.BlockHeader, error)

	// LatestHeader fetches the header at the chain head
	LatestHeader(ctx context.Context) (*domain.BlockHeader, error)

	// BoostedTransactions returns the boosted transactions of one block in
	// block order
	BoostedTransactions(ctx context.Context, number uint64) ([]domain.BoostedTransaction, error)

	// ChainID returns the chain identifier reported by the node
	ChainID(ctx context.Context) (domain.ChainID, error)
}
