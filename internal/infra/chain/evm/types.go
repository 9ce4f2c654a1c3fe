package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/roundwatcher/internal/core/domain"
)

type rpcHeader struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

func (h *rpcHeader) toDomain() *domain.BlockHeader {
	return &domain.BlockHeader{
		Number:    uint64(h.Number),
		Hash:      h.Hash.Hex(),
		Timestamp: int64(h.Timestamp),
	}
}

// Transaction is the subset of a block transaction the indexer reads.
type Transaction struct {
	Hash             common.Hash     `json:"hash"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Value            *hexutil.Big    `json:"value"`
	TransactionIndex hexutil.Uint64  `json:"transactionIndex"`
}

// Block is a block fetched with full transaction objects.
type Block struct {
	rpcHeader
	Transactions []Transaction `json:"transactions"`
}

// Header returns the block header.
func (b *Block) Header() *domain.BlockHeader {
	return b.toDomain()
}

// Receipt is the subset of a transaction receipt the indexer reads.
// Timeboosted is nil when the node does not report the marker.
type Receipt struct {
	TxHash            common.Hash     `json:"transactionHash"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	From              common.Address  `json:"from"`
	To                *common.Address `json:"to"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	Status            hexutil.Uint64  `json:"status"`
	Timeboosted       *bool           `json:"timeboosted"`
}

// BoostFilter decides which receipts count as boosted.
type BoostFilter struct {
	AuctionContract common.Address
	// Fallback matches the recipient against AuctionContract when the receipt
	// carries no timeboosted marker. This is a heuristic and can misclassify.
	Fallback bool
}

// Boosted reports whether r received priority ordering.
func (f BoostFilter) Boosted(r *Receipt) bool {
	if r.Timeboosted != nil {
		return *r.Timeboosted
	}
	if !f.Fallback || f.AuctionContract == (common.Address{}) {
		return false
	}
	return r.To != nil && *r.To == f.AuctionContract
}

func toBoosted(tx Transaction, r *Receipt, timestamp int64) domain.BoostedTransaction {
	return domain.BoostedTransaction{
		Hash:              r.TxHash.Hex(),
		BlockNumber:       uint64(r.BlockNumber),
		TxIndex:           uint64(r.TransactionIndex),
		Timestamp:         timestamp,
		From:              strings.ToLower(r.From.Hex()),
		To:                lowerAddress(r.To),
		Value:             bigString(tx.Value),
		GasUsed:           uint64(r.GasUsed),
		EffectiveGasPrice: bigString(r.EffectiveGasPrice),
		Boosted:           true,
	}
}

func lowerAddress(a *common.Address) string {
	if a == nil {
		return ""
	}
	return strings.ToLower(a.Hex())
}

func bigString(v *hexutil.Big) string {
	if v == nil {
		return "0"
	}
	return (*big.Int)(v).String()
}
