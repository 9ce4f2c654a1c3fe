package domain

import "sort"

// BoostedTransaction is a transaction that received priority ordering within a round.
type BoostedTransaction struct {
	Hash              string `json:"hash"                db:"tx_hash"`
	BlockNumber       uint64 `json:"block_number"        db:"block_number"`
	TxIndex           uint64 `json:"tx_index"            db:"tx_index"`
	Timestamp         int64  `json:"timestamp"           db:"timestamp"`
	From              string `json:"from"                db:"from_address"`
	To                string `json:"to"                  db:"to_address"`
	Value             string `json:"value"               db:"value"`
	GasUsed           uint64 `json:"gas_used"            db:"gas_used"`
	EffectiveGasPrice string `json:"effective_gas_price" db:"effective_gas_price"`
	Boosted           bool   `json:"boosted"             db:"boosted"`
}

// SortTransactions orders txs by block number, then by position in the block.
func SortTransactions(txs []BoostedTransaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].BlockNumber != txs[j].BlockNumber {
			return txs[i].BlockNumber < txs[j].BlockNumber
		}
		return txs[i].TxIndex < txs[j].TxIndex
	})
}
