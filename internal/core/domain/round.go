package domain

import "time"

// AuctionKind describes how the auction for a round was resolved.
type AuctionKind string

const (
	AuctionKindSingle  AuctionKind = "single"
	AuctionKindMulti   AuctionKind = "multi"
	AuctionKindUnknown AuctionKind = "unknown"
)

// RoundInfo is a round as reported by the event source.
// StartBlock and EndBlock are filled in once the round has been indexed.
type RoundInfo struct {
	Round             uint64      `json:"round"              db:"round"`
	StartTimestamp    int64       `json:"start_timestamp"    db:"start_timestamp"`
	EndTimestamp      int64       `json:"end_timestamp"      db:"end_timestamp"`
	ControllerAddress string      `json:"controller_address" db:"controller_address"`
	AuctionKind       AuctionKind `json:"auction_kind"       db:"auction_kind"`
	Winner            string      `json:"winner"             db:"winner"`
	WinningAmount     string      `json:"winning_amount"     db:"winning_amount"`
	PricePaid         string      `json:"price_paid"         db:"price_paid"`
	ResolutionRef     string      `json:"resolution_ref"     db:"resolution_ref"`
	StartBlock        *uint64     `json:"start_block,omitempty" db:"start_block"`
	EndBlock          *uint64     `json:"end_block,omitempty"   db:"end_block"`
}

// Ongoing reports whether the round window is still open at now.
func (r RoundInfo) Ongoing(now time.Time) bool {
	return now.Unix() < r.EndTimestamp
}

// Started reports whether the round window has opened at now.
func (r RoundInfo) Started(now time.Time) bool {
	return now.Unix() >= r.StartTimestamp
}

// IndexedRound is the result of indexing one round.
type IndexedRound struct {
	Round          uint64               `json:"round"`
	StartTimestamp int64                `json:"start_timestamp"`
	EndTimestamp   int64                `json:"end_timestamp"`
	StartBlock     *uint64              `json:"start_block,omitempty"`
	EndBlock       *uint64              `json:"end_block,omitempty"`
	Transactions   []BoostedTransaction `json:"transactions"`
	IndexedAt      time.Time            `json:"indexed_at"`

	// Partial is set while the round window is still open on chain.
	Partial bool `json:"partial,omitempty"`
}

// HasTransaction reports whether hash is already part of the round.
func (r *IndexedRound) HasTransaction(hash string) bool {
	for _, tx := range r.Transactions {
		if tx.Hash == hash {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices or pointers with r.
func (r *IndexedRound) Clone() *IndexedRound {
	c := *r
	if r.StartBlock != nil {
		c.StartBlock = Uint64Ptr(*r.StartBlock)
	}
	if r.EndBlock != nil {
		c.EndBlock = Uint64Ptr(*r.EndBlock)
	}
	c.Transactions = append([]BoostedTransaction(nil), r.Transactions...)
	return &c
}

// Uint64Ptr returns a pointer to v.
func Uint64Ptr(v uint64) *uint64 {
	return &v
}
