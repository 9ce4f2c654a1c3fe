package domain

// BlockHeader is the part of a block the resolver needs.
type BlockHeader struct {
	Number    uint64
	Hash      string
	Timestamp int64
}
