package domain

import "time"

// IndexState is the phase of a round in the indexing state machine.
type IndexState string

const (
	IndexStatePending   IndexState = "pending"
	IndexStateIndexing  IndexState = "indexing"
	IndexStateCompleted IndexState = "completed"
	IndexStateError     IndexState = "error"
)

// RoundIndexStatus mirrors the state machine for observers. It is not persisted.
type RoundIndexStatus struct {
	Round            uint64     `json:"round"`
	State            IndexState `json:"state"`
	TransactionCount int        `json:"transaction_count"`
	LastIndexed      *time.Time `json:"last_indexed,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// RecordStatus is the persisted indexing status of a round.
type RecordStatus string

const (
	RecordStatusStarted   RecordStatus = "started"
	RecordStatusCompleted RecordStatus = "completed"
	RecordStatusFailed    RecordStatus = "failed"
)

// IndexingRecord tracks indexing attempts of a round in persistence.
type IndexingRecord struct {
	Round            uint64       `json:"round"             db:"round"`
	Status           RecordStatus `json:"status"            db:"status"`
	Owner            string       `json:"owner"             db:"owner"`
	Attempts         int          `json:"attempts"          db:"attempts"`
	TransactionCount int          `json:"transaction_count" db:"transaction_count"`
	Error            string       `json:"error"             db:"error"`
	StartedAt        time.Time    `json:"started_at"        db:"started_at"`
	UpdatedAt        time.Time    `json:"updated_at"        db:"updated_at"`
}

// IndexingStats aggregates persisted indexing progress.
type IndexingStats struct {
	TotalRounds      int    `json:"total_rounds"       db:"total_rounds"`
	IndexedRounds    int    `json:"indexed_rounds"     db:"indexed_rounds"`
	FailedRounds     int    `json:"failed_rounds"      db:"failed_rounds"`
	PendingRounds    int    `json:"pending_rounds"     db:"pending_rounds"`
	LastIndexedRound uint64 `json:"last_indexed_round" db:"last_indexed_round"`
	LastIndexedBlock uint64 `json:"last_indexed_block" db:"last_indexed_block"`
}
