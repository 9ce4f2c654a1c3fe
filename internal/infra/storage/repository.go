package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/roundwatcher/internal/core/domain"
)

var (
	// ErrRoundNotFound is returned when a round record doesn't exist
	ErrRoundNotFound = errors.New("round record not found")
)

// RoundRepository handles round records and their indexing status
type RoundRepository interface {
	// CreateRound inserts a round record. Existing records keep their
	// block range and indexed state.
	CreateRound(ctx context.Context, info *domain.RoundInfo) error

	// FindRound retrieves a round record, nil if absent
	FindRound(ctx context.Context, round uint64) (*domain.RoundInfo, error)

	// LatestRound returns the newest round record
	LatestRound(ctx context.Context) (uint64, bool, error)

	// FindUnindexed returns rounds not yet indexed, newest first. A limit <= 0 returns all.
	FindUnindexed(ctx context.Context, limit int) ([]domain.RoundInfo, error)

	// MarkRoundIndexed flags a round record as indexed
	MarkRoundIndexed(ctx context.Context, round uint64, txCount int) error

	// UpdateBlockRange stores the resolved block range of a round
	UpdateBlockRange(ctx context.Context, round, startBlock, endBlock uint64) error

	// IndexedRounds returns indexed round numbers in ascending order
	IndexedRounds(ctx context.Context) ([]uint64, error)

	// MarkStarted records an indexing attempt by owner
	MarkStarted(ctx context.Context, round uint64, owner string) error

	// MarkCompleted records a finished attempt
	MarkCompleted(ctx context.Context, round uint64, txCount int) error

	// MarkFailed records a failed attempt
	MarkFailed(ctx context.Context, round uint64, errMsg string) error

	// FindPending returns attempts still started and last updated before olderThan
	FindPending(ctx context.Context, olderThan time.Time) ([]domain.IndexingRecord, error)

	// FindFailed returns failed attempts, oldest first. A limit <= 0 returns all.
	FindFailed(ctx context.Context, limit int) ([]domain.IndexingRecord, error)

	// ResetStatus clears indexing state of rounds so they are indexed again
	ResetStatus(ctx context.Context, rounds []uint64) (int, error)

	// Stats aggregates indexing progress
	Stats(ctx context.Context) (*domain.IndexingStats, error)
}
