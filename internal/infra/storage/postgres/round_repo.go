package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/infra/storage"
)

// RoundRepo implements storage.RoundRepository using PostgreSQL.
type RoundRepo struct {
	db *DB
}

var _ storage.RoundRepository = (*RoundRepo)(nil)

// NewRoundRepo creates a new PostgreSQL round repository.
func NewRoundRepo(db *DB) *RoundRepo {
	return &RoundRepo{db: db}
}

const roundColumns = `round, start_timestamp, end_timestamp, controller_address, auction_kind,
	winner, winning_amount, price_paid, resolution_ref, start_block, end_block`

// CreateRound inserts a round record, refreshing auction fields of an existing one.
func (r *RoundRepo) CreateRound(ctx context.Context, info *domain.RoundInfo) error {
	kind := info.AuctionKind
	if kind == "" {
		kind = domain.AuctionKindUnknown
	}
	row := *info
	row.AuctionKind = kind

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO rounds (`+roundColumns+`)
		VALUES (:round, :start_timestamp, :end_timestamp, :controller_address, :auction_kind,
			:winner, :winning_amount, :price_paid, :resolution_ref, :start_block, :end_block)
		ON CONFLICT (round) DO UPDATE SET
			start_timestamp    = EXCLUDED.start_timestamp,
			end_timestamp      = EXCLUDED.end_timestamp,
			controller_address = EXCLUDED.controller_address,
			auction_kind       = EXCLUDED.auction_kind,
			winner             = EXCLUDED.winner,
			winning_amount     = EXCLUDED.winning_amount,
			price_paid         = EXCLUDED.price_paid,
			resolution_ref     = EXCLUDED.resolution_ref,
			start_block        = COALESCE(rounds.start_block, EXCLUDED.start_block),
			end_block          = COALESCE(rounds.end_block, EXCLUDED.end_block)`,
		&row,
	)
	if err != nil {
		return fmt.Errorf("failed to create round %d: %w", info.Round, err)
	}
	return nil
}

// FindRound retrieves a round record, nil if absent.
func (r *RoundRepo) FindRound(ctx context.Context, round uint64) (*domain.RoundInfo, error) {
	var info domain.RoundInfo
	err := r.db.GetContext(ctx, &info, `SELECT `+roundColumns+` FROM rounds WHERE round = $1`, round)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find round %d: %w", round, err)
	}
	return &info, nil
}

// LatestRound returns the newest round record.
func (r *RoundRepo) LatestRound(ctx context.Context) (uint64, bool, error) {
	var latest sql.NullInt64
	if err := r.db.GetContext(ctx, &latest, `SELECT MAX(round) FROM rounds`); err != nil {
		return 0, false, fmt.Errorf("failed to get latest round: %w", err)
	}
	return uint64(latest.Int64), latest.Valid, nil
}

// FindUnindexed returns rounds not yet indexed, newest first.
func (r *RoundRepo) FindUnindexed(ctx context.Context, limit int) ([]domain.RoundInfo, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE indexed_at IS NULL ORDER BY round DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var out []domain.RoundInfo
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find unindexed rounds: %w", err)
	}
	return out, nil
}

// MarkRoundIndexed flags a round record as indexed.
func (r *RoundRepo) MarkRoundIndexed(ctx context.Context, round uint64, txCount int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds SET indexed_at = NOW(), transaction_count = $2 WHERE round = $1`,
		round, txCount,
	)
	if err != nil {
		return fmt.Errorf("failed to mark round %d indexed: %w", round, err)
	}
	return expectRow(res, round)
}

// UpdateBlockRange stores the resolved block range of a round.
func (r *RoundRepo) UpdateBlockRange(ctx context.Context, round, startBlock, endBlock uint64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE rounds SET start_block = $2, end_block = $3 WHERE round = $1`,
		round, startBlock, endBlock,
	)
	if err != nil {
		return fmt.Errorf("failed to update block range of round %d: %w", round, err)
	}
	return expectRow(res, round)
}

func expectRow(res sql.Result, round uint64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("round %d: %w", round, storage.ErrRoundNotFound)
	}
	return nil
}

// IndexedRounds returns indexed round numbers in ascending order.
func (r *RoundRepo) IndexedRounds(ctx context.Context) ([]uint64, error) {
	var out []uint64
	if err := r.db.SelectContext(ctx, &out, `
		SELECT round FROM rounds WHERE indexed_at IS NOT NULL ORDER BY round`); err != nil {
		return nil, fmt.Errorf("failed to list indexed rounds: %w", err)
	}
	return out, nil
}

// MarkStarted records an indexing attempt by owner.
func (r *RoundRepo) MarkStarted(ctx context.Context, round uint64, owner string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO indexing_status (round, status, owner, attempts, started_at, updated_at)
		VALUES ($1, $2, $3, 1, NOW(), NOW())
		ON CONFLICT (round) DO UPDATE SET
			status     = EXCLUDED.status,
			owner      = EXCLUDED.owner,
			attempts   = indexing_status.attempts + 1,
			error      = '',
			started_at = NOW(),
			updated_at = NOW()`,
		round, domain.RecordStatusStarted, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to mark round %d started: %w", round, err)
	}
	return nil
}

// MarkCompleted records a finished attempt.
func (r *RoundRepo) MarkCompleted(ctx context.Context, round uint64, txCount int) error {
	return r.finish(ctx, round, domain.RecordStatusCompleted, txCount, "")
}

// MarkFailed records a failed attempt.
func (r *RoundRepo) MarkFailed(ctx context.Context, round uint64, errMsg string) error {
	return r.finish(ctx, round, domain.RecordStatusFailed, 0, errMsg)
}

func (r *RoundRepo) finish(ctx context.Context, round uint64, status domain.RecordStatus, txCount int, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO indexing_status (round, status, transaction_count, error, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (round) DO UPDATE SET
			status            = EXCLUDED.status,
			transaction_count = EXCLUDED.transaction_count,
			error             = EXCLUDED.error,
			updated_at        = NOW()`,
		round, status, txCount, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to mark round %d %s: %w", round, status, err)
	}
	return nil
}

const statusColumns = `round, status, owner, attempts, transaction_count, error, started_at, updated_at`

// FindPending returns attempts still started and last updated before olderThan.
func (r *RoundRepo) FindPending(ctx context.Context, olderThan time.Time) ([]domain.IndexingRecord, error) {
	var out []domain.IndexingRecord
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+statusColumns+` FROM indexing_status
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at, round`,
		domain.RecordStatusStarted, olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending rounds: %w", err)
	}
	return out, nil
}

// FindFailed returns failed attempts, oldest first.
func (r *RoundRepo) FindFailed(ctx context.Context, limit int) ([]domain.IndexingRecord, error) {
	query := `SELECT ` + statusColumns + ` FROM indexing_status WHERE status = $1 ORDER BY updated_at, round`
	args := []any{domain.RecordStatusFailed}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var out []domain.IndexingRecord
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find failed rounds: %w", err)
	}
	return out, nil
}

// ResetStatus clears indexing state of rounds so they are indexed again.
func (r *RoundRepo) ResetStatus(ctx context.Context, rounds []uint64) (int, error) {
	if len(rounds) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(rounds))
	for i, round := range rounds {
		ids[i] = int64(round)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var reset []int64
	if err := tx.SelectContext(ctx, &reset, `
		UPDATE rounds SET indexed_at = NULL, transaction_count = 0
		WHERE round = ANY($1)
		RETURNING round`, pq.Array(ids)); err != nil {
		return 0, fmt.Errorf("failed to reset rounds: %w", err)
	}
	var cleared []int64
	if err := tx.SelectContext(ctx, &cleared, `
		DELETE FROM indexing_status WHERE round = ANY($1) RETURNING round`, pq.Array(ids)); err != nil {
		return 0, fmt.Errorf("failed to clear indexing status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reset: %w", err)
	}

	touched := make(map[int64]struct{}, len(reset)+len(cleared))
	for _, id := range append(reset, cleared...) {
		touched[id] = struct{}{}
	}
	return len(touched), nil
}

// Stats aggregates indexing progress.
func (r *RoundRepo) Stats(ctx context.Context) (*domain.IndexingStats, error) {
	var stats domain.IndexingStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*)                                                     AS total_rounds,
			COUNT(*) FILTER (WHERE indexed_at IS NOT NULL)               AS indexed_rounds,
			(SELECT COUNT(*) FROM indexing_status WHERE status = $1)     AS failed_rounds,
			COUNT(*) FILTER (WHERE indexed_at IS NULL)                   AS pending_rounds,
			COALESCE(MAX(round) FILTER (WHERE indexed_at IS NOT NULL), 0)     AS last_indexed_round,
			COALESCE(MAX(end_block) FILTER (WHERE indexed_at IS NOT NULL), 0) AS last_indexed_block
		FROM rounds`,
		domain.RecordStatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}
	return &stats, nil
}
