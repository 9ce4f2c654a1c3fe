package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/roundwatcher/internal/core/domain"
)

// RoundStore keeps indexed rounds in indexed_rounds and boosted_transactions.
type RoundStore struct {
	db *DB
}

// NewRoundStore creates a new PostgreSQL round store.
func NewRoundStore(db *DB) *RoundStore {
	return &RoundStore{db: db}
}

type indexedRoundRow struct {
	Round          uint64    `db:"round"`
	StartTimestamp int64     `db:"start_timestamp"`
	EndTimestamp   int64     `db:"end_timestamp"`
	StartBlock     *uint64   `db:"start_block"`
	EndBlock       *uint64   `db:"end_block"`
	Partial        bool      `db:"partial"`
	IndexedAt      time.Time `db:"indexed_at"`
}

type boostedTxRow struct {
	Round uint64 `db:"round"`
	domain.BoostedTransaction
}

// Get returns the stored round, or nil if absent.
func (s *RoundStore) Get(ctx context.Context, round uint64) (*domain.IndexedRound, error) {
	var row indexedRoundRow
	err := s.db.GetContext(ctx, &row, `
		SELECT round, start_timestamp, end_timestamp, start_block, end_block, partial, indexed_at
		FROM indexed_rounds WHERE round = $1`, round)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get indexed round %d: %w", round, err)
	}

	txs := []domain.BoostedTransaction{}
	if err := s.db.SelectContext(ctx, &txs, `
		SELECT tx_hash, block_number, tx_index, timestamp, from_address, to_address,
			value, gas_used, effective_gas_price, boosted
		FROM boosted_transactions
		WHERE round = $1
		ORDER BY block_number, tx_index`, round); err != nil {
		return nil, fmt.Errorf("failed to get transactions of round %d: %w", round, err)
	}

	return &domain.IndexedRound{
		Round:          row.Round,
		StartTimestamp: row.StartTimestamp,
		EndTimestamp:   row.EndTimestamp,
		StartBlock:     row.StartBlock,
		EndBlock:       row.EndBlock,
		Transactions:   txs,
		IndexedAt:      row.IndexedAt,
		Partial:        row.Partial,
	}, nil
}

// Save replaces the stored copy of r in one transaction.
func (s *RoundStore) Save(ctx context.Context, r *domain.IndexedRound) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO indexed_rounds (round, start_timestamp, end_timestamp, start_block, end_block, partial, indexed_at)
		VALUES (:round, :start_timestamp, :end_timestamp, :start_block, :end_block, :partial, :indexed_at)
		ON CONFLICT (round) DO UPDATE SET
			start_block = EXCLUDED.start_block,
			end_block   = EXCLUDED.end_block,
			partial     = EXCLUDED.partial,
			indexed_at  = EXCLUDED.indexed_at`,
		indexedRoundRow{
			Round:          r.Round,
			StartTimestamp: r.StartTimestamp,
			EndTimestamp:   r.EndTimestamp,
			StartBlock:     r.StartBlock,
			EndBlock:       r.EndBlock,
			Partial:        r.Partial,
			IndexedAt:      r.IndexedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to save indexed round %d: %w", r.Round, err)
	}

	hashes := make([]string, len(r.Transactions))
	for i, t := range r.Transactions {
		hashes[i] = t.Hash
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM boosted_transactions WHERE round = $1 AND NOT (tx_hash = ANY($2))`,
		r.Round, pq.Array(hashes)); err != nil {
		return fmt.Errorf("failed to prune transactions of round %d: %w", r.Round, err)
	}

	for _, t := range r.Transactions {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO boosted_transactions (round, tx_hash, block_number, tx_index, timestamp,
				from_address, to_address, value, gas_used, effective_gas_price, boosted)
			VALUES (:round, :tx_hash, :block_number, :tx_index, :timestamp,
				:from_address, :to_address, :value, :gas_used, :effective_gas_price, :boosted)
			ON CONFLICT (round, tx_hash) DO NOTHING`,
			boostedTxRow{Round: r.Round, BoostedTransaction: t},
		); err != nil {
			return fmt.Errorf("failed to save transaction %s: %w", t.Hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit round %d: %w", r.Round, err)
	}
	return nil
}

// Delete removes indexed rounds. Their transactions go with them.
func (s *RoundStore) Delete(ctx context.Context, rounds []uint64) error {
	if len(rounds) == 0 {
		return nil
	}
	ids := make([]int64, len(rounds))
	for i, r := range rounds {
		ids[i] = int64(r)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM indexed_rounds WHERE round = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to delete indexed rounds: %w", err)
	}
	return nil
}
