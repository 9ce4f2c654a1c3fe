package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/vietddude/roundwatcher/internal/core/domain"
)

// openTestDB connects to ROUNDWATCHER_TEST_DATABASE_URL and resets the schema.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("ROUNDWATCHER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping postgres test. Set ROUNDWATCHER_TEST_DATABASE_URL to run.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := NewDB(ctx, Config{URL: url})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS boosted_transactions, indexed_rounds, indexing_status, rounds, goose_db_version`); err != nil {
		t.Fatalf("Failed to reset schema: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func TestRoundRepo_Lifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewRoundRepo(db)
	ctx := context.Background()

	for _, r := range []uint64{1, 2, 3} {
		if err := repo.CreateRound(ctx, &domain.RoundInfo{Round: r, StartTimestamp: int64(r * 60), EndTimestamp: int64(r*60 + 59)}); err != nil {
			t.Fatalf("CreateRound failed: %v", err)
		}
	}
	if err := repo.UpdateBlockRange(ctx, 2, 100, 200); err != nil {
		t.Fatalf("UpdateBlockRange failed: %v", err)
	}
	if err := repo.MarkRoundIndexed(ctx, 2, 3); err != nil {
		t.Fatalf("MarkRoundIndexed failed: %v", err)
	}
	// Upsert keeps the block range.
	if err := repo.CreateRound(ctx, &domain.RoundInfo{Round: 2, StartTimestamp: 120, EndTimestamp: 179}); err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}

	info, err := repo.FindRound(ctx, 2)
	if err != nil || info == nil {
		t.Fatalf("FindRound failed: %v", err)
	}
	if info.StartBlock == nil || *info.StartBlock != 100 || *info.EndBlock != 200 {
		t.Errorf("Expected block range 100-200, got %v-%v", info.StartBlock, info.EndBlock)
	}

	unindexed, err := repo.FindUnindexed(ctx, 0)
	if err != nil {
		t.Fatalf("FindUnindexed failed: %v", err)
	}
	if len(unindexed) != 2 || unindexed[0].Round != 3 || unindexed[1].Round != 1 {
		t.Errorf("Expected rounds [3 1], got %+v", unindexed)
	}

	_ = repo.MarkStarted(ctx, 3, "owner")
	_ = repo.MarkFailed(ctx, 3, "boom")
	failed, err := repo.FindFailed(ctx, 10)
	if err != nil || len(failed) != 1 || failed[0].Attempts != 1 {
		t.Fatalf("Expected one failed round, got %+v, %v", failed, err)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalRounds != 3 || stats.IndexedRounds != 1 || stats.FailedRounds != 1 || stats.LastIndexedBlock != 200 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	n, err := repo.ResetStatus(ctx, []uint64{2, 3})
	if err != nil || n != 2 {
		t.Fatalf("Expected 2 rounds reset, got %d, %v", n, err)
	}
	indexed, _ := repo.IndexedRounds(ctx)
	if len(indexed) != 0 {
		t.Errorf("Expected no indexed rounds after reset, got %v", indexed)
	}
}

func TestRoundStore_SaveReplacesTransactions(t *testing.T) {
	db := openTestDB(t)
	store := NewRoundStore(db)
	ctx := context.Background()

	round := &domain.IndexedRound{
		Round:          9,
		StartTimestamp: 540,
		EndTimestamp:   599,
		StartBlock:     domain.Uint64Ptr(10),
		EndBlock:       domain.Uint64Ptr(20),
		Transactions: []domain.BoostedTransaction{
			{Hash: "0xa", BlockNumber: 12, Boosted: true},
			{Hash: "0xb", BlockNumber: 15, Boosted: true},
		},
		IndexedAt: time.Unix(600, 0).UTC(),
		Partial:   true,
	}
	if err := store.Save(ctx, round); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	round.Transactions = []domain.BoostedTransaction{
		{Hash: "0xb", BlockNumber: 15, Boosted: true},
		{Hash: "0xc", BlockNumber: 18, Boosted: true},
	}
	round.Partial = false
	if err := store.Save(ctx, round); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, 9)
	if err != nil || got == nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Partial || len(got.Transactions) != 2 || got.Transactions[0].Hash != "0xb" || got.Transactions[1].Hash != "0xc" {
		t.Errorf("Unexpected stored round: %+v", got)
	}

	missing, err := store.Get(ctx, 10)
	if err != nil || missing != nil {
		t.Errorf("Expected nil for a missing round, got %v, %v", missing, err)
	}
}

func TestRoundStore_Delete(t *testing.T) {
	db := openTestDB(t)
	store := NewRoundStore(db)
	ctx := context.Background()

	for _, n := range []uint64{1, 2} {
		r := &domain.IndexedRound{
			Round:        n,
			Transactions: []domain.BoostedTransaction{{Hash: fmt.Sprintf("0x%d", n), Boosted: true}},
			IndexedAt:    time.Unix(600, 0).UTC(),
		}
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	if err := store.Delete(ctx, []uint64{1, 5}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if got, err := store.Get(ctx, 1); err != nil || got != nil {
		t.Errorf("Expected round 1 gone, got %v, %v", got, err)
	}
	if got, err := store.Get(ctx, 2); err != nil || got == nil || len(got.Transactions) != 1 {
		t.Errorf("Expected round 2 intact, got %v, %v", got, err)
	}
}
