package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/roundwatcher/internal/indexing/rescan"
	"github.com/vietddude/roundwatcher/internal/indexing/round"
	redisclient "github.com/vietddude/roundwatcher/internal/infra/redis"
	"github.com/vietddude/roundwatcher/internal/infra/storage/postgres"
)

var (
	reindexRounds string
	reindexChunk  uint64
)

var reindexCmd = &cobra.Command{
	Use:   "reindex --rounds 100-200,305",
	Short: "Reset rounds so a running watcher indexes them again",
	Run:   runReindex,
}

func init() {
	reindexCmd.Flags().StringVar(&reindexRounds, "rounds", "", "rounds to reset, e.g. 100-200,305")
	reindexCmd.Flags().Uint64Var(&reindexChunk, "chunk", rescan.DefaultChunkSize, "rounds reset per statement")
	_ = reindexCmd.MarkFlagRequired("rounds")
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(cmd *cobra.Command, args []string) {
	ranges, err := rescan.ParseRanges(reindexRounds)
	if err != nil {
		fmt.Printf("Invalid rounds: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig()

	ctx := context.Background()
	db, repo := openRepo(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	var store round.Store = postgres.NewRoundStore(db)
	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("Failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = client.Close()
		}()
		store = &round.LayeredStore{
			Cache:   redisclient.NewRoundStore(client, cfg.Redis.RoundTTL),
			Backing: store,
		}
	}

	n, err := rescan.Reindex(ctx, repo, store, ranges, reindexChunk, slog.Default())
	if err != nil {
		slog.Error("Failed to reset rounds", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Reset %d round records in %d range(s)\n", n, len(ranges))
}
