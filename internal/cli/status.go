package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/roundwatcher/internal/core/config"
	"github.com/vietddude/roundwatcher/internal/infra/storage/postgres"
)

var failedLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show indexing progress and failed rounds",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&failedLimit, "failed", 20, "number of failed rounds to list")
	rootCmd.AddCommand(statusCmd)
}

// openRepo connects to the configured database. Both offline commands need
// persisted state, so a missing database URL is fatal.
func openRepo(ctx context.Context, cfg *config.AppConfig) (*postgres.DB, *postgres.RoundRepo) {
	if cfg.Database.URL == "" {
		slog.Error("database.url is required")
		os.Exit(1)
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	return db, postgres.NewRoundRepo(db)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	db, repo := openRepo(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	stats, err := repo.Stats(ctx)
	if err != nil {
		slog.Error("Failed to read stats", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ROUNDS\tINDEXED\tFAILED\tPENDING\tLAST ROUND\tLAST BLOCK")
	_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\n",
		stats.TotalRounds,
		stats.IndexedRounds,
		stats.FailedRounds,
		stats.PendingRounds,
		stats.LastIndexedRound,
		stats.LastIndexedBlock,
	)
	_ = w.Flush()

	if stats.FailedRounds == 0 || failedLimit <= 0 {
		return
	}

	failed, err := repo.FindFailed(ctx, failedLimit)
	if err != nil {
		slog.Error("Failed to query failed rounds", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ROUND\tATTEMPTS\tUPDATED\tERROR")
	for _, rec := range failed {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", rec.Round, rec.Attempts, rec.UpdatedAt.Format(time.RFC3339), rec.Error)
	}
	_ = w.Flush()
}
