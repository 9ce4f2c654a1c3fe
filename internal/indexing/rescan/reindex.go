package rescan

import (
	"context"
	"fmt"
	"log/slog"
)

// DefaultChunkSize bounds the rounds reset per statement.
const DefaultChunkSize = 500

// Resetter clears persisted indexing state. It is satisfied by storage.RoundRepository.
type Resetter interface {
	ResetStatus(ctx context.Context, rounds []uint64) (int, error)
}

// Dropper removes stored indexed rounds. It is satisfied by round.Store.
type Dropper interface {
	Delete(ctx context.Context, rounds []uint64) error
}

// Reindex resets every round in ranges, chunkSize rounds at a time, and
// returns how many records were reset. Stored rounds are dropped first when
// rounds is not nil, otherwise the indexer would serve them from its cache.
// A running orchestrator picks the rounds up on its next gap scan.
func Reindex(ctx context.Context, repo Resetter, rounds Dropper, ranges []Range, chunkSize uint64, log *slog.Logger) (int, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if log == nil {
		log = slog.Default()
	}

	total := 0
	for _, r := range MergeRanges(ranges) {
		for _, chunk := range r.Split(chunkSize) {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			if rounds != nil {
				if err := rounds.Delete(ctx, chunk.Rounds()); err != nil {
					return total, fmt.Errorf("drop rounds %s: %w", chunk, err)
				}
			}
			n, err := repo.ResetStatus(ctx, chunk.Rounds())
			if err != nil {
				return total, fmt.Errorf("reset rounds %s: %w", chunk, err)
			}
			total += n
			log.Debug("Reset rounds", "range", chunk.String(), "reset", n)
		}
	}
	return total, nil
}
