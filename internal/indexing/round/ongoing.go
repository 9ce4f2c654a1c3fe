package round

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/indexing/metrics"
	"github.com/vietddude/roundwatcher/internal/indexing/resolver"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/retry"
)

// roundSink receives tracker updates. It is implemented by *Indexer.
type roundSink interface {
	AppendTransactions(ctx context.Context, round uint64, txs []domain.BoostedTransaction, startBlock, lastBlock uint64) (int, error)
	Refresh(info domain.RoundInfo)
}

type trackedRound struct {
	info       domain.RoundInfo
	startBlock *uint64 // nil until the window has a first block
	lastSeen   uint64
}

// OngoingTracker follows rounds whose window is still open. Each tick it
// scans only the blocks produced since the previous tick, and re-indexes a
// round in full once the chain has moved past its end.
type OngoingTracker struct {
	sink     roundSink
	chain    Chain
	resolver Resolver
	fetch    *fetcher
	clock    clock.WithTicker
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	rounds map[uint64]*trackedRound
}

func newOngoingTracker(
	sink roundSink,
	chain Chain,
	res Resolver,
	fetch *fetcher,
	clk clock.WithTicker,
	interval time.Duration,
	log *slog.Logger,
) *OngoingTracker {
	return &OngoingTracker{
		sink:     sink,
		chain:    chain,
		resolver: res,
		fetch:    fetch,
		clock:    clk,
		interval: interval,
		log:      log.With("component", "ongoing_tracker"),
		rounds:   make(map[uint64]*trackedRound),
	}
}

// Track starts following info. lastSeen is the last block already scanned.
func (t *OngoingTracker) Track(info domain.RoundInfo, startBlock *uint64, lastSeen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rounds[info.Round] = &trackedRound{info: info, startBlock: startBlock, lastSeen: lastSeen}
	metrics.OngoingRounds.Set(float64(len(t.rounds)))
}

// Untrack stops following round.
func (t *OngoingTracker) Untrack(round uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rounds, round)
	metrics.OngoingRounds.Set(float64(len(t.rounds)))
}

// Tracked returns the followed rounds in ascending order.
func (t *OngoingTracker) Tracked() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.rounds))
	for r := range t.rounds {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (t *OngoingTracker) snapshot() []*trackedRound {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*trackedRound, 0, len(t.rounds))
	for _, tr := range t.rounds {
		c := *tr
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *trackedRound) int {
		return cmp.Compare(a.info.Round, b.info.Round)
	})
	return out
}

// update stores progress unless the round was untracked meanwhile.
func (t *OngoingTracker) update(tr *trackedRound) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rounds[tr.info.Round]; ok {
		t.rounds[tr.info.Round] = tr
	}
}

// Run ticks every interval until ctx is done.
func (t *OngoingTracker) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := t.Tick(ctx); err != nil {
				t.log.Warn("Ongoing round tick failed", "error", err)
			}
		}
	}
}

// Tick runs one update over every tracked round.
func (t *OngoingTracker) Tick(ctx context.Context) error {
	rounds := t.snapshot()
	if len(rounds) == 0 {
		return nil
	}

	head, err := t.chain.LatestHeader(ctx)
	if err != nil {
		return fmt.Errorf("chain head: %w", err)
	}
	now := t.clock.Now()

	for _, tr := range rounds {
		if err := t.advance(ctx, tr, head, now); err != nil {
			if retry.Classify(err) == retry.ActionRequeue {
				// Remaining rounds wait for the next tick.
				return err
			}
			t.log.Warn("Failed to update ongoing round", "round", tr.info.Round, "error", err)
		}
	}
	return nil
}

func (t *OngoingTracker) advance(ctx context.Context, tr *trackedRound, head *domain.BlockHeader, now time.Time) error {
	info := tr.info

	if now.Unix() > info.EndTimestamp && head.Timestamp > info.EndTimestamp {
		t.Untrack(info.Round)
		t.sink.Refresh(info)
		t.log.Info("Round closed, finalizing", "round", info.Round, "lastSeen", tr.lastSeen)
		return nil
	}

	if tr.startBlock == nil {
		if !info.Started(now) || head.Timestamp < info.StartTimestamp {
			return nil
		}
		start, err := t.resolver.Resolve(ctx, info.StartTimestamp, resolver.After, "")
		if errors.Is(err, resolver.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve start block: %w", err)
		}
		tr.startBlock = domain.Uint64Ptr(start)
		tr.lastSeen = start - 1
		t.update(tr)
	}

	if head.Number <= tr.lastSeen {
		return nil
	}

	from := max(tr.lastSeen+1, *tr.startBlock)
	txs, err := t.fetch.Range(ctx, from, head.Number)
	if err != nil {
		return fmt.Errorf("fetch blocks %d-%d: %w", from, head.Number, err)
	}
	txs = withinWindow(txs, info)

	added, err := t.sink.AppendTransactions(ctx, info.Round, txs, *tr.startBlock, head.Number)
	if err != nil {
		return err
	}

	tr.lastSeen = head.Number
	t.update(tr)
	if added > 0 {
		t.log.Debug("Appended ongoing transactions", "round", info.Round, "added", added, "head", head.Number)
	}
	return nil
}
