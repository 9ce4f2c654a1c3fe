// Package round runs the per-round indexing state machine.
//
// A round moves pending -> indexing -> completed | error. A single worker
// drains the queue in FIFO order; rate limited rounds go back to the front.
// Rounds whose window is still open are handed to the OngoingTracker.
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

	"github.com/puzpuzpuz/xsync/v4"
	"k8s.io/utils/clock"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/indexing/metrics"
	"github.com/vietddude/roundwatcher/internal/indexing/resolver"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/retry"
)

// ErrRoundNotFound is returned by AppendTransactions for a round that was
// never indexed.
var ErrRoundNotFound = errors.New("round not found")

const (
	hintStart = "round-start"
	hintEnd   = "round-end"
)

// Resolver maps timestamps to blocks.
type Resolver interface {
	Resolve(ctx context.Context, target int64, dir resolver.Direction, hintKey string) (uint64, error)
	Hint(key string, block uint64)
}

// Pacer returns the delay between two rounds.
type Pacer interface {
	RoundDelay() time.Duration
}

// RangeRecorder is told the block range of every indexed round.
type RangeRecorder interface {
	UpdateBlockRange(ctx context.Context, round, startBlock, endBlock uint64) error
}

// Config holds indexer dependencies and settings.
type Config struct {
	Store    Store
	Resolver Resolver
	Chain    Chain
	Limits   Limits        // optional
	Pacer    Pacer         // optional
	Ranges   RangeRecorder // optional
	Clock    clock.WithTicker
	Logger   *slog.Logger

	TrackInterval  time.Duration `yaml:"track_interval"`   // Ongoing round tick (default: 5s)
	MaxBlockWorker int           `yaml:"max_block_worker"` // Upper bound of parallel block fetches (default: 20)
}

type job struct {
	info  domain.RoundInfo
	force bool // bypass the durable cache
}

type outcome struct {
	round *domain.IndexedRound
	err   error
}

// Indexer is the round indexing state machine.
type Indexer struct {
	store    Store
	resolver Resolver
	chain    Chain
	limits   Limits
	pacer    Pacer
	ranges   RangeRecorder
	clock    clock.WithTicker
	log      *slog.Logger
	fetch    *fetcher
	tracker  *OngoingTracker

	statuses *xsync.Map[uint64, domain.RoundIndexStatus]

	mu       sync.Mutex
	queue    []*job
	queued   map[uint64]*job // jobs in queue by round
	inflight *job
	waiters  map[uint64][]chan outcome
	wake     chan struct{}

	// serializes read-modify-write of stored rounds
	storeMu sync.Mutex
}

// NewIndexer creates an indexer and its ongoing tracker.
func NewIndexer(cfg Config) *Indexer {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TrackInterval <= 0 {
		cfg.TrackInterval = 5 * time.Second
	}
	if cfg.MaxBlockWorker <= 0 {
		cfg.MaxBlockWorker = 20
	}
	log := cfg.Logger.With("component", "round_indexer")

	i := &Indexer{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		chain:    cfg.Chain,
		limits:   cfg.Limits,
		pacer:    cfg.Pacer,
		ranges:   cfg.Ranges,
		clock:    cfg.Clock,
		log:      log,
		fetch: &fetcher{
			chain:    cfg.Chain,
			limits:   cfg.Limits,
			maxBatch: cfg.MaxBlockWorker,
			log:      log,
		},
		statuses: xsync.NewMap[uint64, domain.RoundIndexStatus](),
		queued:   make(map[uint64]*job),
		waiters:  make(map[uint64][]chan outcome),
		wake:     make(chan struct{}, 1),
	}
	i.tracker = newOngoingTracker(i, cfg.Chain, cfg.Resolver, i.fetch, cfg.Clock, cfg.TrackInterval, log)
	return i
}

// Tracker returns the ongoing round tracker.
func (i *Indexer) Tracker() *OngoingTracker {
	return i.tracker
}

// IndexRound returns the indexed round, indexing it first unless a complete
// copy is already stored. It blocks until the round settles or ctx is done.
func (i *Indexer) IndexRound(ctx context.Context, info domain.RoundInfo) (*domain.IndexedRound, error) {
	cached, err := i.store.Get(ctx, info.Round)
	if err != nil {
		return nil, fmt.Errorf("load round %d: %w", info.Round, err)
	}
	if cached != nil && !cached.Partial {
		i.setCompleted(cached)
		return cached, nil
	}

	done := make(chan outcome, 1)
	i.mu.Lock()
	i.waiters[info.Round] = append(i.waiters[info.Round], done)
	i.enqueueLocked(&job{info: info}, false)
	i.mu.Unlock()

	select {
	case o := <-done:
		return o.round, o.err
	case <-ctx.Done():
		i.dropWaiter(info.Round, done)
		return nil, ctx.Err()
	}
}

// Enqueue schedules info without waiting. A queued round is not added twice.
func (i *Indexer) Enqueue(info domain.RoundInfo) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enqueueLocked(&job{info: info}, false)
}

// Refresh schedules a full re-index of info that ignores the stored copy.
func (i *Indexer) Refresh(info domain.RoundInfo) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enqueueLocked(&job{info: info, force: true}, false)
}

func (i *Indexer) enqueueLocked(j *job, front bool) {
	round := j.info.Round
	if q, ok := i.queued[round]; ok {
		if j.force {
			q.info = j.info
			q.force = true
		}
		return
	}
	// A forced job still runs after the in-flight one.
	if i.inflight != nil && i.inflight.info.Round == round && !j.force {
		return
	}
	i.queued[j.info.Round] = j
	if front {
		i.queue = append([]*job{j}, i.queue...)
	} else {
		i.queue = append(i.queue, j)
	}
	i.setStatus(j.info.Round, func(s *domain.RoundIndexStatus) {
		s.State = domain.IndexStatePending
		s.Error = ""
	})
	metrics.QueueDepth.WithLabelValues("indexer").Set(float64(len(i.queue)))

	select {
	case i.wake <- struct{}{}:
	default:
	}
}

func (i *Indexer) next() (*job, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.queue) == 0 {
		return nil, false
	}
	j := i.queue[0]
	i.queue = i.queue[1:]
	delete(i.queued, j.info.Round)
	i.inflight = j
	metrics.QueueDepth.WithLabelValues("indexer").Set(float64(len(i.queue)))
	return j, true
}

func (i *Indexer) dropWaiter(round uint64, ch chan outcome) {
	i.mu.Lock()
	defer i.mu.Unlock()
	ws := i.waiters[round]
	for k, w := range ws {
		if w == ch {
			ws = append(ws[:k], ws[k+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(i.waiters, round)
		return
	}
	i.waiters[round] = ws
}

// settle clears the in-flight job and wakes the waiters of round.
func (i *Indexer) settle(round uint64, o outcome) {
	i.mu.Lock()
	i.inflight = nil
	ws := i.waiters[round]
	delete(i.waiters, round)
	i.mu.Unlock()

	for _, w := range ws {
		w <- o
	}
}

// QueueLength returns the number of rounds waiting for the worker.
func (i *Indexer) QueueLength() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.queue)
}

// Run drains the queue until ctx is done.
func (i *Indexer) Run(ctx context.Context) error {
	i.log.Info("Round indexer started")
	defer i.log.Info("Round indexer stopped")

	for {
		j, ok := i.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-i.wake:
				continue
			}
		}

		i.process(ctx, j)
		if ctx.Err() != nil {
			return nil
		}

		if d := i.roundDelay(); d > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-i.clock.After(d):
			}
		}
	}
}

func (i *Indexer) roundDelay() time.Duration {
	var d time.Duration
	if i.pacer != nil {
		d = i.pacer.RoundDelay()
	}
	if i.limits != nil {
		d = max(d, i.limits.PauseRemaining())
	}
	return d
}

func (i *Indexer) process(ctx context.Context, j *job) {
	round := j.info.Round
	start := i.clock.Now()
	i.setStatus(round, func(s *domain.RoundIndexStatus) {
		s.State = domain.IndexStateIndexing
	})

	result, err := i.indexOnce(ctx, j)
	if err != nil {
		switch {
		case retry.Classify(err) == retry.ActionRequeue:
			i.mu.Lock()
			i.inflight = nil
			i.enqueueLocked(j, true)
			i.mu.Unlock()
			metrics.RoundsIndexed.WithLabelValues("rate_limited").Inc()
			i.log.Warn("Rate limited, requeued round",
				"round", round,
				"backoff", i.roundDelay(),
				"error", err,
			)

		case ctx.Err() != nil:
			i.setStatus(round, func(s *domain.RoundIndexStatus) {
				s.State = domain.IndexStatePending
			})
			i.settle(round, outcome{err: err})

		default:
			i.setStatus(round, func(s *domain.RoundIndexStatus) {
				s.State = domain.IndexStateError
				s.Error = err.Error()
			})
			metrics.RoundsIndexed.WithLabelValues("failed").Inc()
			i.log.Error("Failed to index round", "round", round, "error", err)
			i.settle(round, outcome{err: err})
		}
		return
	}

	i.setCompleted(result)
	metrics.RoundsIndexed.WithLabelValues("completed").Inc()
	metrics.RoundIndexDuration.Observe(i.clock.Since(start).Seconds())
	metrics.BoostedTransactions.Add(float64(len(result.Transactions)))
	i.log.Info("Indexed round",
		"round", round,
		"startBlock", derefOrZero(result.StartBlock),
		"endBlock", derefOrZero(result.EndBlock),
		"txs", len(result.Transactions),
		"partial", result.Partial,
		"duration", i.clock.Since(start),
	)
	i.settle(round, outcome{round: result})
}

func (i *Indexer) indexOnce(ctx context.Context, j *job) (*domain.IndexedRound, error) {
	info := j.info

	if !j.force {
		cached, err := i.store.Get(ctx, info.Round)
		if err != nil {
			return nil, fmt.Errorf("load round %d: %w", info.Round, err)
		}
		if cached != nil && !cached.Partial {
			return cached, nil
		}
	}

	now := i.clock.Now()
	if !info.Started(now) {
		return i.saveUnstarted(ctx, info)
	}

	startBlock, err := i.resolver.Resolve(ctx, info.StartTimestamp, resolver.After, hintStart)
	if errors.Is(err, resolver.ErrNotFound) {
		// Chain has not produced a block inside the window yet.
		return i.saveUnstarted(ctx, info)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve start block: %w", err)
	}

	head, err := i.chain.LatestHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain head: %w", err)
	}

	// Open until both the wall clock and the chain are past the end.
	ongoing := info.Ongoing(now) || head.Timestamp <= info.EndTimestamp

	var endBlock uint64
	if ongoing {
		endBlock = head.Number
	} else {
		endBlock, err = i.resolver.Resolve(ctx, info.EndTimestamp, resolver.Before, hintEnd)
		if err != nil {
			return nil, fmt.Errorf("resolve end block: %w", err)
		}
		i.resolver.Hint(hintStart, endBlock+1)
	}

	txs, err := i.fetch.Range(ctx, startBlock, endBlock)
	if err != nil {
		return nil, fmt.Errorf("fetch blocks %d-%d: %w", startBlock, endBlock, err)
	}
	txs = withinWindow(txs, info)

	result := &domain.IndexedRound{
		Round:          info.Round,
		StartTimestamp: info.StartTimestamp,
		EndTimestamp:   info.EndTimestamp,
		StartBlock:     domain.Uint64Ptr(startBlock),
		EndBlock:       domain.Uint64Ptr(endBlock),
		Transactions:   txs,
		IndexedAt:      i.clock.Now(),
		Partial:        ongoing,
	}
	if result.Transactions == nil {
		result.Transactions = []domain.BoostedTransaction{}
	}

	i.storeMu.Lock()
	err = i.store.Save(ctx, result)
	i.storeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("save round %d: %w", info.Round, err)
	}

	if i.ranges != nil {
		if err := i.ranges.UpdateBlockRange(ctx, info.Round, startBlock, endBlock); err != nil {
			i.log.Warn("Failed to record block range", "round", info.Round, "error", err)
		}
	}

	if ongoing {
		i.tracker.Track(info, domain.Uint64Ptr(startBlock), endBlock)
	} else {
		i.tracker.Untrack(info.Round)
	}
	return result, nil
}

func (i *Indexer) saveUnstarted(ctx context.Context, info domain.RoundInfo) (*domain.IndexedRound, error) {
	result := &domain.IndexedRound{
		Round:          info.Round,
		StartTimestamp: info.StartTimestamp,
		EndTimestamp:   info.EndTimestamp,
		Transactions:   []domain.BoostedTransaction{},
		IndexedAt:      i.clock.Now(),
		Partial:        true,
	}

	i.storeMu.Lock()
	err := i.store.Save(ctx, result)
	i.storeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("save round %d: %w", info.Round, err)
	}

	i.tracker.Track(info, nil, 0)
	return result, nil
}

// AppendTransactions adds txs to a stored round, skipping hashes it already
// holds, and moves its end block to lastBlock. It returns the number added.
func (i *Indexer) AppendTransactions(
	ctx context.Context,
	round uint64,
	txs []domain.BoostedTransaction,
	startBlock, lastBlock uint64,
) (int, error) {
	i.storeMu.Lock()
	defer i.storeMu.Unlock()

	stored, err := i.store.Get(ctx, round)
	if err != nil {
		return 0, fmt.Errorf("load round %d: %w", round, err)
	}
	if stored == nil {
		return 0, fmt.Errorf("round %d: %w", round, ErrRoundNotFound)
	}

	added := 0
	for _, tx := range txs {
		if stored.HasTransaction(tx.Hash) {
			continue
		}
		stored.Transactions = append(stored.Transactions, tx)
		added++
	}
	domain.SortTransactions(stored.Transactions)
	if stored.StartBlock == nil {
		stored.StartBlock = domain.Uint64Ptr(startBlock)
	}
	stored.EndBlock = domain.Uint64Ptr(lastBlock)
	stored.IndexedAt = i.clock.Now()

	if err := i.store.Save(ctx, stored); err != nil {
		return 0, fmt.Errorf("save round %d: %w", round, err)
	}

	i.setStatus(round, func(s *domain.RoundIndexStatus) {
		s.TransactionCount = len(stored.Transactions)
		s.LastIndexed = timePtr(stored.IndexedAt)
	})
	metrics.BoostedTransactions.Add(float64(added))
	return added, nil
}

func (i *Indexer) setStatus(round uint64, update func(s *domain.RoundIndexStatus)) {
	i.statuses.Compute(round, func(s domain.RoundIndexStatus, loaded bool) (domain.RoundIndexStatus, xsync.ComputeOp) {
		s.Round = round
		update(&s)
		return s, xsync.UpdateOp
	})
}

func (i *Indexer) setCompleted(r *domain.IndexedRound) {
	i.setStatus(r.Round, func(s *domain.RoundIndexStatus) {
		s.State = domain.IndexStateCompleted
		s.TransactionCount = len(r.Transactions)
		s.LastIndexed = timePtr(r.IndexedAt)
		s.Error = ""
	})
}

// GetRoundStatus returns the status of round.
func (i *Indexer) GetRoundStatus(round uint64) (domain.RoundIndexStatus, bool) {
	return i.statuses.Load(round)
}

// GetAllRoundStatuses returns every known status ordered by round.
func (i *Indexer) GetAllRoundStatuses() []domain.RoundIndexStatus {
	out := make([]domain.RoundIndexStatus, 0, i.statuses.Size())
	i.statuses.Range(func(_ uint64, s domain.RoundIndexStatus) bool {
		out = append(out, s)
		return true
	})
	slices.SortFunc(out, func(a, b domain.RoundIndexStatus) int {
		return cmp.Compare(a.Round, b.Round)
	})
	return out
}

// withinWindow drops transactions whose block time lies outside the round.
func withinWindow(txs []domain.BoostedTransaction, info domain.RoundInfo) []domain.BoostedTransaction {
	out := txs[:0]
	for _, tx := range txs {
		if tx.Timestamp < info.StartTimestamp || tx.Timestamp > info.EndTimestamp {
			continue
		}
		out = append(out, tx)
	}
	return out
}

func derefOrZero(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
