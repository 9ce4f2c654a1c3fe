// Package orchestrator decides which rounds are indexed and when.
//
// Four loops share a set of queues: the real-time loop discovers new rounds,
// the backfill loop promotes historical rounds, the gap loop finds holes and
// stale attempts, and the drain loop hands rounds to the indexer without
// exceeding the concurrent-indexing ceiling.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/core/schedule"
	"github.com/vietddude/roundwatcher/internal/indexing/metrics"
	"github.com/vietddude/roundwatcher/internal/infra/storage"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("orchestrator stopped")

// Indexer indexes single rounds.
type Indexer interface {
	IndexRound(ctx context.Context, info domain.RoundInfo) (*domain.IndexedRound, error)
	GetRoundStatus(round uint64) (domain.RoundIndexStatus, bool)
}

// Source reports the rounds that exist.
type Source interface {
	LatestRound(ctx context.Context) (uint64, error)
	Round(ctx context.Context, n uint64) (domain.RoundInfo, error)
}

// Leaser hands out per-round leases shared between instances.
type Leaser interface {
	AcquireLease(ctx context.Context, round uint64, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, round uint64, owner string) error
}

// Poller paces the real-time loop by how many rounds indexing lags behind.
type Poller interface {
	PollInterval(lag int64) time.Duration
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Indexer Indexer
	Source  Source
	Repo    storage.RoundRepository
	Leaser  Leaser // optional
	Poller  Poller // optional, RealtimeInterval otherwise
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Status is a snapshot of the orchestrator.
type Status struct {
	Running        bool         `json:"running"`
	InstanceID     string       `json:"instance_id"`
	LastSeenRound  uint64       `json:"last_seen_round"`
	HighQueue      int          `json:"high_queue"`
	BackfillActive int          `json:"backfill_active"`
	BackfillQueue  int          `json:"backfill_queue"`
	GapQueue       int          `json:"gap_queue"`
	InFlight       int          `json:"in_flight"`
	Watching       int          `json:"watching"`
	Idle           bool         `json:"idle"`
	MaxConcurrent  int          `json:"max_concurrent"`
	LastCompleted  *time.Time   `json:"last_completed,omitempty"`
	Gaps           []domain.Gap `json:"gaps,omitempty"`
}

// Orchestrator feeds rounds to the indexer.
type Orchestrator struct {
	cfg     Config
	indexer Indexer
	source  Source
	repo    storage.RoundRepository
	leaser  Leaser
	poller  Poller
	clock   clock.Clock
	log     *slog.Logger
	id      string
	sem     *semaphore.Weighted

	mu            sync.Mutex
	running       bool
	stopped       bool
	high          *roundSet // new, failed and stale rounds
	active        *roundSet // backfill rounds promoted for draining
	backfill      *roundSet // unindexed historical rounds
	gapRounds     *roundSet // rounds inside detected gaps
	inflight      map[uint64]struct{}
	watching      map[uint64]domain.RoundInfo // rounds last returned partial
	reopened      map[uint64]struct{}         // gap rounds the indexer may still report completed
	lastSeen      uint64
	seen          bool
	lastIndexed   uint64
	lastCompleted time.Time
	ceiling       int
	gaps          []domain.Gap

	cancel     context.CancelFunc
	loops      sync.WaitGroup
	work       sync.WaitGroup
	workCtx    context.Context
	workCancel context.CancelFunc
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	id := uuid.NewString()
	workCtx, workCancel := context.WithCancel(context.Background())

	return &Orchestrator{
		cfg:        cfg,
		indexer:    deps.Indexer,
		source:     deps.Source,
		repo:       deps.Repo,
		leaser:     deps.Leaser,
		poller:     deps.Poller,
		clock:      deps.Clock,
		log:        deps.Logger.With("component", "orchestrator", "instance", id),
		id:         id,
		sem:        semaphore.NewWeighted(int64(cfg.IdleMaxConcurrent)),
		high:       newRoundSet(),
		active:     newRoundSet(),
		backfill:   newRoundSet(),
		gapRounds:  newRoundSet(),
		inflight:   make(map[uint64]struct{}),
		watching:   make(map[uint64]domain.RoundInfo),
		reopened:   make(map[uint64]struct{}),
		ceiling:    cfg.MaxConcurrent,
		workCtx:    workCtx,
		workCancel: workCancel,
	}
}

// InstanceID returns the owner id written to indexing records.
func (o *Orchestrator) InstanceID() string {
	return o.id
}

// Start seeds the queues from persistence and starts the loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	if err := o.seed(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.running = true
	o.cancel = cancel
	o.mu.Unlock()

	o.startLoop(loopCtx, "realtime", o.realtimeInterval, o.realtimeTick)
	o.startLoop(loopCtx, "backfill", every(o.cfg.BackfillInterval), o.backfillTick)
	o.startLoop(loopCtx, "gaps", every(o.cfg.GapInterval), o.gapTick)
	o.startLoop(loopCtx, "drain", every(o.cfg.DrainInterval), o.drainTick)

	o.log.Info("Orchestrator started",
		"maxConcurrent", o.cfg.MaxConcurrent,
		"idleMaxConcurrent", o.cfg.IdleMaxConcurrent,
	)
	return nil
}

func (o *Orchestrator) seed(ctx context.Context) error {
	stats, err := o.repo.Stats(ctx)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	failed, err := o.repo.FindFailed(ctx, 0)
	if err != nil {
		return fmt.Errorf("load failed rounds: %w", err)
	}
	unindexed, err := o.repo.FindUnindexed(ctx, 0)
	if err != nil {
		return fmt.Errorf("load unindexed rounds: %w", err)
	}
	latest, ok, err := o.repo.LatestRound(ctx)
	if err != nil {
		return fmt.Errorf("load latest round: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, rec := range failed {
		o.high.Push(rec.Round)
	}
	// unindexed is newest first
	for i, info := range unindexed {
		if o.high.Has(info.Round) {
			continue
		}
		if i < o.cfg.RecentRounds {
			o.high.Push(info.Round)
		} else {
			o.backfill.Push(info.Round)
		}
	}
	if ok {
		o.lastSeen, o.seen = latest, true
	}
	o.lastIndexed = stats.LastIndexedRound
	o.publishLocked()

	metrics.LastIndexedRound.Set(float64(stats.LastIndexedRound))
	o.log.Info("Loaded indexing state",
		"total", stats.TotalRounds,
		"indexed", stats.IndexedRounds,
		"failed", len(failed),
		"lastIndexedRound", stats.LastIndexedRound,
		"high", o.high.Len(),
		"backfill", o.backfill.Len(),
	)
	return nil
}

func every(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func (o *Orchestrator) realtimeInterval() time.Duration {
	if o.poller == nil {
		return o.cfg.RealtimeInterval
	}
	o.mu.Lock()
	lag := int64(o.lastSeen) - int64(o.lastIndexed)
	o.mu.Unlock()
	return o.poller.PollInterval(lag)
}

func (o *Orchestrator) startLoop(ctx context.Context, name string, interval func() time.Duration, tick func(ctx context.Context) error) {
	o.loops.Add(1)
	go func() {
		defer o.loops.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case <-o.clock.After(interval()):
			}

			if err := tick(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				o.log.Error("Orchestrator loop failed", "loop", name, "error", err, "retryIn", o.cfg.ErrorDelay)
				select {
				case <-ctx.Done():
					return
				case <-o.clock.After(o.cfg.ErrorDelay):
				}
			}
		}
	}()
}

// Stop stops the loops and waits for in-flight rounds to settle. If ctx ends
// first, in-flight rounds are cancelled and ctx.Err() is returned.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = true
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.loops.Wait()

	done := make(chan struct{})
	go func() {
		o.work.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.workCancel()
		o.log.Info("Orchestrator stopped")
		return nil
	case <-ctx.Done():
		o.workCancel()
		<-done
		return ctx.Err()
	}
}

// Status returns a snapshot of queues and loop state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Status{
		Running:        o.running,
		InstanceID:     o.id,
		LastSeenRound:  o.lastSeen,
		HighQueue:      o.high.Len(),
		BackfillActive: o.active.Len(),
		BackfillQueue:  o.backfill.Len(),
		GapQueue:       o.gapRounds.Len(),
		InFlight:       len(o.inflight),
		Watching:       len(o.watching),
		Idle:           o.idleLocked(o.clock.Now()),
		MaxConcurrent:  o.ceiling,
		Gaps:           append([]domain.Gap(nil), o.gaps...),
	}
	if !o.lastCompleted.IsZero() {
		t := o.lastCompleted
		s.LastCompleted = &t
	}
	return s
}

// -----------------------------------------------------------------------------
// Real-time
// -----------------------------------------------------------------------------

func (o *Orchestrator) realtimeTick(ctx context.Context) error {
	latest, err := o.source.LatestRound(ctx)
	if errors.Is(err, schedule.ErrNoRounds) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest round: %w", err)
	}
	metrics.LatestRound.Set(float64(latest))

	o.mu.Lock()
	from := o.lastSeen + 1
	if !o.seen {
		from = latest - min(latest, uint64(o.cfg.Lookback-1))
	}
	o.mu.Unlock()

	if from > latest {
		o.requeueFinished()
		return nil
	}
	to := min(latest, from+uint64(o.cfg.CatchUpBatch)-1)

	for n := from; n <= to; n++ {
		info, err := o.source.Round(ctx, n)
		if errors.Is(err, schedule.ErrNoRounds) {
			// before the first round
			o.mu.Lock()
			o.lastSeen, o.seen = n, true
			o.mu.Unlock()
			continue
		}
		if err != nil {
			return fmt.Errorf("round %d: %w", n, err)
		}
		if err := o.repo.CreateRound(ctx, &info); err != nil {
			return err
		}

		o.mu.Lock()
		if latest-n < uint64(o.cfg.RecentRounds) {
			o.pushHighLocked(n)
		} else {
			o.pushBackfillLocked(n)
		}
		o.lastSeen, o.seen = n, true
		o.mu.Unlock()
	}

	o.mu.Lock()
	o.publishLocked()
	o.mu.Unlock()

	o.log.Debug("Discovered rounds", "from", from, "to", to, "latest", latest)
	o.requeueFinished()
	return nil
}

// requeueFinished puts rounds that were indexed while open back in the high
// queue once their window has passed.
func (o *Orchestrator) requeueFinished() {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	for round, info := range o.watching {
		if now.Before(time.Unix(info.EndTimestamp, 0).Add(o.cfg.FinalizeDelay)) {
			continue
		}
		if _, busy := o.inflight[round]; busy {
			continue
		}
		delete(o.watching, round)
		o.pushHighLocked(round)
	}
}

// -----------------------------------------------------------------------------
// Backfill
// -----------------------------------------------------------------------------

func (o *Orchestrator) backfillTick(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	idle := o.idleLocked(o.clock.Now())
	batch := o.cfg.BackfillBatch
	ceiling := o.cfg.MaxConcurrent
	if idle {
		batch = o.cfg.IdleBackfillBatch
		ceiling = o.cfg.IdleMaxConcurrent
	}
	if ceiling != o.ceiling {
		o.log.Info("Indexing ceiling changed", "from", o.ceiling, "to", ceiling, "idle", idle)
		o.ceiling = ceiling
	}

	moved := 0
	for o.active.Len() < batch {
		round, ok := o.gapRounds.Pop()
		if !ok {
			round, ok = o.backfill.Pop()
		}
		if !ok {
			break
		}
		o.active.Push(round)
		moved++
	}
	o.publishLocked()

	if moved > 0 {
		o.log.Debug("Promoted backfill rounds", "moved", moved, "idle", idle, "remaining", o.backfill.Len()+o.gapRounds.Len())
	}
	return nil
}

func (o *Orchestrator) idleLocked(now time.Time) bool {
	return o.lastCompleted.IsZero() || now.Sub(o.lastCompleted) > o.cfg.IdleThreshold
}

// -----------------------------------------------------------------------------
// Gaps and staleness
// -----------------------------------------------------------------------------

func (o *Orchestrator) gapTick(ctx context.Context) error {
	indexed, err := o.repo.IndexedRounds(ctx)
	if err != nil {
		return fmt.Errorf("indexed rounds: %w", err)
	}
	gaps := FindGaps(indexed)

	stale, err := o.repo.FindPending(ctx, o.clock.Now().Add(-o.cfg.StaleThreshold))
	if err != nil {
		return fmt.Errorf("stale rounds: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.gaps = gaps
	var total uint64
	queued := 0
	for _, g := range gaps {
		total += g.Size()
		for r := g.Start; r <= g.End && queued < o.cfg.MaxGapRounds; r++ {
			if o.busyLocked(r) || o.high.Has(r) || o.active.Has(r) {
				continue
			}
			o.backfill.Remove(r)
			if o.gapRounds.Push(r) {
				o.reopened[r] = struct{}{}
				queued++
			}
		}
	}
	metrics.GapsDetected.Set(float64(total))

	requeued := 0
	for _, rec := range stale {
		if o.busyLocked(rec.Round) {
			continue
		}
		o.pushHighLocked(rec.Round)
		requeued++
	}
	o.publishLocked()

	if len(gaps) > 0 || requeued > 0 {
		o.log.Info("Gap scan finished", "gaps", len(gaps), "gapRounds", total, "queued", queued, "staleRequeued", requeued)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Drain
// -----------------------------------------------------------------------------

func (o *Orchestrator) drainTick(ctx context.Context) error {
	for taken := 0; taken < o.cfg.DrainBatch; {
		round, ok := o.next()
		if !ok {
			return nil
		}
		if o.skip(round) {
			continue
		}
		if !o.sem.TryAcquire(1) {
			o.requeueFront(round)
			return nil
		}
		dispatched, err := o.dispatch(ctx, round)
		if err != nil {
			o.sem.Release(1)
			o.requeueFront(round)
			return err
		}
		if !dispatched {
			o.sem.Release(1)
			continue
		}
		taken++
	}
	return nil
}

// next pops the next round while the ceiling allows another one.
func (o *Orchestrator) next() (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.inflight) >= o.ceiling {
		return 0, false
	}
	round, ok := o.high.Pop()
	if !ok {
		round, ok = o.active.Pop()
	}
	o.publishLocked()
	return round, ok
}

func (o *Orchestrator) skip(round uint64) bool {
	o.mu.Lock()
	_, busy := o.inflight[round]
	_, partial := o.watching[round]
	_, reopened := o.reopened[round]
	o.mu.Unlock()
	if busy {
		return true
	}
	if partial || reopened {
		return false
	}
	s, ok := o.indexer.GetRoundStatus(round)
	return ok && s.State == domain.IndexStateCompleted
}

func (o *Orchestrator) requeueFront(round uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.high.PushFront(round)
	o.publishLocked()
}

// dispatch starts indexing round in the background. It returns false when
// the round was skipped.
func (o *Orchestrator) dispatch(ctx context.Context, round uint64) (bool, error) {
	info, err := o.roundInfo(ctx, round)
	if err != nil {
		return false, err
	}

	if o.leaser != nil {
		ok, err := o.leaser.AcquireLease(ctx, round, o.id, o.cfg.LeaseTTL)
		if err != nil {
			return false, fmt.Errorf("lease round %d: %w", round, err)
		}
		if !ok {
			o.log.Debug("Round leased by another instance", "round", round)
			return false, nil
		}
	}

	if err := o.repo.MarkStarted(ctx, round, o.id); err != nil {
		o.releaseLease(round)
		return false, fmt.Errorf("mark round %d started: %w", round, err)
	}

	o.mu.Lock()
	o.inflight[round] = struct{}{}
	delete(o.watching, round)
	delete(o.reopened, round)
	o.mu.Unlock()

	o.work.Add(1)
	go func() {
		defer o.work.Done()
		defer o.sem.Release(1)

		result, err := o.indexer.IndexRound(o.workCtx, info)
		o.settle(info, result, err)
	}()
	return true, nil
}

func (o *Orchestrator) roundInfo(ctx context.Context, round uint64) (domain.RoundInfo, error) {
	info, err := o.repo.FindRound(ctx, round)
	if err != nil {
		return domain.RoundInfo{}, fmt.Errorf("find round %d: %w", round, err)
	}
	if info != nil {
		return *info, nil
	}

	fresh, err := o.source.Round(ctx, round)
	if err != nil {
		return domain.RoundInfo{}, fmt.Errorf("round %d: %w", round, err)
	}
	if err := o.repo.CreateRound(ctx, &fresh); err != nil {
		return domain.RoundInfo{}, err
	}
	return fresh, nil
}

func (o *Orchestrator) settle(info domain.RoundInfo, result *domain.IndexedRound, err error) {
	round := info.Round
	// Persistence updates outlive the loops so a settled round is recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	defer o.releaseLease(round)

	completed := false
	switch {
	case errors.Is(err, context.Canceled):
		// Left in started state; staleness recovery picks it up.
		o.log.Warn("Round indexing interrupted", "round", round)

	case err != nil:
		o.log.Warn("Round indexing failed", "round", round, "error", err)
		if mErr := o.repo.MarkFailed(ctx, round, err.Error()); mErr != nil {
			o.log.Error("Failed to record failed round", "round", round, "error", mErr)
		}

	case result.Partial:
		o.log.Debug("Round still open, watching", "round", round, "txs", len(result.Transactions))

	default:
		txCount := len(result.Transactions)
		if mErr := o.repo.MarkCompleted(ctx, round, txCount); mErr != nil {
			o.log.Error("Failed to record completed round", "round", round, "error", mErr)
		}
		if mErr := o.repo.MarkRoundIndexed(ctx, round, txCount); mErr != nil {
			o.log.Error("Failed to mark round indexed", "round", round, "error", mErr)
		}
		metrics.LastIndexedRound.Set(float64(round))
		completed = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, round)
	if err == nil && result.Partial {
		o.watching[round] = info
	}
	if completed {
		o.lastCompleted = o.clock.Now()
		o.lastIndexed = max(o.lastIndexed, round)
	}
}

func (o *Orchestrator) releaseLease(round uint64) {
	if o.leaser == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.leaser.ReleaseLease(ctx, round, o.id); err != nil {
		o.log.Warn("Failed to release lease", "round", round, "error", err)
	}
}

// -----------------------------------------------------------------------------
// Queue helpers (caller holds o.mu)
// -----------------------------------------------------------------------------

func (o *Orchestrator) busyLocked(round uint64) bool {
	_, ok := o.inflight[round]
	return ok
}

func (o *Orchestrator) pushHighLocked(round uint64) {
	o.backfill.Remove(round)
	o.gapRounds.Remove(round)
	o.active.Remove(round)
	o.high.Push(round)
}

func (o *Orchestrator) pushBackfillLocked(round uint64) {
	if o.high.Has(round) || o.active.Has(round) || o.gapRounds.Has(round) {
		return
	}
	o.backfill.Push(round)
}

func (o *Orchestrator) publishLocked() {
	metrics.QueueDepth.WithLabelValues("high").Set(float64(o.high.Len()))
	metrics.QueueDepth.WithLabelValues("backfill_active").Set(float64(o.active.Len()))
	metrics.QueueDepth.WithLabelValues("backfill").Set(float64(o.backfill.Len()))
	metrics.QueueDepth.WithLabelValues("gaps").Set(float64(o.gapRounds.Len()))
}
