package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/core/schedule"
	"github.com/vietddude/roundwatcher/internal/infra/storage/memory"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeIndexer struct {
	mu        sync.Mutex
	calls     []uint64
	errs      map[uint64]error
	partial   map[uint64]bool
	completed map[uint64]bool
	gate      chan struct{} // IndexRound waits on it when set
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		errs:      make(map[uint64]error),
		partial:   make(map[uint64]bool),
		completed: make(map[uint64]bool),
	}
}

func (f *fakeIndexer) IndexRound(ctx context.Context, info domain.RoundInfo) (*domain.IndexedRound, error) {
	f.mu.Lock()
	f.calls = append(f.calls, info.Round)
	gate := f.gate
	err := f.errs[info.Round]
	partial := f.partial[info.Round]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &domain.IndexedRound{
		Round:          info.Round,
		StartTimestamp: info.StartTimestamp,
		EndTimestamp:   info.EndTimestamp,
		Transactions:   []domain.BoostedTransaction{{Hash: "0x01", BlockNumber: 1}},
		Partial:        partial,
	}, nil
}

func (f *fakeIndexer) GetRoundStatus(round uint64) (domain.RoundIndexStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed[round] {
		return domain.RoundIndexStatus{Round: round, State: domain.IndexStateCompleted}, true
	}
	return domain.RoundIndexStatus{}, false
}

func (f *fakeIndexer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeIndexer) called() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

type fakeLeaser struct {
	mu       sync.Mutex
	denied   map[uint64]bool
	released []uint64
}

func (l *fakeLeaser) AcquireLease(ctx context.Context, round uint64, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.denied[round], nil
}

func (l *fakeLeaser) ReleaseLease(ctx context.Context, round uint64, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, round)
	return nil
}

func (l *fakeLeaser) releasedRounds() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.released)
}

type harness struct {
	o       *Orchestrator
	clock   *testingclock.FakeClock
	repo    *memory.MemoryStorage
	indexer *fakeIndexer
	sched   *schedule.FixedSchedule
}

// newHarness starts at round 151: rounds are 60s long from unix 1000.
func newHarness(t *testing.T, cfg Config, leaser Leaser) *harness {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Unix(10_000, 0))
	sched, err := schedule.NewFixedSchedule(schedule.Config{
		OffsetUnix:    1000,
		RoundDuration: time.Minute,
		FirstRound:    1,
	}, clk)
	if err != nil {
		t.Fatalf("NewFixedSchedule: %v", err)
	}
	repo := memory.NewMemoryStorage(clk)
	idx := newFakeIndexer()

	o := New(cfg, Deps{
		Indexer: idx,
		Source:  sched,
		Repo:    repo,
		Leaser:  leaser,
		Clock:   clk,
		Logger:  slog.New(slog.DiscardHandler),
	})
	return &harness{o: o, clock: clk, repo: repo, indexer: idx, sched: sched}
}

func (h *harness) createRounds(t *testing.T, from, to uint64) {
	t.Helper()
	for n := from; n <= to; n++ {
		info, err := h.sched.Round(context.Background(), n)
		if err != nil {
			t.Fatalf("Round(%d): %v", n, err)
		}
		if err := h.repo.CreateRound(context.Background(), &info); err != nil {
			t.Fatalf("CreateRound(%d): %v", n, err)
		}
	}
}

func (h *harness) stats(t *testing.T) *domain.IndexingStats {
	t.Helper()
	s, err := h.repo.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// =============================================================================
// Tests
// =============================================================================

func TestFindGaps(t *testing.T) {
	tests := []struct {
		name    string
		indexed []uint64
		want    []domain.Gap
	}{
		{name: "empty", indexed: nil, want: nil},
		{name: "single", indexed: []uint64{4}, want: nil},
		{name: "contiguous", indexed: []uint64{1, 2, 3, 4}, want: nil},
		{name: "two gaps", indexed: []uint64{1, 2, 5, 6, 9}, want: []domain.Gap{{Start: 3, End: 4}, {Start: 7, End: 8}}},
		{name: "single round gap", indexed: []uint64{10, 12}, want: []domain.Gap{{Start: 11, End: 11}}},
		{name: "duplicates", indexed: []uint64{1, 1, 2, 2, 4}, want: []domain.Gap{{Start: 3, End: 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindGaps(tt.indexed)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FindGaps(%v) = %v, want %v", tt.indexed, got, tt.want)
			}
		})
	}
}

func TestOrchestrator_RealtimeTickOnEmptyDatabase(t *testing.T) {
	h := newHarness(t, Config{Lookback: 20, RecentRounds: 5}, nil)
	ctx := context.Background()

	if err := h.o.realtimeTick(ctx); err != nil {
		t.Fatalf("realtimeTick: %v", err)
	}

	s := h.o.Status()
	if s.LastSeenRound != 151 {
		t.Errorf("Expected last seen round 151, got %d", s.LastSeenRound)
	}
	if s.HighQueue != 5 || s.BackfillQueue != 15 {
		t.Errorf("Expected 5 high and 15 backfill rounds, got %d and %d", s.HighQueue, s.BackfillQueue)
	}
	if got := h.stats(t).TotalRounds; got != 20 {
		t.Errorf("Expected 20 round records, got %d", got)
	}
	info, err := h.repo.FindRound(ctx, 132)
	if err != nil || info == nil {
		t.Fatalf("Expected round 132 to be recorded, got %v, %v", info, err)
	}
	if info.StartTimestamp != 1000+131*60 {
		t.Errorf("Unexpected start of round 132: %d", info.StartTimestamp)
	}

	// Nothing new until the next round opens.
	if err := h.o.realtimeTick(ctx); err != nil {
		t.Fatalf("realtimeTick: %v", err)
	}
	if got := h.stats(t).TotalRounds; got != 20 {
		t.Errorf("Expected no new records, got %d", got)
	}

	h.clock.Step(time.Minute)
	if err := h.o.realtimeTick(ctx); err != nil {
		t.Fatalf("realtimeTick: %v", err)
	}
	s = h.o.Status()
	if s.LastSeenRound != 152 || s.HighQueue != 6 {
		t.Errorf("Expected round 152 queued at high priority, got last=%d high=%d", s.LastSeenRound, s.HighQueue)
	}
}

func TestOrchestrator_RealtimeTickBeforeFirstRound(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Unix(500, 0))
	sched, err := schedule.NewFixedSchedule(schedule.Config{OffsetUnix: 1000, FirstRound: 1}, clk)
	if err != nil {
		t.Fatalf("NewFixedSchedule: %v", err)
	}
	repo := memory.NewMemoryStorage(clk)
	o := New(Config{}, Deps{Indexer: newFakeIndexer(), Source: sched, Repo: repo, Clock: clk, Logger: slog.New(slog.DiscardHandler)})

	if err := o.realtimeTick(context.Background()); err != nil {
		t.Fatalf("Expected no error before the first round, got %v", err)
	}
	if s := o.Status(); s.HighQueue != 0 || s.LastSeenRound != 0 {
		t.Errorf("Expected nothing queued, got %+v", s)
	}
}

func TestOrchestrator_SeedFromRepository(t *testing.T) {
	h := newHarness(t, Config{RecentRounds: 5}, nil)
	ctx := context.Background()
	h.createRounds(t, 1, 30)
	for n := uint64(1); n <= 5; n++ {
		if err := h.repo.MarkRoundIndexed(ctx, n, 1); err != nil {
			t.Fatalf("MarkRoundIndexed: %v", err)
		}
	}
	if err := h.repo.MarkFailed(ctx, 10, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	if err := h.o.seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := h.o.Status()
	// Failed round 10 plus the five newest unindexed rounds.
	if s.HighQueue != 6 {
		t.Errorf("Expected 6 high priority rounds, got %d", s.HighQueue)
	}
	if s.BackfillQueue != 19 {
		t.Errorf("Expected 19 backfill rounds, got %d", s.BackfillQueue)
	}
	if s.LastSeenRound != 30 {
		t.Errorf("Expected last seen round 30, got %d", s.LastSeenRound)
	}

	first, ok := h.o.high.Pop()
	if !ok || first != 10 {
		t.Errorf("Expected the failed round first, got %d", first)
	}
}

func TestOrchestrator_DrainRespectsCeiling(t *testing.T) {
	h := newHarness(t, Config{Lookback: 10, RecentRounds: 10, MaxConcurrent: 2, DrainBatch: 3}, nil)
	ctx := context.Background()
	h.indexer.gate = make(chan struct{})

	if err := h.o.realtimeTick(ctx); err != nil {
		t.Fatalf("realtimeTick: %v", err)
	}
	if err := h.o.drainTick(ctx); err != nil {
		t.Fatalf("drainTick: %v", err)
	}
	waitFor(t, func() bool { return h.indexer.callCount() == 2 })

	if err := h.o.drainTick(ctx); err != nil {
		t.Fatalf("drainTick: %v", err)
	}
	s := h.o.Status()
	if s.InFlight != 2 {
		t.Errorf("Expected 2 rounds in flight, got %d", s.InFlight)
	}
	if s.HighQueue != 8 {
		t.Errorf("Expected 8 rounds still queued, got %d", s.HighQueue)
	}
	if got := h.indexer.callCount(); got != 2 {
		t.Errorf("Expected 2 IndexRound calls, got %d", got)
	}

	pending, err := h.repo.FindPending(ctx, h.clock.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}
	if len(pending) != 2 || pending[0].Owner != h.o.InstanceID() {
		t.Errorf("Expected 2 started records owned by this instance, got %+v", pending)
	}

	close(h.indexer.gate)
	waitFor(t, func() bool { return h.o.Status().InFlight == 0 })
	waitFor(t, func() bool { return h.stats(t).IndexedRounds == 2 })

	if s := h.o.Status(); s.LastCompleted == nil || s.Idle {
		t.Errorf("Expected a recent completion, got %+v", s)
	}
}

func TestOrchestrator_RecordsFailureAndPartial(t *testing.T) {
	h := newHarness(t, Config{Lookback: 2, RecentRounds: 2, MaxConcurrent: 2}, nil)
	ctx := context.Background()
	h.indexer.errs[150] = errors.New("resolver exhausted")
	h.indexer.partial[151] = true

	if err := h.o.realtimeTick(ctx); err != nil {
		t.Fatalf("realtimeTick: %v", err)
	}
	if err := h.o.drainTick(ctx); err != nil {
		t.Fatalf("drainTick: %v", err)
	}
	waitFor(t, func() bool { return h.o.Status().InFlight == 0 && h.indexer.callCount() == 2 })

	failed, err := h.repo.FindFailed(ctx, 0)
	if err != nil {
		t.Fatalf("FindFailed: %v", err)
	}
	if len(failed) != 1 || failed[0].Round != 150 || failed[0].Error != "resolver exhausted" {
		t.Errorf("Expected round 150 failed, got %+v", failed)
	}

	s := h.o.Status()
	if s.Watching != 1 {
		t.Errorf("Expected the open round to be watched, got %d", s.Watching)
	}
	if got := h.stats(t).IndexedRounds; got != 0 {
		t.Errorf("Expected no indexed rounds, got %d", got)
	}

	// Round 151 ends at 10059; requeue after the finalize delay.
	h.o.requeueFinished()
	if h.o.Status().HighQueue != 0 {
		t.Fatal("Open round requeued too early")
	}
	h.clock.Step(65 * time.Second)
	h.o.requeueFinished()
	s = h.o.Status()
	if s.HighQueue != 1 || s.Watching != 0 {
		t.Errorf("Expected the finished round back in the high queue, got %+v", s)
	}
}

func TestOrchestrator_SkipsCompletedRounds(t *testing.T) {
	h := newHarness(t, Config{Lookback: 3, RecentRounds: 3, MaxConcurrent: 3}, nil)
	ctx := context.Background()
	h.indexer.completed[150] = true

	if err := h.o.realtimeTick(ctx); err != nil {
		t.Fatalf("realtimeTick: %v", err)
	}
	if err := h.o.drainTick(ctx); err != nil {
		t.Fatalf("drainTick: %v", err)
	}
	waitFor(t, func() bool { return h.indexer.callCount() == 2 })
	waitFor(t, func() bool { return h.o.Status().InFlight == 0 })

	got := h.indexer.called()
	slices.Sort(got)
	if !reflect.DeepEqual(got, []uint64{149, 151}) {
		t.Errorf("Expected rounds 149 and 151 indexed, got %v", got)
	}
}

func TestOrchestrator_LeaseHeldElsewhere(t *testing.T) {
	leaser := &fakeLeaser{denied: map[uint64]bool{151: true}}
	h := newHarness(t, Config{Lookback: 2, RecentRounds: 2, MaxConcurrent: 2}, leaser)
	ctx := context.Background()

	if err := h.o.realtimeTick(ctx); err != nil {
		t.Fatalf("realtimeTick: %v", err)
	}
	if err := h.o.drainTick(ctx); err != nil {
		t.Fatalf("drainTick: %v", err)
	}
	waitFor(t, func() bool { return len(leaser.releasedRounds()) == 1 })

	if got := h.indexer.called(); !reflect.DeepEqual(got, []uint64{150}) {
		t.Errorf("Expected only round 150 indexed, got %v", got)
	}
	if got := leaser.releasedRounds(); got[0] != 150 {
		t.Errorf("Expected the lease of round 150 released, got %v", got)
	}
}

func TestOrchestrator_IdleBackfillPromotion(t *testing.T) {
	cfg := Config{
		Lookback:          20,
		RecentRounds:      1,
		BackfillBatch:     2,
		IdleBackfillBatch: 4,
		MaxConcurrent:     2,
		IdleMaxConcurrent: 6,
		IdleThreshold:     time.Minute,
	}
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	if err := h.o.realtimeTick(ctx); err != nil {
		t.Fatalf("realtimeTick: %v", err)
	}
	if err := h.o.backfillTick(ctx); err != nil {
		t.Fatalf("backfillTick: %v", err)
	}

	s := h.o.Status()
	if !s.Idle {
		t.Error("Expected idle without any completion")
	}
	if s.BackfillActive != 4 || s.BackfillQueue != 15 {
		t.Errorf("Expected 4 promoted and 15 waiting, got %d and %d", s.BackfillActive, s.BackfillQueue)
	}
	if s.MaxConcurrent != 6 {
		t.Errorf("Expected idle ceiling 6, got %d", s.MaxConcurrent)
	}

	h.o.mu.Lock()
	h.o.lastCompleted = h.clock.Now()
	h.o.active = newRoundSet()
	h.o.mu.Unlock()

	if err := h.o.backfillTick(ctx); err != nil {
		t.Fatalf("backfillTick: %v", err)
	}
	s = h.o.Status()
	if s.Idle || s.MaxConcurrent != 2 || s.BackfillActive != 2 {
		t.Errorf("Expected busy promotion of 2 under ceiling 2, got %+v", s)
	}
}

func TestOrchestrator_GapTick(t *testing.T) {
	h := newHarness(t, Config{StaleThreshold: 10 * time.Minute}, nil)
	ctx := context.Background()
	h.createRounds(t, 1, 10)
	for _, n := range []uint64{1, 2, 5, 6, 9, 10} {
		if err := h.repo.MarkRoundIndexed(ctx, n, 0); err != nil {
			t.Fatalf("MarkRoundIndexed: %v", err)
		}
	}
	if err := h.repo.MarkStarted(ctx, 20, "crashed-instance"); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	if err := h.o.gapTick(ctx); err != nil {
		t.Fatalf("gapTick: %v", err)
	}
	s := h.o.Status()
	want := []domain.Gap{{Start: 3, End: 4}, {Start: 7, End: 8}}
	if !reflect.DeepEqual(s.Gaps, want) {
		t.Errorf("Expected gaps %v, got %v", want, s.Gaps)
	}
	if s.GapQueue != 4 {
		t.Errorf("Expected 4 gap rounds queued, got %d", s.GapQueue)
	}
	if s.HighQueue != 0 {
		t.Errorf("Fresh started record must not be requeued, got %d", s.HighQueue)
	}

	h.clock.Step(11 * time.Minute)
	if err := h.o.gapTick(ctx); err != nil {
		t.Fatalf("gapTick: %v", err)
	}
	s = h.o.Status()
	if s.HighQueue != 1 || s.GapQueue != 4 {
		t.Errorf("Expected stale round 20 requeued and gap queue unchanged, got %+v", s)
	}

	// Gap rounds are promoted ahead of plain backfill.
	if err := h.o.backfillTick(ctx); err != nil {
		t.Fatalf("backfillTick: %v", err)
	}
	if got := h.o.Status().GapQueue; got == 4 {
		t.Error("Expected gap rounds to be promoted")
	}
}

func TestOrchestrator_GapRoundsBypassCompletedStatus(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 4}, nil)
	ctx := context.Background()
	h.createRounds(t, 1, 5)
	for _, n := range []uint64{1, 5} {
		if err := h.repo.MarkRoundIndexed(ctx, n, 0); err != nil {
			t.Fatalf("MarkRoundIndexed: %v", err)
		}
	}
	// Reset by a reindex while this instance still remembers it as done.
	h.indexer.completed[3] = true

	if err := h.o.gapTick(ctx); err != nil {
		t.Fatalf("gapTick: %v", err)
	}
	if err := h.o.backfillTick(ctx); err != nil {
		t.Fatalf("backfillTick: %v", err)
	}
	if err := h.o.drainTick(ctx); err != nil {
		t.Fatalf("drainTick: %v", err)
	}
	waitFor(t, func() bool { return h.indexer.callCount() == 3 })

	got := h.indexer.called()
	slices.Sort(got)
	if !reflect.DeepEqual(got, []uint64{2, 3, 4}) {
		t.Errorf("Expected rounds 2, 3 and 4 indexed, got %v", got)
	}
}

func TestOrchestrator_StopWaitsForInflight(t *testing.T) {
	h := newHarness(t, Config{Lookback: 1, RecentRounds: 1}, nil)
	ctx := context.Background()
	h.indexer.gate = make(chan struct{})

	if err := h.o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.o.realtimeTick(ctx); err != nil {
		t.Fatalf("realtimeTick: %v", err)
	}
	if err := h.o.drainTick(ctx); err != nil {
		t.Fatalf("drainTick: %v", err)
	}
	waitFor(t, func() bool { return h.indexer.callCount() == 1 })

	stopped := make(chan error, 1)
	go func() { stopped <- h.o.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned with a round in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(h.indexer.gate)
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	if got := h.stats(t).IndexedRounds; got != 1 {
		t.Errorf("Expected the in-flight round recorded, got %d", got)
	}
	if err := h.o.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestOrchestrator_StopDeadlineCancelsInflight(t *testing.T) {
	h := newHarness(t, Config{Lookback: 1, RecentRounds: 1}, nil)
	ctx := context.Background()
	h.indexer.gate = make(chan struct{})

	if err := h.o.realtimeTick(ctx); err != nil {
		t.Fatalf("realtimeTick: %v", err)
	}
	if err := h.o.drainTick(ctx); err != nil {
		t.Fatalf("drainTick: %v", err)
	}
	waitFor(t, func() bool { return h.indexer.callCount() == 1 })

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := h.o.Stop(stopCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}

	// Interrupted rounds stay started for staleness recovery.
	pending, err := h.repo.FindPending(ctx, h.clock.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Round != 151 {
		t.Errorf("Expected round 151 left started, got %+v", pending)
	}
	failed, _ := h.repo.FindFailed(ctx, 0)
	if len(failed) != 0 {
		t.Errorf("Expected no failed records, got %+v", failed)
	}
}

type recordingPoller struct {
	lags []int64
}

func (p *recordingPoller) PollInterval(lag int64) time.Duration {
	p.lags = append(p.lags, lag)
	return time.Duration(lag) * time.Second
}

func TestOrchestrator_RealtimeIntervalFollowsLag(t *testing.T) {
	h := newHarness(t, Config{RealtimeInterval: 7 * time.Second}, nil)
	if got := h.o.realtimeInterval(); got != 7*time.Second {
		t.Errorf("Expected configured interval without a poller, got %v", got)
	}

	poller := &recordingPoller{}
	h.o.poller = poller
	h.o.mu.Lock()
	h.o.lastSeen, h.o.lastIndexed = 30, 20
	h.o.mu.Unlock()

	if got := h.o.realtimeInterval(); got != 10*time.Second {
		t.Errorf("Expected interval from lag, got %v", got)
	}
	if !reflect.DeepEqual(poller.lags, []int64{10}) {
		t.Errorf("Expected lag 10, got %v", poller.lags)
	}
}

func TestOrchestrator_LookbackStopsAtFirstRound(t *testing.T) {
	h := newHarness(t, Config{Lookback: 500, RecentRounds: 1}, nil)

	if err := h.o.realtimeTick(context.Background()); err != nil {
		t.Fatalf("realtimeTick: %v", err)
	}
	if got := h.stats(t).TotalRounds; got != 151 {
		t.Errorf("Expected rounds 1..151 recorded, got %d", got)
	}
	if s := h.o.Status(); s.LastSeenRound != 151 || s.BackfillQueue != 150 {
		t.Errorf("Unexpected status %+v", s)
	}
}
