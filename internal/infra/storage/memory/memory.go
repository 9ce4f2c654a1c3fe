package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/infra/storage"
)

type roundRecord struct {
	info      domain.RoundInfo
	indexed   bool
	txCount   int
	indexedAt time.Time
}

// MemoryStorage is a storage.RoundRepository kept in process memory.
type MemoryStorage struct {
	rounds   map[uint64]*roundRecord
	statuses map[uint64]*domain.IndexingRecord
	clock    clock.PassiveClock
	mu       sync.RWMutex
}

var _ storage.RoundRepository = (*MemoryStorage)(nil)

func NewMemoryStorage(clk clock.PassiveClock) *MemoryStorage {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStorage{
		rounds:   make(map[uint64]*roundRecord),
		statuses: make(map[uint64]*domain.IndexingRecord),
		clock:    clk,
	}
}

// -----------------------------------------------------------------------------
// Round records
// -----------------------------------------------------------------------------

func (s *MemoryStorage) CreateRound(ctx context.Context, info *domain.RoundInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rounds[info.Round]
	if !ok {
		c := *info
		s.rounds[info.Round] = &roundRecord{info: c}
		return nil
	}

	start, end := rec.info.StartBlock, rec.info.EndBlock
	rec.info = *info
	if rec.info.StartBlock == nil {
		rec.info.StartBlock = start
	}
	if rec.info.EndBlock == nil {
		rec.info.EndBlock = end
	}
	return nil
}

func (s *MemoryStorage) FindRound(ctx context.Context, round uint64) (*domain.RoundInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rounds[round]
	if !ok {
		return nil, nil
	}
	c := rec.info
	return &c, nil
}

func (s *MemoryStorage) LatestRound(ctx context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest uint64
	found := false
	for r := range s.rounds {
		if !found || r > latest {
			latest, found = r, true
		}
	}
	return latest, found, nil
}

func (s *MemoryStorage) FindUnindexed(ctx context.Context, limit int) ([]domain.RoundInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.RoundInfo
	for _, rec := range s.rounds {
		if !rec.indexed {
			out = append(out, rec.info)
		}
	}
	slices.SortFunc(out, func(a, b domain.RoundInfo) int {
		return cmp.Compare(b.Round, a.Round)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStorage) MarkRoundIndexed(ctx context.Context, round uint64, txCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rounds[round]
	if !ok {
		return fmt.Errorf("round %d: %w", round, storage.ErrRoundNotFound)
	}
	rec.indexed = true
	rec.txCount = txCount
	rec.indexedAt = s.clock.Now()
	return nil
}

func (s *MemoryStorage) UpdateBlockRange(ctx context.Context, round, startBlock, endBlock uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rounds[round]
	if !ok {
		return fmt.Errorf("round %d: %w", round, storage.ErrRoundNotFound)
	}
	rec.info.StartBlock = domain.Uint64Ptr(startBlock)
	rec.info.EndBlock = domain.Uint64Ptr(endBlock)
	return nil
}

func (s *MemoryStorage) IndexedRounds(ctx context.Context) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uint64
	for r, rec := range s.rounds {
		if rec.indexed {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return out, nil
}

// -----------------------------------------------------------------------------
// Indexing status
// -----------------------------------------------------------------------------

func (s *MemoryStorage) MarkStarted(ctx context.Context, round uint64, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	rec, ok := s.statuses[round]
	if !ok {
		rec = &domain.IndexingRecord{Round: round}
		s.statuses[round] = rec
	}
	rec.Status = domain.RecordStatusStarted
	rec.Owner = owner
	rec.Attempts++
	rec.Error = ""
	rec.StartedAt = now
	rec.UpdatedAt = now
	return nil
}

func (s *MemoryStorage) MarkCompleted(ctx context.Context, round uint64, txCount int) error {
	return s.finish(round, domain.RecordStatusCompleted, txCount, "")
}

func (s *MemoryStorage) MarkFailed(ctx context.Context, round uint64, errMsg string) error {
	return s.finish(round, domain.RecordStatusFailed, 0, errMsg)
}

func (s *MemoryStorage) finish(round uint64, status domain.RecordStatus, txCount int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.statuses[round]
	if !ok {
		rec = &domain.IndexingRecord{Round: round, StartedAt: s.clock.Now()}
		s.statuses[round] = rec
	}
	rec.Status = status
	rec.TransactionCount = txCount
	rec.Error = errMsg
	rec.UpdatedAt = s.clock.Now()
	return nil
}

func (s *MemoryStorage) FindPending(ctx context.Context, olderThan time.Time) ([]domain.IndexingRecord, error) {
	return s.records(0, func(r *domain.IndexingRecord) bool {
		return r.Status == domain.RecordStatusStarted && r.UpdatedAt.Before(olderThan)
	}), nil
}

func (s *MemoryStorage) FindFailed(ctx context.Context, limit int) ([]domain.IndexingRecord, error) {
	return s.records(limit, func(r *domain.IndexingRecord) bool {
		return r.Status == domain.RecordStatusFailed
	}), nil
}

func (s *MemoryStorage) records(limit int, match func(r *domain.IndexingRecord) bool) []domain.IndexingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.IndexingRecord
	for _, rec := range s.statuses {
		if match(rec) {
			out = append(out, *rec)
		}
	}
	slices.SortFunc(out, func(a, b domain.IndexingRecord) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Round, b.Round)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStorage) ResetStatus(ctx context.Context, rounds []uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range rounds {
		_, hadStatus := s.statuses[r]
		delete(s.statuses, r)
		rec, ok := s.rounds[r]
		if ok && rec.indexed {
			rec.indexed = false
			rec.txCount = 0
		}
		if hadStatus || ok {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage) Stats(ctx context.Context) (*domain.IndexingStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.IndexingStats{TotalRounds: len(s.rounds)}
	for r, rec := range s.rounds {
		if !rec.indexed {
			continue
		}
		stats.IndexedRounds++
		stats.LastIndexedRound = max(stats.LastIndexedRound, r)
		if rec.info.EndBlock != nil {
			stats.LastIndexedBlock = max(stats.LastIndexedBlock, *rec.info.EndBlock)
		}
	}
	for _, rec := range s.statuses {
		if rec.Status == domain.RecordStatusFailed {
			stats.FailedRounds++
		}
	}
	stats.PendingRounds = stats.TotalRounds - stats.IndexedRounds
	return stats, nil
}
