package round

import (
	"context"
	"sync"

	"github.com/vietddude/roundwatcher/internal/core/domain"
)

// Store is the durable cache of indexed rounds. Get returns nil, nil for a
// round that was never saved. Save overwrites. Delete ignores absent rounds.
type Store interface {
	Get(ctx context.Context, round uint64) (*domain.IndexedRound, error)
	Save(ctx context.Context, r *domain.IndexedRound) error
	Delete(ctx context.Context, rounds []uint64) error
}

// MemoryStore keeps indexed rounds in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	rounds map[uint64]*domain.IndexedRound
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rounds: make(map[uint64]*domain.IndexedRound)}
}

func (s *MemoryStore) Get(ctx context.Context, round uint64) (*domain.IndexedRound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[round]
	if !ok {
		return nil, nil
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, r *domain.IndexedRound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[r.Round] = r.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, rounds []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rounds {
		delete(s.rounds, r)
	}
	return nil
}

// Len returns the number of stored rounds.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rounds)
}

// LayeredStore reads through a fast cache in front of a backing store.
// Saves go to both; a backing hit repopulates the cache.
type LayeredStore struct {
	Cache   Store
	Backing Store
}

func (s *LayeredStore) Get(ctx context.Context, round uint64) (*domain.IndexedRound, error) {
	r, err := s.Cache.Get(ctx, round)
	if err == nil && r != nil {
		return r, nil
	}
	r, err = s.Backing.Get(ctx, round)
	if err != nil || r == nil {
		return r, err
	}
	// Cache misses are not fatal; the backing store holds the round.
	_ = s.Cache.Save(ctx, r)
	return r, nil
}

func (s *LayeredStore) Save(ctx context.Context, r *domain.IndexedRound) error {
	if err := s.Backing.Save(ctx, r); err != nil {
		return err
	}
	return s.Cache.Save(ctx, r)
}

// Delete removes rounds from the backing store, then from the cache.
func (s *LayeredStore) Delete(ctx context.Context, rounds []uint64) error {
	if err := s.Backing.Delete(ctx, rounds); err != nil {
		return err
	}
	return s.Cache.Delete(ctx, rounds)
}
