package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/roundwatcher/internal/core/domain"
)

// RoundStore keeps indexed rounds as JSON values.
type RoundStore struct {
	rdb       *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRoundStore creates a Redis-backed round store. A zero ttl keeps rounds forever.
func NewRoundStore(client *Client, ttl time.Duration) *RoundStore {
	return &RoundStore{
		rdb:       client.rdb,
		namespace: client.namespace,
		ttl:       ttl,
	}
}

// Get returns the stored round, or nil if absent.
func (s *RoundStore) Get(ctx context.Context, round uint64) (*domain.IndexedRound, error) {
	data, err := s.rdb.Get(ctx, roundKey(s.namespace, round)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}

	var r domain.IndexedRound
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal round %d: %w", round, err)
	}
	return &r, nil
}

// Save stores r, replacing any previous value.
func (s *RoundStore) Save(ctx context.Context, r *domain.IndexedRound) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal round: %w", err)
	}

	// Partial rounds are rewritten every tick and must not outlive the round.
	ttl := s.ttl
	if r.Partial && (ttl == 0 || ttl > time.Hour) {
		ttl = time.Hour
	}
	if err := s.rdb.Set(ctx, roundKey(s.namespace, r.Round), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set round: %w", err)
	}
	return nil
}

// Delete removes stored rounds.
func (s *RoundStore) Delete(ctx context.Context, rounds []uint64) error {
	if len(rounds) == 0 {
		return nil
	}
	keys := make([]string, len(rounds))
	for i, r := range rounds {
		keys[i] = roundKey(s.namespace, r)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete rounds: %w", err)
	}
	return nil
}
