package round

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/roundwatcher/internal/core/domain"
)

type failingStore struct{}

func (failingStore) Get(ctx context.Context, round uint64) (*domain.IndexedRound, error) {
	return nil, errors.New("cache down")
}

func (failingStore) Save(ctx context.Context, r *domain.IndexedRound) error {
	return errors.New("cache down")
}

func (failingStore) Delete(ctx context.Context, rounds []uint64) error {
	return errors.New("cache down")
}

func TestLayeredStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	cache, backing := NewMemoryStore(), NewMemoryStore()
	s := &LayeredStore{Cache: cache, Backing: backing}

	if err := backing.Save(ctx, &domain.IndexedRound{Round: 7}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, 7)
	if err != nil || got == nil || got.Round != 7 {
		t.Fatalf("Expected round 7 from the backing store, got %v, %v", got, err)
	}
	if cache.Len() != 1 {
		t.Errorf("Expected the cache to be repopulated, got %d entries", cache.Len())
	}

	missing, err := s.Get(ctx, 8)
	if err != nil || missing != nil {
		t.Errorf("Expected nil for an unknown round, got %v, %v", missing, err)
	}

	if err := s.Save(ctx, &domain.IndexedRound{Round: 9}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if cache.Len() != 2 || backing.Len() != 2 {
		t.Errorf("Expected saves in both layers, got cache=%d backing=%d", cache.Len(), backing.Len())
	}
}

func TestLayeredStore_CacheFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	backing := NewMemoryStore()
	s := &LayeredStore{Cache: failingStore{}, Backing: backing}

	if err := backing.Save(ctx, &domain.IndexedRound{Round: 3}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Get(ctx, 3)
	if err != nil || got == nil {
		t.Fatalf("Expected the backing round, got %v, %v", got, err)
	}

	if err := s.Save(ctx, &domain.IndexedRound{Round: 4}); err == nil {
		t.Error("Expected the cache error from Save")
	}
	if backing.Len() != 2 {
		t.Errorf("Expected the backing save to land first, got %d", backing.Len())
	}
}

func TestLayeredStore_Delete(t *testing.T) {
	ctx := context.Background()
	cache, backing := NewMemoryStore(), NewMemoryStore()
	s := &LayeredStore{Cache: cache, Backing: backing}

	for _, n := range []uint64{1, 2, 3} {
		if err := s.Save(ctx, &domain.IndexedRound{Round: n}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := s.Delete(ctx, []uint64{1, 3, 9}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if cache.Len() != 1 || backing.Len() != 1 {
		t.Errorf("Expected one round left in each layer, got cache=%d backing=%d", cache.Len(), backing.Len())
	}
	if got, _ := s.Get(ctx, 2); got == nil {
		t.Error("Expected round 2 to survive")
	}

	broken := &LayeredStore{Cache: failingStore{}, Backing: backing}
	if err := broken.Delete(ctx, []uint64{2}); err == nil {
		t.Error("Expected the cache failure to surface")
	}
	if backing.Len() != 0 {
		t.Errorf("Expected the backing store to be cleared first, got %d", backing.Len())
	}
}
