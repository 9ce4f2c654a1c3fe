package throttle

import (
	"context"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

type mockSource struct {
	latestBlock uint64
	callCount   int
}

func (m *mockSource) LatestBlockNumber(ctx context.Context) (uint64, error) {
	m.callCount++
	return m.latestBlock, nil
}

func TestHeadCache_CachesResult(t *testing.T) {
	source := &mockSource{latestBlock: 1000}
	cache := NewHeadCache(source, 3*time.Second, testingclock.NewFakePassiveClock(time.Now()))

	ctx := context.Background()

	// First call - should hit the source
	result1, err := cache.LatestBlockNumber(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result1 != 1000 {
		t.Errorf("expected 1000, got %d", result1)
	}

	// Second call within TTL - should use cache
	result2, err := cache.LatestBlockNumber(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result2 != 1000 {
		t.Errorf("expected 1000, got %d", result2)
	}
	if source.callCount != 1 {
		t.Errorf("expected still 1 source call (cached), got %d", source.callCount)
	}
}

func TestHeadCache_ExpiresAfterTTL(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Now())
	source := &mockSource{latestBlock: 1000}
	cache := NewHeadCache(source, 100*time.Millisecond, clk)

	ctx := context.Background()

	if _, err := cache.LatestBlockNumber(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clk.SetTime(clk.Now().Add(150 * time.Millisecond))
	source.latestBlock = 1001

	result, err := cache.LatestBlockNumber(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 1001 {
		t.Errorf("expected fresh value 1001, got %d", result)
	}
	if source.callCount != 2 {
		t.Errorf("expected 2 source calls, got %d", source.callCount)
	}
}

func TestHeadCache_NeverMovesBackwards(t *testing.T) {
	source := &mockSource{latestBlock: 1000}
	clk := testingclock.NewFakePassiveClock(time.Now())
	cache := NewHeadCache(source, time.Second, clk)

	ctx := context.Background()
	if _, err := cache.LatestBlockNumber(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clk.SetTime(clk.Now().Add(2 * time.Second))
	source.latestBlock = 998

	result, err := cache.LatestBlockNumber(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 1000 {
		t.Errorf("expected cached head 1000 to hold, got %d", result)
	}
}
