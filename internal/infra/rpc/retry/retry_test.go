package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/vietddude/roundwatcher/internal/infra/rpc/provider"
)

var errFlaky = errors.New("flaky")

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		expect Action
	}{
		{&provider.RateLimitError{StatusCode: 429}, ActionRequeue},
		{fmt.Errorf("fetch block: %w", &provider.RateLimitError{StatusCode: 429}), ActionRequeue},
		{&provider.RPCError{Code: -32600, Message: "invalid request"}, ActionFatal},
		{&provider.RPCError{Code: -32601, Message: "method not found"}, ActionFatal},
		{&provider.RPCError{Code: -32000, Message: "header not found"}, ActionRetry},
		{&provider.TransportError{Op: "rpc call", StatusCode: 502, Err: errFlaky}, ActionRetry},
		{&provider.TransportError{Op: "rpc call", StatusCode: 401, Err: errFlaky}, ActionFatal},
		{&provider.TransportError{Op: "rpc call", Err: errors.New("connection reset by peer")}, ActionRetry},
		{context.Canceled, ActionFatal},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.expect {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	attempts := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiple: 2}

	err := Do(context.Background(), nil, cfg, func(error) bool { return true }, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	fatal := errors.New("fatal")

	err := Do(context.Background(), nil, DefaultConfig, func(err error) bool { return errors.Is(err, errFlaky) }, func(ctx context.Context) error {
		attempts++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("Expected fatal error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiple: 1}

	err := Do(context.Background(), nil, cfg, func(error) bool { return true }, func(ctx context.Context) error {
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("Expected wrapped flaky error, got %v", err)
	}
}

func TestDo_WaitsOnClock(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	cfg := Config{MaxAttempts: 2, InitialDelay: time.Second, MaxDelay: time.Second, BackoffMultiple: 2}

	attempts := make(chan struct{}, 2)
	done := make(chan error, 1)
	go func() {
		done <- Do(context.Background(), clk, cfg, func(error) bool { return true }, func(ctx context.Context) error {
			attempts <- struct{}{}
			if len(attempts) == 1 {
				return errFlaky
			}
			return nil
		})
	}()

	<-attempts
	deadline := time.Now().Add(2 * time.Second)
	for !clk.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("Do did not wait on the clock")
		}
		time.Sleep(time.Millisecond)
	}
	clk.Step(time.Second)

	if err := <-done; err != nil {
		t.Fatalf("Do failed: %v", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffMultiple: 2}

	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for attempt, want := range expected {
		if got := calculateBackoff(attempt, cfg); got != want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}
