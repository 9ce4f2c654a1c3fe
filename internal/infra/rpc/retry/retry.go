// Package retry classifies remote errors and retries transient work with backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"k8s.io/utils/clock"

	"github.com/vietddude/roundwatcher/internal/infra/rpc/provider"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	BackoffMultiple float64       `yaml:"backoff_multiple"`
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxAttempts:     5,
	InitialDelay:    250 * time.Millisecond,
	MaxDelay:        5 * time.Second,
	BackoffMultiple: 2.0,
}

// Action determines how to handle an error.
type Action int

const (
	// ActionRetry: transient, the same unit of work may be attempted again.
	ActionRetry Action = iota
	// ActionRequeue: the endpoint is throttling; requeue after the limiter backoff.
	ActionRequeue
	// ActionFatal: retrying will not help.
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionRequeue:
		return "requeue"
	case ActionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify determines the action for err using the typed transport errors.
func Classify(err error) Action {
	if err == nil {
		return ActionRetry
	}
	if provider.IsRateLimited(err) {
		return ActionRequeue
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ActionFatal
	}

	// -32700: Parse error, -32600: Invalid Request, -32601: Method not found, -32602: Invalid params
	var rpcErr *provider.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case -32700, -32600, -32601, -32602:
			return ActionFatal
		}
		return ActionRetry
	}

	var te *provider.TransportError
	if errors.As(err, &te) {
		if te.StatusCode >= 400 && te.StatusCode < 500 {
			return ActionFatal
		}
		return ActionRetry
	}

	return ActionRetry
}

// Do runs fn until it succeeds, returns an error rejected by retryable, or
// the attempts run out. Waits use clk so tests can step time.
func Do(
	ctx context.Context,
	clk clock.Clock,
	cfg Config,
	retryable func(error) bool,
	fn func(ctx context.Context) error,
) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(calculateBackoff(attempt, cfg)):
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func calculateBackoff(attempt int, cfg Config) time.Duration {
	multiple := cfg.BackoffMultiple
	if multiple < 1 {
		multiple = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiple, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}
