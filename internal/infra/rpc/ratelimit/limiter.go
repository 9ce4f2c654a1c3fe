// Package ratelimit implements a self-tuning admission queue for remote reads.
//
// The limiter hands out at most C concurrent slots in FIFO order. C is cut
// immediately when the remote endpoint signals a rate limit and grows back
// slowly, one step per adjustment tick, while requests keep succeeding.
package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/vietddude/roundwatcher/internal/indexing/metrics"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/provider"
)

// Metrics is a snapshot of the limiter state.
type Metrics struct {
	SuccessCount       uint64        `json:"success_count"`
	FailureCount       uint64        `json:"failure_count"`
	RateLimitCount     uint64        `json:"rate_limit_count"`
	AverageLatency     time.Duration `json:"average_latency"`
	CurrentConcurrency int           `json:"current_concurrency"`
	TargetConcurrency  int           `json:"target_concurrency"`
	InFlight           int           `json:"in_flight"`
	Queued             int           `json:"queued"`
	Backoff            time.Duration `json:"backoff"`
	PausedFor          time.Duration `json:"paused_for"`
	LastRateLimit      time.Time     `json:"last_rate_limit"`
}

type counters struct {
	success     uint64
	failure     uint64
	rateLimited uint64
}

func (c counters) total() uint64 {
	return c.success + c.failure + c.rateLimited
}

// Limiter is an adaptive concurrency limiter.
type Limiter struct {
	cfg   Config
	clock clock.WithTicker
	log   *slog.Logger

	mu          sync.Mutex
	limit       int
	target      float64
	inFlight    int
	queue       *list.List // of chan struct{}
	pausedUntil time.Time
	resumeArmed bool
	backoff     time.Duration

	latencies     []time.Duration
	tick          counters
	totals        counters
	lastRateLimit time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a limiter. A nil clock uses the wall clock, a nil logger slog.Default().
func New(cfg Config, clk clock.WithTicker, log *slog.Logger) *Limiter {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}

	l := &Limiter{
		cfg:       cfg,
		clock:     clk,
		log:       log.With("component", "ratelimit"),
		limit:     cfg.InitialConcurrency,
		target:    float64(cfg.InitialConcurrency),
		queue:     list.New(),
		latencies: make([]time.Duration, 0, cfg.LatencyWindow),
		stop:      make(chan struct{}),
	}
	l.publishLocked()
	return l
}

// Execute runs task once a concurrency slot is available. The task error is
// returned unchanged after it has been accounted for; the limiter never retries.
func (l *Limiter) Execute(ctx context.Context, task func(ctx context.Context) error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}

	start := l.clock.Now()
	err := task(ctx)
	l.settle(l.clock.Since(start), err)
	return err
}

func (l *Limiter) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	if l.queue.Len() == 0 && l.inFlight < l.limit && !l.pausedLocked(l.clock.Now()) {
		l.inFlight++
		l.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := l.queue.PushBack(ready)
	l.dispatchLocked()
	l.publishLocked()
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		select {
		case <-ready:
			// Slot was handed over while we were giving up.
			l.inFlight--
			l.dispatchLocked()
		default:
			l.queue.Remove(elem)
		}
		l.publishLocked()
		return ctx.Err()
	}
}

func (l *Limiter) settle(latency time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inFlight--

	switch {
	case err == nil:
		l.tick.success++
		l.totals.success++
		l.latencies = append(l.latencies, latency)
		if len(l.latencies) > l.cfg.LatencyWindow {
			l.latencies = l.latencies[1:]
		}
		if l.backoff > 0 {
			l.backoff = time.Duration(float64(l.backoff) * l.cfg.BackoffDecay)
			if l.backoff < l.cfg.InitialBackoff {
				l.backoff = 0
			}
		}
		metrics.LimiterEvents.WithLabelValues("success").Inc()
		metrics.RPCLatency.WithLabelValues("limited").Observe(latency.Seconds())

	case provider.IsRateLimited(err):
		l.onRateLimitLocked(err)
		metrics.LimiterEvents.WithLabelValues("rate_limited").Inc()

	case errors.Is(err, context.Canceled):
		// Caller went away; says nothing about the endpoint.

	default:
		l.tick.failure++
		l.totals.failure++
		metrics.LimiterEvents.WithLabelValues("failure").Inc()
	}

	l.dispatchLocked()
	l.publishLocked()
}

func (l *Limiter) onRateLimitLocked(err error) {
	now := l.clock.Now()
	l.tick.rateLimited++
	l.totals.rateLimited++
	l.lastRateLimit = now

	prev := l.limit
	l.limit = max(l.cfg.MinConcurrency, int(math.Floor(float64(l.limit)*l.cfg.DecreaseRatio)))
	l.target = float64(l.limit)

	// Signals from requests that were already in flight during the current
	// pause cut concurrency again but do not stretch the backoff.
	if !l.pausedLocked(now) {
		if l.backoff == 0 {
			l.backoff = l.cfg.InitialBackoff
		} else {
			l.backoff = min(l.backoff*2, l.cfg.MaxBackoff)
		}
	} else if l.backoff == 0 {
		l.backoff = l.cfg.InitialBackoff
	}

	pause := max(l.backoff, provider.RetryAfterOf(err))
	if until := now.Add(pause); until.After(l.pausedUntil) {
		l.pausedUntil = until
	}

	l.log.Warn("Rate limited, reducing concurrency",
		"from", prev,
		"to", l.limit,
		"backoff", l.backoff,
		"pause", pause,
		"error", err,
	)
}

func (l *Limiter) pausedLocked(now time.Time) bool {
	return now.Before(l.pausedUntil)
}

// dispatchLocked hands free slots to waiters in FIFO order, or arms a timer
// that resumes dispatch when the current pause ends.
func (l *Limiter) dispatchLocked() {
	now := l.clock.Now()
	if l.pausedLocked(now) {
		if !l.resumeArmed && l.queue.Len() > 0 {
			l.resumeArmed = true
			fire := l.clock.After(l.pausedUntil.Sub(now))
			go func() {
				<-fire
				l.resume()
			}()
		}
		return
	}

	for l.queue.Len() > 0 && l.inFlight < l.limit {
		ready := l.queue.Remove(l.queue.Front()).(chan struct{})
		l.inFlight++
		close(ready)
	}
}

func (l *Limiter) resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resumeArmed = false
	l.dispatchLocked()
	l.publishLocked()
}

// Adjust runs one adjustment tick. It is called by the ticker started in
// Start and can be called directly to drive the limiter deterministically.
func (l *Limiter) Adjust() {
	l.mu.Lock()
	defer l.mu.Unlock()

	samples := l.tick.total()
	if samples >= uint64(l.cfg.MinSamples) {
		rate := float64(l.tick.success) / float64(samples)
		switch {
		case l.tick.rateLimited == 0 && rate >= l.cfg.TargetSuccessRate:
			l.target = math.Min(float64(l.cfg.MaxConcurrency), l.target*l.cfg.IncreaseRatio)
		case rate < l.cfg.TargetSuccessRate*0.9:
			l.target = math.Max(float64(l.cfg.MinConcurrency), l.target*0.9)
		}
	}

	goal := int(math.Round(l.target))
	prev := l.limit
	switch {
	case l.limit < goal:
		l.limit++
	case l.limit > goal:
		l.limit--
	}
	if l.limit != prev {
		l.log.Debug("Concurrency adjusted", "from", prev, "to", l.limit, "target", goal, "samples", samples)
	}

	l.tick = counters{}
	l.dispatchLocked()
	l.publishLocked()
}

// Start runs the adjustment ticker until ctx is done or Stop is called.
func (l *Limiter) Start(ctx context.Context) {
	go func() {
		ticker := l.clock.NewTicker(l.cfg.AdjustmentInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C():
				l.Adjust()
			}
		}
	}()
}

// Stop stops the adjustment ticker. It does not affect running tasks.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

// Metrics returns a snapshot of counters and concurrency state.
func (l *Limiter) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	var avg time.Duration
	if len(l.latencies) > 0 {
		var total time.Duration
		for _, lat := range l.latencies {
			total += lat
		}
		avg = total / time.Duration(len(l.latencies))
	}

	var pausedFor time.Duration
	if now := l.clock.Now(); l.pausedLocked(now) {
		pausedFor = l.pausedUntil.Sub(now)
	}

	return Metrics{
		SuccessCount:       l.totals.success,
		FailureCount:       l.totals.failure,
		RateLimitCount:     l.totals.rateLimited,
		AverageLatency:     avg,
		CurrentConcurrency: l.limit,
		TargetConcurrency:  int(math.Round(l.target)),
		InFlight:           l.inFlight,
		Queued:             l.queue.Len(),
		Backoff:            l.backoff,
		PausedFor:          pausedFor,
		LastRateLimit:      l.lastRateLimit,
	}
}

// Concurrency returns the current concurrency limit.
func (l *Limiter) Concurrency() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// MaxConcurrency returns the configured upper bound.
func (l *Limiter) MaxConcurrency() int {
	return l.cfg.MaxConcurrency
}

// PauseRemaining returns how long new dispatch stays paused.
func (l *Limiter) PauseRemaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now := l.clock.Now(); l.pausedLocked(now) {
		return l.pausedUntil.Sub(now)
	}
	return 0
}

// BatchSize suggests how many items a caller should fan out at once: two per
// slot, clamped to the configured bounds, and the minimum while paused.
func (l *Limiter) BatchSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pausedLocked(l.clock.Now()) {
		return l.cfg.MinBatchSize
	}
	return min(max(l.limit*2, l.cfg.MinBatchSize), l.cfg.MaxBatchSize)
}

func (l *Limiter) publishLocked() {
	metrics.LimiterConcurrency.WithLabelValues("current").Set(float64(l.limit))
	metrics.LimiterConcurrency.WithLabelValues("target").Set(l.target)
	metrics.LimiterBackoff.Set(l.backoff.Seconds())
	metrics.LimiterQueued.Set(float64(l.queue.Len()))
}
