package throttle

import (
	"sync"
	"time"
)

// Limits is the view of the rate limiter the pacer needs.
type Limits interface {
	Concurrency() int
	MaxConcurrency() int
	PauseRemaining() time.Duration
}

// Pacer computes the delay between indexed rounds and the round poll interval.
type Pacer struct {
	limits Limits
	config Config

	// Current state (for metrics)
	mu              sync.Mutex
	currentDelay    time.Duration
	currentInterval time.Duration
}

// NewPacer creates a new pacer.
func NewPacer(limits Limits, config Config) *Pacer {
	config = config.withDefaults()
	return &Pacer{
		limits:          limits,
		config:          config,
		currentDelay:    config.BaseDelay,
		currentInterval: config.PollInterval,
	}
}

// RoundDelay returns how long the indexer waits before the next round.
//
// Algorithm:
//   - delay = base × maxConcurrency / concurrency, so a throttled limiter slows the pace
//   - never shorter than the limiter's remaining backoff pause
//   - clamped to MaxDelay, except that a backoff pause always wins
func (p *Pacer) RoundDelay() time.Duration {
	if !p.config.Enabled || p.limits == nil {
		return p.config.BaseDelay
	}

	c := max(p.limits.Concurrency(), 1)
	maxC := max(p.limits.MaxConcurrency(), c)

	delay := p.config.BaseDelay * time.Duration(maxC) / time.Duration(c)
	if delay > p.config.MaxDelay {
		delay = p.config.MaxDelay
	}
	if pause := p.limits.PauseRemaining(); pause > delay {
		delay = pause
	}

	p.mu.Lock()
	p.currentDelay = delay
	p.mu.Unlock()
	return delay
}

// PollInterval calculates how often to poll the round source based on lag,
// the number of rounds behind the newest one.
//
// Algorithm:
//   - lag ≤ 0: Use base interval (caught up, save API calls)
//   - lag < normal: Use base interval × 0.5 (slightly behind)
//   - lag < burst: Use min interval × 2 (catching up)
//   - lag ≥ burst: Use min interval (maximum catchup speed)
func (p *Pacer) PollInterval(lag int64) time.Duration {
	if !p.config.Enabled {
		return p.config.PollInterval
	}

	var interval time.Duration

	switch {
	case lag <= 0:
		interval = p.config.PollInterval
	case lag < p.config.LagNormalThreshold:
		interval = p.config.PollInterval / 2
	case lag < p.config.LagBurstThreshold:
		interval = p.config.MinPollInterval * 2
	default:
		interval = p.config.MinPollInterval
	}

	// Enforce bounds
	if interval < p.config.MinPollInterval {
		interval = p.config.MinPollInterval
	}
	if interval > p.config.MaxPollInterval {
		interval = p.config.MaxPollInterval
	}

	p.mu.Lock()
	p.currentInterval = interval
	p.mu.Unlock()
	return interval
}

// Current returns the last computed round delay and poll interval.
func (p *Pacer) Current() (delay, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentDelay, p.currentInterval
}
