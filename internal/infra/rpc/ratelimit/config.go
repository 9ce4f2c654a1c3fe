package ratelimit

import "time"

// Config holds the tuning knobs of the adaptive limiter.
type Config struct {
	// Concurrency bounds
	MinConcurrency     int `yaml:"min_concurrency"`     // default: 1
	MaxConcurrency     int `yaml:"max_concurrency"`     // default: 20
	InitialConcurrency int `yaml:"initial_concurrency"` // default: 5

	// Adjustment ratios
	IncreaseRatio     float64 `yaml:"increase_ratio"`      // Target growth on a healthy tick (default: 1.2)
	DecreaseRatio     float64 `yaml:"decrease_ratio"`      // Cut applied on a rate limit (default: 0.5)
	TargetSuccessRate float64 `yaml:"target_success_rate"` // default: 0.95

	// Periodic adjustment
	AdjustmentInterval time.Duration `yaml:"adjustment_interval"` // default: 10s
	MinSamples         int           `yaml:"min_samples"`         // Requests per tick before adjusting (default: 10)
	LatencyWindow      int           `yaml:"latency_window"`      // Latency samples kept (default: 100)

	// Backoff after rate limits
	InitialBackoff time.Duration `yaml:"initial_backoff"` // default: 1s
	MaxBackoff     time.Duration `yaml:"max_backoff"`     // default: 60s
	BackoffDecay   float64       `yaml:"backoff_decay"`   // Applied on each success while backing off (default: 0.9)

	// Batch size suggestion bounds
	MinBatchSize int `yaml:"min_batch_size"` // default: 1
	MaxBatchSize int `yaml:"max_batch_size"` // default: 20
}

// DefaultConfig returns sensible defaults for a public RPC endpoint.
func DefaultConfig() Config {
	return Config{
		MinConcurrency:     1,
		MaxConcurrency:     20,
		InitialConcurrency: 5,
		IncreaseRatio:      1.2,
		DecreaseRatio:      0.5,
		TargetSuccessRate:  0.95,
		AdjustmentInterval: 10 * time.Second,
		MinSamples:         10,
		LatencyWindow:      100,
		InitialBackoff:     time.Second,
		MaxBackoff:         60 * time.Second,
		BackoffDecay:       0.9,
		MinBatchSize:       1,
		MaxBatchSize:       20,
	}
}

// withDefaults fills zero fields and clamps the initial concurrency into bounds.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = d.MinConcurrency
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.MinConcurrency
	}
	if c.InitialConcurrency <= 0 {
		c.InitialConcurrency = d.InitialConcurrency
	}
	c.InitialConcurrency = min(max(c.InitialConcurrency, c.MinConcurrency), c.MaxConcurrency)
	if c.IncreaseRatio <= 1 {
		c.IncreaseRatio = d.IncreaseRatio
	}
	if c.DecreaseRatio <= 0 || c.DecreaseRatio >= 1 {
		c.DecreaseRatio = d.DecreaseRatio
	}
	if c.TargetSuccessRate <= 0 || c.TargetSuccessRate > 1 {
		c.TargetSuccessRate = d.TargetSuccessRate
	}
	if c.AdjustmentInterval <= 0 {
		c.AdjustmentInterval = d.AdjustmentInterval
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.LatencyWindow <= 0 {
		c.LatencyWindow = d.LatencyWindow
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffDecay <= 0 || c.BackoffDecay >= 1 {
		c.BackoffDecay = d.BackoffDecay
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = d.MinBatchSize
	}
	if c.MaxBatchSize < c.MinBatchSize {
		c.MaxBatchSize = max(d.MaxBatchSize, c.MinBatchSize)
	}
	return c
}
