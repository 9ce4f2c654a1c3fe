package throttle

import "time"

// Config holds pacing settings for the indexer and the round poller.
type Config struct {
	// Enabled controls whether adaptive pacing is active
	Enabled bool `yaml:"enabled"`

	// Inter-round delay bounds
	BaseDelay time.Duration `yaml:"base_delay"` // Delay at full concurrency (default: 200ms)
	MaxDelay  time.Duration `yaml:"max_delay"`  // Slowest pace between rounds (default: 30s)

	// Poll interval bounds
	PollInterval    time.Duration `yaml:"poll_interval"`     // Interval when caught up (default: 5s)
	MinPollInterval time.Duration `yaml:"min_poll_interval"` // Fastest polling rate (default: 500ms)
	MaxPollInterval time.Duration `yaml:"max_poll_interval"` // Slowest polling rate (default: 60s)

	// Head caching
	HeadCacheTTL time.Duration `yaml:"head_cache_ttl"` // How long to cache eth_blockNumber (default: 3s)

	// Lag thresholds in rounds for interval adjustment
	LagNormalThreshold int64 `yaml:"lag_normal_threshold"` // Below this = normal interval (default: 2)
	LagBurstThreshold  int64 `yaml:"lag_burst_threshold"`  // Above this = max speed (default: 20)
}

// DefaultConfig returns sensible defaults for pacing.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		BaseDelay:          200 * time.Millisecond,
		MaxDelay:           30 * time.Second,
		PollInterval:       5 * time.Second,
		MinPollInterval:    500 * time.Millisecond,
		MaxPollInterval:    60 * time.Second,
		HeadCacheTTL:       3 * time.Second,
		LagNormalThreshold: 2,
		LagBurstThreshold:  20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = d.MinPollInterval
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = d.MaxPollInterval
	}
	if c.HeadCacheTTL <= 0 {
		c.HeadCacheTTL = d.HeadCacheTTL
	}
	if c.LagNormalThreshold <= 0 {
		c.LagNormalThreshold = d.LagNormalThreshold
	}
	if c.LagBurstThreshold <= 0 {
		c.LagBurstThreshold = d.LagBurstThreshold
	}
	return c
}
