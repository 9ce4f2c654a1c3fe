package orchestrator

import "time"

// Config controls how rounds are fed to the indexer.
type Config struct {
	RealtimeInterval time.Duration `yaml:"realtime_interval"` // New round check (default: 5s)
	BackfillInterval time.Duration `yaml:"backfill_interval"` // Backfill promotion (default: 10s)
	GapInterval      time.Duration `yaml:"gap_interval"`      // Gap and staleness scan (default: 1m)
	DrainInterval    time.Duration `yaml:"drain_interval"`    // Queue drain (default: 1s)
	ErrorDelay       time.Duration `yaml:"error_delay"`       // Pause after a failed loop body (default: 5s)

	RecentRounds      int `yaml:"recent_rounds"`       // Unindexed rounds queued at high priority on start (default: 10)
	Lookback          int `yaml:"lookback"`            // Rounds created on an empty database (default: 100)
	CatchUpBatch      int `yaml:"catch_up_batch"`      // Max round records created per real-time tick (default: 500)
	BackfillBatch     int `yaml:"backfill_batch"`      // Rounds promoted per backfill tick (default: 2)
	IdleBackfillBatch int `yaml:"idle_backfill_batch"` // Same, while idle (default: 10)
	MaxConcurrent     int `yaml:"max_concurrent"`      // Concurrently indexing rounds (default: 2)
	IdleMaxConcurrent int `yaml:"idle_max_concurrent"` // Same, while idle (default: 5)
	DrainBatch        int `yaml:"drain_batch"`         // Rounds dispatched per drain tick (default: 3)
	MaxGapRounds      int `yaml:"max_gap_rounds"`      // Gap rounds queued per scan (default: 1000)

	IdleThreshold  time.Duration `yaml:"idle_threshold"`  // No completion for this long means idle (default: 2m)
	StaleThreshold time.Duration `yaml:"stale_threshold"` // Started records older than this are requeued (default: 10m)
	FinalizeDelay  time.Duration `yaml:"finalize_delay"`  // Wait after a round ends before re-indexing it (default: 5s)
	LeaseTTL       time.Duration `yaml:"lease_ttl"`       // Lifetime of a per-round lease (default: 5m)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RealtimeInterval:  5 * time.Second,
		BackfillInterval:  10 * time.Second,
		GapInterval:       time.Minute,
		DrainInterval:     time.Second,
		ErrorDelay:        5 * time.Second,
		RecentRounds:      10,
		Lookback:          100,
		CatchUpBatch:      500,
		BackfillBatch:     2,
		IdleBackfillBatch: 10,
		MaxConcurrent:     2,
		IdleMaxConcurrent: 5,
		DrainBatch:        3,
		MaxGapRounds:      1000,
		IdleThreshold:     2 * time.Minute,
		StaleThreshold:    10 * time.Minute,
		FinalizeDelay:     5 * time.Second,
		LeaseTTL:          5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RealtimeInterval <= 0 {
		c.RealtimeInterval = d.RealtimeInterval
	}
	if c.BackfillInterval <= 0 {
		c.BackfillInterval = d.BackfillInterval
	}
	if c.GapInterval <= 0 {
		c.GapInterval = d.GapInterval
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = d.ErrorDelay
	}
	if c.RecentRounds <= 0 {
		c.RecentRounds = d.RecentRounds
	}
	if c.Lookback <= 0 {
		c.Lookback = d.Lookback
	}
	if c.CatchUpBatch <= 0 {
		c.CatchUpBatch = d.CatchUpBatch
	}
	if c.BackfillBatch <= 0 {
		c.BackfillBatch = d.BackfillBatch
	}
	if c.IdleBackfillBatch <= 0 {
		c.IdleBackfillBatch = d.IdleBackfillBatch
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.IdleMaxConcurrent < c.MaxConcurrent {
		c.IdleMaxConcurrent = max(d.IdleMaxConcurrent, c.MaxConcurrent)
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = d.DrainBatch
	}
	if c.MaxGapRounds <= 0 {
		c.MaxGapRounds = d.MaxGapRounds
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = d.IdleThreshold
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
	if c.FinalizeDelay <= 0 {
		c.FinalizeDelay = d.FinalizeDelay
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	return c
}
