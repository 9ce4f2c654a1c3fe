package config

import (
	"time"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/core/schedule"
	"github.com/vietddude/roundwatcher/internal/indexing/health"
	"github.com/vietddude/roundwatcher/internal/indexing/orchestrator"
	"github.com/vietddude/roundwatcher/internal/indexing/throttle"
	redisclient "github.com/vietddude/roundwatcher/internal/infra/redis"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/batch"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/ratelimit"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/retry"
	"github.com/vietddude/roundwatcher/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig        `yaml:"server"`
	Chain        ChainConfig         `yaml:"chain"`
	RateLimit    ratelimit.Config    `yaml:"rate_limit"`
	Batch        batch.Config        `yaml:"batch"`
	Throttle     throttle.Config     `yaml:"throttle"`
	Cache        CacheConfig         `yaml:"cache"`
	Indexer      IndexerConfig       `yaml:"indexer"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Schedule     schedule.Config     `yaml:"schedule"`
	Redis        redisclient.Config  `yaml:"redis"`
	Logging      LoggingConfig       `yaml:"logging"`
	Database     postgres.Config     `yaml:"database"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           int               `yaml:"port"`
	HealthInterval time.Duration     `yaml:"health_interval"` // Reuse of a health report (default: 10s)
	Health         health.Thresholds `yaml:"health"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ChainConfig holds settings for the indexed chain.
type ChainConfig struct {
	ChainID         domain.ChainID `yaml:"id"`
	RPCURL          string         `yaml:"rpc_url"`
	Timeout         time.Duration  `yaml:"timeout"`          // Per request timeout (default: 30s)
	AuctionContract string         `yaml:"auction_contract"` // Express lane auction address
	// BoostedFallback treats transactions sent to the auction contract as
	// boosted when receipts carry no timeboosted marker.
	BoostedFallback    bool `yaml:"boosted_fallback"`
	ReceiptConcurrency int  `yaml:"receipt_concurrency"` // Receipt fetches in flight per block (default: 10)
}

// CacheConfig holds in-process cache sizes.
type CacheConfig struct {
	Blocks int `yaml:"blocks"` // Block timestamps kept for the resolver (default: 10000)
}

// IndexerConfig holds round indexer settings.
type IndexerConfig struct {
	TrackInterval  time.Duration `yaml:"track_interval"`   // Ongoing round tick (default: 5s)
	MaxBlockWorker int           `yaml:"max_block_worker"` // Upper bound of parallel block fetches (default: 20)
	Retry          retry.Config  `yaml:"retry"`            // Retries for blocks not yet available
}
