package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/indexing/blockcache"
	"github.com/vietddude/roundwatcher/internal/indexing/throttle"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expanding ${VAR} references first.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.HealthInterval == 0 {
		cfg.Server.HealthInterval = 10 * time.Second
	}
	if cfg.Chain.ChainID == "" {
		cfg.Chain.ChainID = domain.ChainIDArbitrumOne
	}
	if cfg.Chain.Timeout == 0 {
		cfg.Chain.Timeout = 30 * time.Second
	}
	if cfg.Throttle == (throttle.Config{}) {
		cfg.Throttle = throttle.DefaultConfig()
	}
	if cfg.Cache.Blocks == 0 {
		cfg.Cache.Blocks = blockcache.DefaultCapacity
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable default.
func (c *AppConfig) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Schedule.OffsetUnix <= 0 {
		return fmt.Errorf("schedule.offset_unix is required")
	}
	if c.Schedule.RoundDuration < 0 {
		return fmt.Errorf("schedule.round_duration must be positive")
	}
	return nil
}
