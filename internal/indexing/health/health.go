// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/indexing/orchestrator"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/provider"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/ratelimit"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Thresholds decide when lag and failures degrade the status.
type Thresholds struct {
	DegradedLag    uint64 `yaml:"degraded_lag"`    // Rounds behind before degraded (default: 10)
	CriticalLag    uint64 `yaml:"critical_lag"`    // Rounds behind before critical (default: 100)
	CriticalFailed int    `yaml:"critical_failed"` // Failed rounds before critical (default: 50)
}

// DefaultThresholds returns sensible defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedLag:    10,
		CriticalLag:    100,
		CriticalFailed: 50,
	}
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus     SystemStatus                     `json:"system_status"`
	LatestRound      uint64                           `json:"latest_round"`
	LastIndexedRound uint64                           `json:"last_indexed_round"`
	RoundLag         uint64                           `json:"round_lag"`
	IndexedRounds    int                              `json:"indexed_rounds"`
	FailedRounds     int                              `json:"failed_rounds"`
	PendingRounds    int                              `json:"pending_rounds"`
	Limiter          *ratelimit.Metrics               `json:"limiter,omitempty"`
	Providers        map[string]provider.HealthStatus `json:"providers,omitempty"`
	Orchestrator     *orchestrator.Status             `json:"orchestrator,omitempty"`
	Pacing           *Pacing                          `json:"pacing,omitempty"`
	Indexer          *IndexerState                    `json:"indexer,omitempty"`
	Errors           []string                         `json:"errors,omitempty"`
	CheckedAt        time.Time                        `json:"checked_at"`
}

// Pacing is the current indexer pace.
type Pacing struct {
	RoundDelay   time.Duration `json:"round_delay"`
	PollInterval time.Duration `json:"poll_interval"`
}

// IndexerState is the in-memory view of the round indexer. Errored lists
// rounds whose last attempt failed and that are waiting for a retry.
type IndexerState struct {
	Queue    int                       `json:"queue"`
	Indexing []uint64                  `json:"indexing,omitempty"`
	Ongoing  []uint64                  `json:"ongoing,omitempty"`
	Errored  []domain.RoundIndexStatus `json:"errored,omitempty"`
}
