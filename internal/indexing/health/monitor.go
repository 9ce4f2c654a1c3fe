package health

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/vietddude/roundwatcher/internal/core/domain"
	"github.com/vietddude/roundwatcher/internal/indexing/orchestrator"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/provider"
	"github.com/vietddude/roundwatcher/internal/infra/rpc/ratelimit"
)

// RoundSource reports the newest round.
type RoundSource interface {
	LatestRound(ctx context.Context) (uint64, error)
}

// StatsSource aggregates persisted indexing progress.
type StatsSource interface {
	Stats(ctx context.Context) (*domain.IndexingStats, error)
}

// LimiterView exposes the rate limiter snapshot.
type LimiterView interface {
	Metrics() ratelimit.Metrics
}

// ProviderView exposes the health of an RPC endpoint.
type ProviderView interface {
	GetName() string
	GetHealth() provider.HealthStatus
}

// OrchestratorView exposes the orchestrator snapshot.
type OrchestratorView interface {
	Status() orchestrator.Status
}

// PacerView exposes the current pace.
type PacerView interface {
	Current() (delay, interval time.Duration)
}

// IndexerView exposes the round indexer's queue and per-round states.
type IndexerView interface {
	QueueLength() int
	GetAllRoundStatuses() []domain.RoundIndexStatus
}

// OngoingView lists rounds that are still open.
type OngoingView interface {
	Tracked() []uint64
}

// Deps are the components inspected by the monitor. Only Rounds and Stats are required.
type Deps struct {
	Rounds       RoundSource
	Stats        StatsSource
	Limiter      LimiterView
	Providers    []ProviderView
	Orchestrator OrchestratorView
	Pacer        PacerView
	Indexer      IndexerView
	Ongoing      OngoingView
	Clock        clock.PassiveClock
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	deps       Deps
	thresholds Thresholds
	interval   time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *HealthReport
}

// NewMonitor creates a new health monitor. Reports are reused for interval
// to avoid hammering the RPC endpoint and database.
func NewMonitor(deps Deps, thresholds Thresholds, interval time.Duration) *Monitor {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	d := DefaultThresholds()
	if thresholds.DegradedLag == 0 {
		thresholds.DegradedLag = d.DegradedLag
	}
	if thresholds.CriticalLag == 0 {
		thresholds.CriticalLag = d.CriticalLag
	}
	if thresholds.CriticalFailed == 0 {
		thresholds.CriticalFailed = d.CriticalFailed
	}
	return &Monitor{
		deps:       deps,
		thresholds: thresholds,
		interval:   interval,
	}
}

// CheckHealth builds a health report, or returns the cached one.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.deps.Clock.Now()
	if m.lastReport != nil && now.Sub(m.lastCheck) < m.interval {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		CheckedAt:    now,
	}
	degraded := false

	// 1. Round lag
	latest, err := m.deps.Rounds.LatestRound(ctx)
	if err != nil {
		report.Errors = append(report.Errors, "latest round: "+err.Error())
		degraded = true
	}
	report.LatestRound = latest

	stats, err := m.deps.Stats.Stats(ctx)
	if err != nil {
		report.Errors = append(report.Errors, "stats: "+err.Error())
		degraded = true
	} else {
		report.LastIndexedRound = stats.LastIndexedRound
		report.IndexedRounds = stats.IndexedRounds
		report.FailedRounds = stats.FailedRounds
		report.PendingRounds = stats.PendingRounds
	}
	if latest > report.LastIndexedRound {
		report.RoundLag = latest - report.LastIndexedRound
	}

	// 2. Limiter
	if m.deps.Limiter != nil {
		lm := m.deps.Limiter.Metrics()
		report.Limiter = &lm
		if lm.PausedFor > 0 {
			degraded = true
		}
	}

	// 3. Providers
	if len(m.deps.Providers) > 0 {
		report.Providers = make(map[string]provider.HealthStatus, len(m.deps.Providers))
		for _, p := range m.deps.Providers {
			h := p.GetHealth()
			report.Providers[p.GetName()] = h
			if !h.Available {
				degraded = true
			}
		}
	}

	if m.deps.Orchestrator != nil {
		s := m.deps.Orchestrator.Status()
		report.Orchestrator = &s
	}
	if m.deps.Pacer != nil {
		delay, interval := m.deps.Pacer.Current()
		report.Pacing = &Pacing{RoundDelay: delay, PollInterval: interval}
	}
	if m.deps.Indexer != nil {
		report.Indexer = m.indexerState()
	}

	// Evaluate status
	switch {
	case report.RoundLag > m.thresholds.CriticalLag || report.FailedRounds > m.thresholds.CriticalFailed:
		report.SystemStatus = StatusCritical
	case degraded || report.RoundLag > m.thresholds.DegradedLag || report.FailedRounds > 0:
		report.SystemStatus = StatusDegraded
	}

	m.lastCheck = now
	m.lastReport = &report
	return report
}

func (m *Monitor) indexerState() *IndexerState {
	st := &IndexerState{Queue: m.deps.Indexer.QueueLength()}
	for _, s := range m.deps.Indexer.GetAllRoundStatuses() {
		switch s.State {
		case domain.IndexStateIndexing:
			st.Indexing = append(st.Indexing, s.Round)
		case domain.IndexStateError:
			st.Errored = append(st.Errored, s)
		}
	}
	slices.Sort(st.Indexing)
	slices.SortFunc(st.Errored, func(a, b domain.RoundIndexStatus) int {
		return cmp.Compare(a.Round, b.Round)
	})
	if m.deps.Ongoing != nil {
		st.Ongoing = m.deps.Ongoing.Tracked()
	}
	return st
}
