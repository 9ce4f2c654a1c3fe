package provider

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ProviderStatus represents the health state of a provider.
type ProviderStatus int

const (
	StatusHealthy   ProviderStatus = iota // Provider is working normally
	StatusDegraded                        // Provider is slow but working
	StatusThrottled                       // Provider is rate limiting
	StatusBlocked                         // Provider has blocked this client
)

func (s ProviderStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// MonitorStats holds monitoring statistics for a provider.
type MonitorStats struct {
	Status           string        `json:"status"`
	AverageLatency   time.Duration `json:"average_latency"`
	ThrottleCount429 int           `json:"throttle_count_429"`
	ThrottleCount403 int           `json:"throttle_count_403"`
	Requests         int           `json:"requests"`
	RetryAfter       time.Duration `json:"retry_after"`
}

// ProviderMonitor tracks provider latency and throttling.
type ProviderMonitor struct {
	mu    sync.RWMutex
	clock clock.PassiveClock

	// Response time tracking
	recentLatencies  []time.Duration
	maxLatencyWindow int
	requests         int

	// Throttle tracking
	status429Count     int
	status403Count     int
	throttlePatterns   []string
	lastThrottleTime   time.Time
	retryAfterDuration time.Duration

	// Thresholds
	slowResponseThreshold time.Duration
	throttledAfter        int
}

// NewProviderMonitor creates a new monitor with default settings.
func NewProviderMonitor(clk clock.PassiveClock) *ProviderMonitor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ProviderMonitor{
		clock:                 clk,
		recentLatencies:       make([]time.Duration, 0, 100),
		maxLatencyWindow:      100,
		throttlePatterns:      DefaultThrottlePatterns,
		slowResponseThreshold: 3 * time.Second,
		throttledAfter:        5,
	}
}

// RecordRequest records a successful request with its latency.
func (pm *ProviderMonitor) RecordRequest(latency time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.requests++
	pm.recentLatencies = append(pm.recentLatencies, latency)
	if len(pm.recentLatencies) > pm.maxLatencyWindow {
		pm.recentLatencies = pm.recentLatencies[1:]
	}
}

// RecordThrottle records a rate limiting or blocking response.
func (pm *ProviderMonitor) RecordThrottle(statusCode int, retryAfter time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.lastThrottleTime = pm.clock.Now()

	switch statusCode {
	case 403:
		pm.status403Count++
		pm.retryAfterDuration = 10 * time.Minute // Longer for IP block
	default:
		pm.status429Count++
		if retryAfter > 0 {
			pm.retryAfterDuration = retryAfter
		} else {
			pm.retryAfterDuration = time.Minute
		}
	}
}

// DetectThrottlePattern checks if a message contains throttle patterns.
func (pm *ProviderMonitor) DetectThrottlePattern(message string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return MatchesThrottle(message, pm.throttlePatterns)
}

// CheckProviderStatus returns the current status of the provider.
func (pm *ProviderMonitor) CheckProviderStatus() ProviderStatus {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.statusLocked()
}

func (pm *ProviderMonitor) statusLocked() ProviderStatus {
	inWindow := pm.clock.Since(pm.lastThrottleTime) < pm.retryAfterDuration

	if pm.status403Count > 0 && inWindow {
		return StatusBlocked
	}
	if pm.status429Count > pm.throttledAfter && inWindow {
		return StatusThrottled
	}
	if len(pm.recentLatencies) > 10 && pm.averageLocked() > pm.slowResponseThreshold {
		return StatusDegraded
	}
	return StatusHealthy
}

func (pm *ProviderMonitor) retryAfterLocked() time.Duration {
	if pm.retryAfterDuration <= 0 {
		return 0
	}
	remaining := pm.retryAfterDuration - pm.clock.Since(pm.lastThrottleTime)
	if remaining > 0 {
		return remaining
	}
	return 0
}

func (pm *ProviderMonitor) averageLocked() time.Duration {
	if len(pm.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range pm.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(pm.recentLatencies))
}

// GetStats returns current monitoring statistics.
func (pm *ProviderMonitor) GetStats() MonitorStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return MonitorStats{
		Status:           pm.statusLocked().String(),
		AverageLatency:   pm.averageLocked(),
		ThrottleCount429: pm.status429Count,
		ThrottleCount403: pm.status403Count,
		Requests:         pm.requests,
		RetryAfter:       pm.retryAfterLocked(),
	}
}
