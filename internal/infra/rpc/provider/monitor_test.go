package provider

import (
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

func TestMonitorLatencyWindow(t *testing.T) {
	m := NewProviderMonitor(nil)

	m.RecordRequest(100 * time.Millisecond)
	for i := 0; i < 150; i++ {
		m.RecordRequest(50 * time.Millisecond)
	}

	stats := m.GetStats()
	if stats.Requests != 151 {
		t.Errorf("Expected 151 requests, got %d", stats.Requests)
	}
	// The 100ms sample has been pushed out of the 100 sample window.
	if stats.AverageLatency != 50*time.Millisecond {
		t.Errorf("Expected average 50ms, got %v", stats.AverageLatency)
	}
}

func TestMonitorThrottleStatus(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Unix(1_700_000_000, 0))
	m := NewProviderMonitor(clk)

	for i := 0; i < 6; i++ {
		m.RecordThrottle(429, 30*time.Second)
	}
	if got := m.CheckProviderStatus(); got != StatusThrottled {
		t.Fatalf("Expected throttled, got %v", got)
	}
	if got := m.GetStats().RetryAfter; got != 30*time.Second {
		t.Errorf("Expected retry after 30s, got %v", got)
	}

	clk.SetTime(clk.Now().Add(31 * time.Second))
	if got := m.CheckProviderStatus(); got != StatusHealthy {
		t.Errorf("Expected healthy after window, got %v", got)
	}
	if got := m.GetStats().RetryAfter; got != 0 {
		t.Errorf("Expected no retry after, got %v", got)
	}
}

func TestMonitorBlocked(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Unix(1_700_000_000, 0))
	m := NewProviderMonitor(clk)

	m.RecordThrottle(403, 0)
	if got := m.CheckProviderStatus(); got != StatusBlocked {
		t.Errorf("Expected blocked, got %v", got)
	}
}

func TestDetectThrottlePattern(t *testing.T) {
	m := NewProviderMonitor(nil)

	tests := []struct {
		msg  string
		want bool
	}{
		{"Rate limit exceeded", true},
		{"429 Too Many Requests", true},
		{"execution reverted", false},
		{"header not found", false},
	}
	for _, tt := range tests {
		if got := m.DetectThrottlePattern(tt.msg); got != tt.want {
			t.Errorf("DetectThrottlePattern(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
