// Package provider implements the JSON-RPC transport boundary.
//
// This package contains:
//   - Transport: the capability used by the batch coalescer and chain client
//   - HTTPProvider: JSON-RPC 2.0 over HTTP with id-matched batches
//   - ProviderMonitor: latency window and throttle tracking
//   - typed errors (RateLimitError, TransportError, RPCError)
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Transport sends single and batched JSON-RPC requests.
type Transport interface {
	// Call makes a single RPC request and returns the raw result.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// SendBatch sends all requests in one wire call. Responses carry the
	// request ids; their order is not guaranteed and some may be missing.
	SendBatch(ctx context.Context, requests []Request) ([]Response, error)
}

// Request is a single request inside a batch.
type Request struct {
	ID     uint64
	Method string
	Params []any
}

// Response is a single response from a batch.
// Err is already classified (RateLimitError or RPCError).
type Response struct {
	ID     uint64
	Result json.RawMessage
	Err    error
}

// HealthStatus represents the health state of a provider.
type HealthStatus struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	MonitorStats  *MonitorStats `json:"monitor_stats,omitempty"`
}
