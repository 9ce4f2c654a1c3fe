package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Infura and a few others answer throttled requests with this JSON-RPC code.
const codeLimitExceeded = -32005

// HTTPProvider implements Transport for JSON-RPC 2.0 over HTTP.
type HTTPProvider struct {
	name       string
	endpoint   string
	httpClient *http.Client

	mu           sync.RWMutex
	health       HealthStatus
	totalLatency time.Duration
	successCount int
	failureCount int
	requestCount int

	Monitor *ProviderMonitor
}

// NewHTTPProvider creates a new HTTP-based RPC provider.
func NewHTTPProvider(name, endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		health: HealthStatus{
			Available:     true,
			LastSuccessAt: time.Now(),
		},
		Monitor: NewProviderMonitor(nil),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcMessage struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorObject `json:"error"`
}

// Call makes a single JSON-RPC call.
func (p *HTTPProvider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	start := time.Now()

	body, err := p.post(ctx, "rpc call", rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	var msg rpcMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		p.recordFailure()
		return nil, &TransportError{Op: "parse response", Err: err}
	}
	if msg.Error != nil {
		p.recordFailure()
		return nil, p.classifyRPCError(msg.Error)
	}

	latency := time.Since(start)
	p.Monitor.RecordRequest(latency)
	p.recordSuccess(latency)
	return msg.Result, nil
}

// SendBatch sends multiple RPC calls in one request. Responses are matched
// by id, so reordered or partial answers are passed through as received.
func (p *HTTPProvider) SendBatch(ctx context.Context, requests []Request) ([]Response, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	start := time.Now()

	batch := make([]rpcRequest, len(requests))
	for i, r := range requests {
		params := r.Params
		if params == nil {
			params = []any{}
		}
		batch[i] = rpcRequest{JSONRPC: "2.0", ID: r.ID, Method: r.Method, Params: params}
	}

	body, err := p.post(ctx, "batch call", batch)
	if err != nil {
		return nil, err
	}

	// Some endpoints reject a whole batch with a single error object.
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var msg rpcMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			p.recordFailure()
			return nil, &TransportError{Op: "parse batch response", Err: err}
		}
		p.recordFailure()
		if msg.Error != nil {
			return nil, p.classifyRPCError(msg.Error)
		}
		return nil, &TransportError{Op: "parse batch response", Err: errors.New("expected array")}
	}

	var msgs []rpcMessage
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		p.recordFailure()
		return nil, &TransportError{Op: "parse batch response", Err: err}
	}

	responses := make([]Response, 0, len(msgs))
	for _, m := range msgs {
		id, err := parseID(m.ID)
		if err != nil {
			continue
		}
		resp := Response{ID: id, Result: m.Result}
		if m.Error != nil {
			resp.Err = p.classifyRPCError(m.Error)
		}
		responses = append(responses, resp)
	}

	latency := time.Since(start)
	p.Monitor.RecordRequest(latency)
	p.recordSuccess(latency)
	return responses, nil
}

func (p *HTTPProvider) post(ctx context.Context, op string, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		p.recordFailure()
		return nil, &TransportError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		p.recordFailure()
		return nil, &TransportError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.recordFailure()
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordFailure()
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		p.Monitor.RecordThrottle(http.StatusTooManyRequests, retryAfter)
		p.recordFailure()
		return nil, &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Message:    snippet(body),
		}
	case resp.StatusCode != http.StatusOK:
		p.recordFailure()
		if p.Monitor.DetectThrottlePattern(string(body)) {
			p.Monitor.RecordThrottle(http.StatusTooManyRequests, 0)
			return nil, &RateLimitError{StatusCode: resp.StatusCode, Message: snippet(body)}
		}
		if resp.StatusCode == http.StatusForbidden {
			p.Monitor.RecordThrottle(http.StatusForbidden, 0)
		}
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(snippet(body))}
	}

	return body, nil
}

func (p *HTTPProvider) classifyRPCError(e *rpcErrorObject) error {
	if e.Code == http.StatusTooManyRequests || e.Code == codeLimitExceeded || p.Monitor.DetectThrottlePattern(e.Message) {
		p.Monitor.RecordThrottle(http.StatusTooManyRequests, 0)
		return &RateLimitError{StatusCode: http.StatusTooManyRequests, Message: e.Message}
	}
	return &RPCError{Code: e.Code, Message: e.Message}
}

func parseID(raw json.RawMessage) (uint64, error) {
	s := strings.Trim(string(raw), `"`)
	return strconv.ParseUint(s, 10, 64)
}

func snippet(body []byte) string {
	const maxLen = 256
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

// GetName returns the provider's name.
func (p *HTTPProvider) GetName() string {
	return p.name
}

// GetHealth returns the provider's health status.
func (p *HTTPProvider) GetHealth() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h := p.health
	stats := p.Monitor.GetStats()
	h.MonitorStats = &stats
	return h
}

// Close cleans up resources.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *HTTPProvider) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successCount++
	p.requestCount++
	p.totalLatency += latency
	p.health.LastSuccessAt = time.Now()
	p.health.Available = true

	if p.requestCount > 0 {
		p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)
	}
	if p.successCount > 0 {
		p.health.Latency = p.totalLatency / time.Duration(p.successCount)
	}
}

func (p *HTTPProvider) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureCount++
	p.requestCount++
	p.health.LastFailureAt = time.Now()

	if p.requestCount > 0 {
		p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)
	}

	if p.health.ErrorRate > 0.5 {
		p.health.Available = false
	}
}
