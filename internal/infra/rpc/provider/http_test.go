package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPProvider_Call(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if req["jsonrpc"] != "2.0" {
			t.Errorf("expected jsonrpc 2.0, got %v", req["jsonrpc"])
		}
		if req["method"] != "eth_blockNumber" {
			t.Errorf("unexpected method %v", req["method"])
		}
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": "0x10"})
	}))
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second)
	result, err := p.Call(context.Background(), "eth_blockNumber", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if string(result) != `"0x10"` {
		t.Errorf("Expected \"0x10\", got %s", result)
	}
	if !p.GetHealth().Available {
		t.Error("Expected provider to be available")
	}
}

func TestHTTPProvider_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second)
	_, err := p.Call(context.Background(), "eth_blockNumber", nil)
	if !IsRateLimited(err) {
		t.Fatalf("Expected rate limit error, got %v", err)
	}
	if got := RetryAfterOf(err); got != 7*time.Second {
		t.Errorf("Expected retry after 7s, got %v", got)
	}
}

func TestHTTPProvider_ThrottleMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": -32000, "message": "Too Many Requests, please slow down"},
		})
	}))
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second)
	_, err := p.Call(context.Background(), "eth_getBlockByNumber", []any{"0x1", false})
	if !IsRateLimited(err) {
		t.Fatalf("Expected rate limit error, got %v", err)
	}
}

func TestHTTPProvider_RPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": -32601, "message": "method not found"},
		})
	}))
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second)
	_, err := p.Call(context.Background(), "eth_foo", nil)

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Expected RPCError, got %v", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("Expected code -32601, got %d", rpcErr.Code)
	}
	if IsRateLimited(err) {
		t.Error("RPC error must not be classified as rate limit")
	}
}

func TestHTTPProvider_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second)
	_, err := p.Call(context.Background(), "eth_blockNumber", nil)

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransportError, got %v", err)
	}
	if te.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", te.StatusCode)
	}
}

func TestHTTPProvider_SendBatchMatchesByID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			t.Errorf("failed to decode batch: %v", err)
			return
		}
		// Answer in reverse order, fail one request, drop the last one.
		var out []map[string]any
		for i := len(reqs) - 2; i >= 0; i-- {
			id := reqs[i]["id"]
			if i == 0 {
				out = append(out, map[string]any{
					"jsonrpc": "2.0", "id": id,
					"error": map[string]any{"code": -32602, "message": "invalid params"},
				})
				continue
			}
			out = append(out, map[string]any{"jsonrpc": "2.0", "id": id, "result": reqs[i]["method"]})
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second)
	reqs := []Request{
		{ID: 11, Method: "a"},
		{ID: 12, Method: "b"},
		{ID: 13, Method: "c"},
		{ID: 14, Method: "d"},
	}
	resps, err := p.SendBatch(context.Background(), reqs)
	if err != nil {
		t.Fatalf("SendBatch failed: %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("Expected 3 responses, got %d", len(resps))
	}

	byID := make(map[uint64]Response)
	for _, r := range resps {
		byID[r.ID] = r
	}
	if _, ok := byID[14]; ok {
		t.Error("Expected id 14 to be missing")
	}
	if byID[11].Err == nil {
		t.Error("Expected id 11 to carry an error")
	}
	if string(byID[13].Result) != `"c"` {
		t.Errorf("Expected id 13 result \"c\", got %s", byID[13].Result)
	}
}

func TestHTTPProvider_SendBatchRejectedWhole(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      nil,
			"error":   map[string]any{"code": -32005, "message": "limit exceeded"},
		})
	}))
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second)
	_, err := p.SendBatch(context.Background(), []Request{{ID: 1, Method: "a"}})
	if !IsRateLimited(err) {
		t.Fatalf("Expected rate limit error, got %v", err)
	}
}
