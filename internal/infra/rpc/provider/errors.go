package provider

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RateLimitError signals that the remote endpoint is throttling us.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (%d): %s, retry after %s", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (%d): %s", e.StatusCode, e.Message)
}

// TransportError is a network, HTTP or decoding failure.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RPCError is a JSON-RPC error object returned for one request.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRateLimited reports whether err carries a rate-limit signal.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// RetryAfterOf returns the server supplied retry delay, if any.
func RetryAfterOf(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// DefaultThrottlePatterns are lowercase fragments that mark a throttling response.
var DefaultThrottlePatterns = []string{
	"rate limit",
	"too many requests",
	"daily request count exceeded",
	"project rate limit",
	"monthly quota exceeded",
	"compute units per second",
}

// MatchesThrottle reports whether msg contains one of patterns.
func MatchesThrottle(msg string, patterns []string) bool {
	lower := strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
