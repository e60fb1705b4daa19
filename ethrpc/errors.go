package ethrpc

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// IsRateLimited reports whether err is an upstream throttle response worth
// backing off on: an HTTP 429 or a provider message saying as much.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
}

// IsTooManyResults reports whether err is a provider refusing a getLogs
// window because the result set is too large. Providers disagree on codes
// and wording, so this matches the common variants; the backfill planner
// reacts to both this and rate limits by halving its window, so an
// ambiguous -32005 is handled correctly either way.
func IsTooManyResults(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == -32005 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many results") ||
		strings.Contains(msg, "query returned more than") ||
		strings.Contains(msg, "response size exceeded")
}

// backoffDelay returns the wait before retry n (zero-based): 2^n + n/2
// seconds.
func backoffDelay(attempt int) time.Duration {
	secs := math.Pow(2, float64(attempt)) + 0.5*float64(attempt)
	return time.Duration(secs * float64(time.Second))
}
