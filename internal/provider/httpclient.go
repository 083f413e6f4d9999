package provider

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// newHTTPClient builds the shared client every adapter uses, matching the
// teacher TelegramSender's single long-lived *http.Client with a total
// request timeout (connection reuse, no per-call client allocation).
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: callTimeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// categorizeNetworkError classifies a transport-level (pre-HTTP-response)
// error, grounded on the teacher's TelegramSender.categorizeNetworkError:
// string-matched since net.Error wraps vendor-specific causes inconsistently
// across the standard library and vendored HTTP clients.
func categorizeNetworkError(err error) (notificationErrorClassName string) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return "service_down"
	default:
		var netErr net.Error
		if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
			return "timeout"
		}
		return "network_error"
	}
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}

// statusClass buckets an HTTP status code into the spec §4.1 classification:
// 2xx accepted, 429/5xx retryable, other 4xx permanent.
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "accepted"
	case code == 429:
		return "rate_limited"
	case code >= 500:
		return "retryable"
	case code >= 400:
		return "permanent"
	default:
		return "retryable"
	}
}
