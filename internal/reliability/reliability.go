package reliability

import (
	"math/rand"
	"time"
)

const (
	// Reconnect schedule shared by the STT and TTS upstream clients.
	BackoffBase   = 300 * time.Millisecond
	BackoffCap    = 5 * time.Second
	BackoffJitter = 200 * time.Millisecond
	MaxReconnects = 6
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsFatalUpgradeStatus reports whether a websocket upgrade rejection should
// not be retried (authentication, quota, bad request).
func IsFatalUpgradeStatus(code int) bool {
	return code >= 400 && code < 500 && code != 429
}

// ReconnectDelay computes the capped exponential backoff with full jitter
// for the given attempt: min(cap, base*2^attempt) + uniform(0, jitter).
func ReconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= BackoffCap {
			d = BackoffCap
			break
		}
	}
	return d + time.Duration(rand.Int63n(int64(BackoffJitter)))
}
