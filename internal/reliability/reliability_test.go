package reliability

import (
	"testing"
	"time"
)

func TestReconnectDelayBounds(t *testing.T) {
	for attempt := 0; attempt <= 5; attempt++ {
		base := 300 * time.Millisecond
		for i := 0; i < attempt; i++ {
			base *= 2
		}
		if base > BackoffCap {
			base = BackoffCap
		}
		for i := 0; i < 50; i++ {
			d := ReconnectDelay(attempt)
			if d < base || d > base+BackoffJitter {
				t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, d, base, base+BackoffJitter)
			}
		}
	}
}

func TestReconnectDelayCapped(t *testing.T) {
	for i := 0; i < 50; i++ {
		if d := ReconnectDelay(20); d > BackoffCap+BackoffJitter {
			t.Fatalf("delay %s exceeds cap+jitter", d)
		}
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	for code, want := range map[int]bool{
		200: false, 400: false, 401: false, 404: false,
		429: true, 500: true, 502: true, 503: true, 504: true,
	} {
		if got := IsRetryableHTTPStatus(code); got != want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestIsFatalUpgradeStatus(t *testing.T) {
	for code, want := range map[int]bool{
		101: false, 401: true, 403: true, 404: true, 429: false, 500: false,
	} {
		if got := IsFatalUpgradeStatus(code); got != want {
			t.Fatalf("IsFatalUpgradeStatus(%d) = %v, want %v", code, got, want)
		}
	}
}
