package security

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 2, discard())
	defer rl.Stop()

	if !rl.Allow("203.0.113.9") {
		t.Error("first request denied")
	}
	if !rl.Allow("203.0.113.9") {
		t.Error("second request within burst denied")
	}
	if rl.Allow("203.0.113.9") {
		t.Error("request beyond burst allowed")
	}
}

func TestRateLimiterPerIdentifier(t *testing.T) {
	rl := NewRateLimiter(1, 1, discard())
	defer rl.Stop()

	if !rl.Allow("ip-1") {
		t.Error("ip-1 denied")
	}
	if rl.Allow("ip-1") {
		t.Error("ip-1 second request allowed")
	}
	// A different identifier has its own bucket.
	if !rl.Allow("ip-2") {
		t.Error("ip-2 denied by ip-1's bucket")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, discard())
	defer rl.Stop()
	rl.staleAfter = 10 * time.Millisecond

	rl.Allow("ip-1")
	time.Sleep(20 * time.Millisecond)
	rl.cleanup()

	rl.mu.Lock()
	remaining := len(rl.limiters)
	rl.mu.Unlock()
	if remaining != 0 {
		t.Errorf("limiters remaining after cleanup = %d", remaining)
	}
}

func TestRateLimiterStopIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 1, discard())
	rl.Stop()
	rl.Stop()
}
