package server

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the used-code set is discarded.
const DefaultSweepInterval = 10 * time.Minute

// UsedCodeTracker remembers authorization codes that have already been
// submitted for exchange, preventing double redemption of a one-time code.
//
// Expiry is deliberately coarse: the whole set is cleared on a fixed timer
// rather than per code. Authorization codes live for minutes upstream, so a
// full clear approximates their true validity window closely enough, and the
// provider still rejects a genuinely dead code on exchange.
type UsedCodeTracker struct {
	mu    sync.Mutex
	codes map[string]struct{}

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

// NewUsedCodeTracker creates a tracker and starts its sweep loop.
// A non-positive interval selects DefaultSweepInterval.
func NewUsedCodeTracker(sweepInterval time.Duration, logger *slog.Logger) *UsedCodeTracker {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &UsedCodeTracker{
		codes:         make(map[string]struct{}),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        logger,
	}

	go t.sweepLoop()
	return t
}

// HasBeenUsed reports whether the code was already submitted.
func (t *UsedCodeTracker) HasBeenUsed(code string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.codes[code]
	return ok
}

// MarkUsed records the code. Idempotent.
func (t *UsedCodeTracker) MarkUsed(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.codes[code] = struct{}{}
}

// CheckAndMark atomically checks whether the code was already used and, if
// not, marks it. Returns true when the code was fresh and is now marked.
// Doing both under one lock closes the race between concurrent requests
// carrying the same code.
func (t *UsedCodeTracker) CheckAndMark(code string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.codes[code]; ok {
		return false
	}
	t.codes[code] = struct{}{}
	return true
}

// Unmark removes the code so a legitimately retryable failure does not
// permanently burn it.
func (t *UsedCodeTracker) Unmark(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.codes, code)
}

// Len returns the number of tracked codes.
func (t *UsedCodeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.codes)
}

// Sweep discards the entire set unconditionally.
func (t *UsedCodeTracker) Sweep() {
	t.mu.Lock()
	cleared := len(t.codes)
	t.codes = make(map[string]struct{})
	t.mu.Unlock()

	if cleared > 0 {
		t.logger.Debug("Swept used authorization codes", "cleared", cleared)
	}
}

func (t *UsedCodeTracker) sweepLoop() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-t.stopSweep:
			return
		}
	}
}

// Stop terminates the sweep goroutine.
func (t *UsedCodeTracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopSweep) })
}
