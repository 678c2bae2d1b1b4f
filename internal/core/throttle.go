package core

import (
	"sync"
	"time"
)

// defaultThrottleInterval is the minimum gap between emitted updates.
const defaultThrottleInterval = 500 * time.Millisecond

// Throttle rate-limits progress updates for slow consumers such as SSE
// streams or terminal redraws.
//
// An update passes only when both gates open: at least the configured
// interval has elapsed since the last emission, and progress has advanced
// by more than one percentage point. The final update of a run must call
// Final, which bypasses both gates, so a consumer always sees completion.
type Throttle struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastEmit    time.Time
	lastPercent float64

	// now is replaceable in tests.
	now func() time.Time
}

// NewThrottle creates a throttle. A non-positive interval uses the
// 500ms default.
func NewThrottle(minInterval time.Duration) *Throttle {
	if minInterval <= 0 {
		minInterval = defaultThrottleInterval
	}
	return &Throttle{
		minInterval: minInterval,
		now:         time.Now,
	}
}

// Due reports whether the interval gate is open, without recording
// anything. Pollers use it to skip expensive progress measurements that
// Allow would reject on time alone.
func (t *Throttle) Due() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEmit.IsZero() || t.now().Sub(t.lastEmit) >= t.minInterval
}

// Allow reports whether an update at this percent should be emitted, and
// records the emission when it should. The first call always passes.
func (t *Throttle) Allow(percent float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.lastEmit.IsZero() {
		t.emit(now, percent)
		return true
	}

	if now.Sub(t.lastEmit) < t.minInterval {
		return false
	}
	if percent <= t.lastPercent+1 {
		return false
	}

	t.emit(now, percent)
	return true
}

// Final records an unconditional emission. Terminal updates go through
// here so completion is never swallowed by the gates.
func (t *Throttle) Final(percent float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emit(t.now(), percent)
	return true
}

func (t *Throttle) emit(now time.Time, percent float64) {
	t.lastEmit = now
	t.lastPercent = percent
}
