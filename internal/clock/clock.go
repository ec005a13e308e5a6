// Package clock provides a monotonic millisecond timestamp source with
// backward-jump detection.
//
// Snowflake IDs depend on non-decreasing timestamps per node. Wall clocks are
// not monotonic: NTP corrections and VM migrations can move them backwards.
// Guard absorbs small regressions by holding the last observed value, and
// refuses to hand out timestamps at all once a regression exceeds the
// configured tolerance.
package clock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRegression is returned when the wall clock moved backwards by more than
// the configured tolerance. Continuing past this point risks duplicate IDs,
// so callers must treat it as fatal for the current generator instance.
var ErrRegression = errors.New("clock moved backwards beyond tolerance")

// Guard wraps the wall clock and guarantees non-decreasing millisecond
// timestamps across its lifetime. Safe for concurrent use.
type Guard struct {
	mu     sync.Mutex
	nowMs  func() int64
	lastMs int64

	maxRegressionMs int64
	drift           atomic.Int64
}

// NewGuard creates a Guard that tolerates wall-clock regressions up to
// maxRegression. A zero maxRegression means any backward jump is fatal.
func NewGuard(maxRegression time.Duration) *Guard {
	return &Guard{
		nowMs:           func() int64 { return time.Now().UnixMilli() },
		maxRegressionMs: maxRegression.Milliseconds(),
	}
}

// NewGuardWithSource is like NewGuard but reads time from nowMs. Used by
// tests to simulate clock behavior.
func NewGuardWithSource(maxRegression time.Duration, nowMs func() int64) *Guard {
	return &Guard{
		nowMs:           nowMs,
		maxRegressionMs: maxRegression.Milliseconds(),
	}
}

// Now returns the current timestamp in milliseconds, never less than any
// previously returned value. If the underlying clock reports a value behind
// the last observation, Now holds the last value and counts the drift; past
// the tolerance it returns ErrRegression.
func (g *Guard) Now() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	raw := g.nowMs()
	if raw >= g.lastMs {
		g.lastMs = raw
		return raw, nil
	}

	regression := g.lastMs - raw
	if regression > g.maxRegressionMs {
		return 0, ErrRegression
	}

	g.drift.Add(1)
	return g.lastMs, nil
}

// Drift reports how many times the guard has held back a regressed reading.
// A steadily climbing value means the host clock is being adjusted and is
// worth alerting on before it crosses the fatal threshold.
func (g *Guard) Drift() int64 {
	return g.drift.Load()
}
