package supervisor

import (
	"time"
)

const (
	crashWindow    = 60 * time.Second
	crashThreshold = 5
	backoffBase    = 2 * time.Second
	backoffCap     = 30 * time.Second
)

// crashTracker counts worker restarts inside a rolling window and computes
// the backoff once the threshold is crossed. Not safe for concurrent use;
// each worker owns one.
type crashTracker struct {
	crashes []time.Time
}

// Record notes a crash and reaps entries older than twice the window.
func (c *crashTracker) Record(now time.Time) {
	cutoff := now.Add(-2 * crashWindow)
	kept := c.crashes[:0]
	for _, t := range c.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.crashes = append(kept, now)
}

// InWindow counts crashes inside the rolling window ending at now.
func (c *crashTracker) InWindow(now time.Time) int {
	count := 0
	for _, t := range c.crashes {
		if now.Sub(t) <= crashWindow {
			count++
		}
	}
	return count
}

// Backoff returns how long to wait before the next restart: zero until the
// window holds more than the threshold, then base doubled per crash in the
// window (base x 2^(n-1)), capped. Crash six inside the window already waits
// the full cap.
func (c *crashTracker) Backoff(now time.Time) time.Duration {
	n := c.InWindow(now)
	if n <= crashThreshold {
		return 0
	}
	d := backoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
