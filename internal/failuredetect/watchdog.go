// Package failuredetect implements the leader heartbeat / follower
// watchdog pair of §4.3. The leader side is just a periodic broadcast the
// orchestrator drives directly; the follower side needs a little state
// (last_seen, and a once-per-suspicion latch) so it lives here, pure and
// timer-free like the election package, driven by the orchestrator's
// single-owner event loop.
package failuredetect

import "time"

// Watchdog tracks a follower's view of leader liveness.
type Watchdog struct {
	timeout   time.Duration
	lastSeen  time.Time
	suspected bool
}

// NewWatchdog creates a Watchdog with the given leader_timeout.
func NewWatchdog(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: timeout}
}

// Arm resets the watchdog baseline, called when role transitions to
// FOLLOWER.
func (w *Watchdog) Arm(now time.Time) {
	w.lastSeen = now
	w.suspected = false
}

// Heartbeat records a HEARTBEAT observation, clearing any latched
// suspicion (recovery case).
func (w *Watchdog) Heartbeat(now time.Time) {
	w.lastSeen = now
	w.suspected = false
}

// Check compares now-lastSeen against the timeout. It returns true exactly
// once per suspicion window: the first Check past the deadline returns
// true and latches suspected, subsequent Checks return false until a
// Heartbeat or Arm clears the latch.
func (w *Watchdog) Check(now time.Time) bool {
	if w.suspected {
		return false
	}
	if w.lastSeen.IsZero() {
		return false
	}
	if now.Sub(w.lastSeen) > w.timeout {
		w.suspected = true
		return true
	}
	return false
}
