package failuredetect

import (
	"testing"
	"time"
)

func TestWatchdog_ChecksBeforeTimeoutAreFalse(t *testing.T) {
	w := NewWatchdog(time.Second)
	now := time.Now()
	w.Arm(now)
	if w.Check(now.Add(500 * time.Millisecond)) {
		t.Fatalf("Check before timeout should be false")
	}
}

func TestWatchdog_SuspectsOncePastTimeout(t *testing.T) {
	w := NewWatchdog(time.Second)
	now := time.Now()
	w.Arm(now)
	if !w.Check(now.Add(2 * time.Second)) {
		t.Fatalf("first Check past timeout should be true")
	}
	if w.Check(now.Add(3 * time.Second)) {
		t.Fatalf("second Check while still suspected should be false (latched)")
	}
}

func TestWatchdog_HeartbeatClearsSuspicion(t *testing.T) {
	w := NewWatchdog(time.Second)
	now := time.Now()
	w.Arm(now)
	w.Check(now.Add(2 * time.Second))
	w.Heartbeat(now.Add(2 * time.Second))
	if w.Check(now.Add(2500 * time.Millisecond)) {
		t.Fatalf("Check right after Heartbeat should be false")
	}
	if !w.Check(now.Add(4 * time.Second)) {
		t.Fatalf("Check should re-latch after a fresh timeout")
	}
}

func TestWatchdog_UnarmedNeverSuspects(t *testing.T) {
	w := NewWatchdog(time.Second)
	if w.Check(time.Now()) {
		t.Fatalf("an unarmed watchdog must never report suspicion")
	}
}
