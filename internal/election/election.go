// Package election implements the priority ("Bully") election protocol of
// §4.4. The state transitions are deliberately free of I/O and timers —
// they are driven by the orchestrator's single-owner event loop, which
// owns the actual wall-clock timers and the transport calls, mirroring the
// teacher's cancellable-wait idiom in protocol.go's processGMCast
// (a select across a result channel and a higher-priority escape hatch)
// without needing a second goroutine per election.
package election

import "github.com/chatmesh/cluster/internal/wire"

// Outcome is what a timer fire means once checked against the current
// generation, so a timer belonging to a superseded or cancelled election
// is a safe no-op instead of racing the state it used to describe.
type Outcome int

const (
	// Stale means this timer no longer corresponds to the in-progress
	// election (it was cancelled or superseded); ignore it.
	Stale Outcome = iota
	// BecomeLeader means the primary election_timeout elapsed with no
	// ELECTION_OK received: this node wins.
	BecomeLeader
	// AwaitCoordinator means an ELECTION_OK was received before timeout;
	// arm the secondary timer and wait for a COORDINATOR.
	AwaitCoordinator
)

// Machine holds the election_in_progress/election_term/ok_received/
// generation state of §3's Election state. Every method must be called
// from the orchestrator's single owning goroutine; Machine has no
// internal locking.
type Machine struct {
	selfID wire.PeerID

	inProgress    bool
	candidateTerm wire.Term
	okReceived    bool

	// generation is bumped every time Begin is called, so that a timer
	// scheduled for a prior election can be told apart from the current
	// one even if candidateTerm happens to coincide.
	generation uint64
}

// New creates a Machine for selfID.
func New(selfID wire.PeerID) *Machine {
	return &Machine{selfID: selfID}
}

// InProgress reports whether an election is currently running.
func (m *Machine) InProgress() bool {
	return m.inProgress
}

// Generation returns the current election's generation counter, to be
// captured by whoever schedules a timeout and passed back to FireTimeout/
// FireSecondaryTimeout.
func (m *Machine) Generation() uint64 {
	return m.generation
}

// CandidateTerm returns the term this node is (or was) campaigning for.
func (m *Machine) CandidateTerm() wire.Term {
	return m.candidateTerm
}

// Begin starts a new election at currentTerm+1, per step 1 of §4.4's
// protocol. It is the caller's responsibility not to call Begin when
// InProgress() is already true (the trigger conditions in §4.4 already
// gate on that).
func (m *Machine) Begin(currentTerm wire.Term) (candidateTerm wire.Term, generation uint64) {
	m.inProgress = true
	m.okReceived = false
	m.candidateTerm = currentTerm + 1
	m.generation++
	return m.candidateTerm, m.generation
}

// RecordOK marks that an ELECTION_OK arrived for the given generation.
// Stale generations (from a cancelled or superseded election) are ignored.
func (m *Machine) RecordOK(generation uint64) {
	if generation == m.generation && m.inProgress {
		m.okReceived = true
	}
}

// Cancel clears election_in_progress, e.g. on accepting a COORDINATOR.
func (m *Machine) Cancel() {
	m.inProgress = false
	m.okReceived = false
}

// FireTimeout evaluates the primary election_timeout firing for
// generation, implementing step 5 of §4.4.
func (m *Machine) FireTimeout(generation uint64) Outcome {
	if generation != m.generation || !m.inProgress {
		return Stale
	}
	if m.okReceived {
		return AwaitCoordinator
	}
	return BecomeLeader
}

// FireSecondaryTimeout evaluates the 2x election_timeout secondary timer
// firing while awaiting a COORDINATOR after having received an
// ELECTION_OK. true means no COORDINATOR arrived in time and the election
// must restart at step 1.
func (m *Machine) FireSecondaryTimeout(generation uint64) bool {
	return generation == m.generation && m.inProgress
}
