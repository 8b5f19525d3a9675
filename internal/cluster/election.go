package cluster

import (
	"time"

	"github.com/chatmesh/cluster/internal/election"
	"github.com/chatmesh/cluster/internal/wire"
)

// startElection drives step 1-3 of §4.4's Bully protocol. Triggered by
// SuspectLeader (onWatchdogTick), by startup with no leader discovered,
// or by a lower-id ELECTION (handleElection).
func (n *Node) startElection() {
	candidateTerm, gen := n.election.Begin(n.membership.CurrentTerm())
	n.met.ElectionsStarted.Inc()
	n.setRole(wire.Candidate)

	msg := n.newMessage(wire.Election)
	msg.Term = candidateTerm
	higher := n.membership.HigherPriorityPeers()
	if len(higher) > 0 {
		n.transport.Broadcast(higher, msg)
	}

	n.scheduleElectionTimeout(gen)
}

func (n *Node) scheduleElectionTimeout(gen uint64) {
	time.AfterFunc(n.cfg.ElectionTimeout, func() {
		n.post(func() { n.onElectionTimeout(gen) })
	})
}

func (n *Node) scheduleSecondaryTimeout(gen uint64) {
	time.AfterFunc(2*n.cfg.ElectionTimeout, func() {
		n.post(func() { n.onSecondaryTimeout(gen) })
	})
}

// onElectionTimeout implements step 5 of §4.4.
func (n *Node) onElectionTimeout(gen uint64) {
	switch n.election.FireTimeout(gen) {
	case election.BecomeLeader:
		n.becomeLeader(n.election.CandidateTerm())
	case election.AwaitCoordinator:
		n.scheduleSecondaryTimeout(gen)
	case election.Stale:
		// superseded or cancelled; nothing to do.
	}
}

func (n *Node) onSecondaryTimeout(gen uint64) {
	if n.election.FireSecondaryTimeout(gen) {
		n.startElection()
	}
}

// becomeLeader implements the "no ok_received at timeout" branch: this
// node wins, bumps its term, and announces COORDINATOR to everyone it
// knows, or to its seeds if it knows no peers yet.
func (n *Node) becomeLeader(term wire.Term) {
	n.membership.SetLeader(n.membership.SelfID(), term)
	n.election.Cancel()
	n.met.ElectionsWon.Inc()
	n.setRole(wire.Leader)

	self := n.selfPeerInfo()
	coord := n.newMessage(wire.Coordinator)
	coord.Term = term
	coord.LeaderPeerInfo = &self

	targets := n.membership.AllPeersExceptSelf()
	if len(targets) == 0 {
		targets = n.membership.Seeds()
	}
	n.transport.Broadcast(targets, coord)
}
