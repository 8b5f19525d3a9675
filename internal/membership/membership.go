// Package membership tracks the cluster view of §3/§4.2: the peer map,
// the current leader, and the seed list. It follows the mutex-guarded-map
// shape the teacher uses for its own small bookkeeping structures (the
// previousSet/Memo fields of core/peer.go): a *sync.Mutex plus a plain map,
// with accessor methods that copy out from under the lock rather than
// leaking internal references.
package membership

import (
	"sync"

	"github.com/chatmesh/cluster/internal/wire"
)

// Membership is the mutable {peer_id -> PeerInfo} view plus leader/term
// bookkeeping for one node.
type Membership struct {
	mu sync.Mutex

	selfID wire.PeerID
	peers  map[wire.PeerID]wire.PeerInfo
	seeds  []wire.PeerInfo

	leaderID    *wire.PeerID
	currentTerm wire.Term
}

// New creates Membership for selfID with the given seed list. self_id is
// never inserted into the peer map, per the invariant of §4.2.
func New(selfID wire.PeerID, seeds []wire.PeerInfo) *Membership {
	return &Membership{
		selfID: selfID,
		peers:  make(map[wire.PeerID]wire.PeerInfo),
		seeds:  seeds,
	}
}

// SelfID returns the node's own identity.
func (m *Membership) SelfID() wire.PeerID {
	return m.selfID
}

// Seeds returns a copy of the configured seed list.
func (m *Membership) Seeds() []wire.PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.PeerInfo, len(m.seeds))
	copy(out, m.seeds)
	return out
}

// AddOrUpdate upserts a peer into the map. A peer matching self_id is
// silently ignored, preserving self_id ∉ peers.
func (m *Membership) AddOrUpdate(p wire.PeerInfo) {
	if p.ID == m.selfID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.ID] = p
}

// Remove drops a peer from the map. Used only on explicit exit, never on
// transient unreachability.
func (m *Membership) Remove(id wire.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

// Peer looks up a known peer by id.
func (m *Membership) Peer(id wire.PeerID) (wire.PeerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	return p, ok
}

// AllPeersExceptSelf returns a snapshot of every known peer, used by
// broadcast.
func (m *Membership) AllPeersExceptSelf() []wire.PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// HigherPriorityPeers returns every known peer with peer_id > self_id, the
// set the Bully election protocol sends ELECTION to.
func (m *Membership) HigherPriorityPeers() []wire.PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wire.PeerInfo
	for _, p := range m.peers {
		if p.ID > m.selfID {
			out = append(out, p)
		}
	}
	return out
}

// HighestKnownID reports the highest peer_id this node has observed,
// including itself. Used to decide whether to go solo when no seed
// responds at bootstrap (§9 ambiguity 2).
func (m *Membership) HighestKnownID() wire.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	highest := m.selfID
	for id := range m.peers {
		if id > highest {
			highest = id
		}
	}
	return highest
}

// LeaderID returns the currently known leader, if any.
func (m *Membership) LeaderID() (wire.PeerID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaderID == nil {
		return 0, false
	}
	return *m.leaderID, true
}

// CurrentTerm returns the term this node currently believes is active.
func (m *Membership) CurrentTerm() wire.Term {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTerm
}

// SetLeader updates leader_id, rejecting a regression in term. Returns
// whether the update was applied.
func (m *Membership) SetLeader(id wire.PeerID, term wire.Term) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if term < m.currentTerm {
		return false
	}
	m.leaderID = &id
	m.currentTerm = term
	return true
}

// AdvanceTerm raises current_term to term if term is higher, without
// touching leader_id. Used when a message carries a higher term than a
// COORDINATOR (e.g. a HEARTBEAT or SEQ_CHAT observed first).
func (m *Membership) AdvanceTerm(term wire.Term) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if term > m.currentTerm {
		m.currentTerm = term
	}
}

// MergeJoinAck adopts the peer set, leader, and term carried by a JOIN_ACK,
// as bootstrap_join specifies: merge the peer set and, if set, adopt
// leader_id/term.
func (m *Membership) MergeJoinAck(peers []wire.PeerInfo, leaderID *wire.PeerID, term wire.Term) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range peers {
		if p.ID != m.selfID {
			m.peers[p.ID] = p
		}
	}
	if leaderID != nil && term >= m.currentTerm {
		id := *leaderID
		m.leaderID = &id
		m.currentTerm = term
	}
}

// Snapshot is a point-in-time copy of the membership view, mostly for
// JOIN_ACK responses.
type Snapshot struct {
	Peers    []wire.PeerInfo
	LeaderID *wire.PeerID
	Term     wire.Term
}

// View takes a coherent snapshot of the current membership state.
func (m *Membership) View() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]wire.PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	var leader *wire.PeerID
	if m.leaderID != nil {
		id := *m.leaderID
		leader = &id
	}
	return Snapshot{Peers: peers, LeaderID: leader, Term: m.currentTerm}
}
