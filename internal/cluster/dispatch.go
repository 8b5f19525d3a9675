package cluster

import (
	"time"

	"github.com/chatmesh/cluster/internal/errs"
	"github.com/chatmesh/cluster/internal/ordering"
	"github.com/chatmesh/cluster/internal/storage"
	"github.com/chatmesh/cluster/internal/wire"
)

// dispatch routes one inbound message to its owning handler, per §4.7.
// Called only from the Run goroutine (directly, or via bootstrapJoin's
// own wait loop before Run's main select begins), so no locking is
// needed around membership/ordering/election state here.
func (n *Node) dispatch(msg wire.Message) {
	switch msg.Type {
	case wire.Join:
		n.handleJoin(msg)
	case wire.JoinAck:
		n.applyJoinAck(msg)
	case wire.Heartbeat:
		n.handleHeartbeat(msg)
	case wire.Election:
		n.handleElection(msg)
	case wire.ElectionOK:
		n.handleElectionOK(msg)
	case wire.Coordinator:
		n.handleCoordinator(msg)
	case wire.Chat:
		n.handleChat(msg)
	case wire.SeqChat:
		n.handleSeqChat(msg)
	case wire.CatchupReq:
		n.handleCatchupReq(msg)
	case wire.CatchupResp:
		n.handleCatchupResp(msg)
	default:
		n.log.Warnf("unknown message type %q from peer %d", msg.Type, msg.SenderID)
	}
}

// handleJoin implements §4.2's JOIN handling: reply with the current view,
// and point the joiner at the leader either directly (if we are the
// leader) or by forwarding a COORDINATOR on the leader's behalf.
func (n *Node) handleJoin(msg wire.Message) {
	if msg.PeerInfo == nil {
		n.log.Warnf("JOIN from peer %d missing peer_info", msg.SenderID)
		return
	}
	n.membership.AddOrUpdate(*msg.PeerInfo)

	view := n.membership.View()
	ack := n.newMessage(wire.JoinAck)
	ack.Peers = append(view.Peers, n.selfPeerInfo())
	ack.LeaderID = view.LeaderID
	ack.Term = view.Term
	if err := n.transport.SendTo(*msg.PeerInfo, ack); err != nil {
		n.log.Warnf("JOIN_ACK to peer %d failed: %v", msg.PeerInfo.ID, err)
	}

	if n.Role() == wire.Leader {
		coord := n.newMessage(wire.Coordinator)
		self := n.selfPeerInfo()
		coord.LeaderPeerInfo = &self
		coord.Term = n.membership.CurrentTerm()
		n.sendBestEffort(*msg.PeerInfo, coord)
		return
	}

	if view.LeaderID != nil {
		if leaderInfo, ok := n.membership.Peer(*view.LeaderID); ok {
			coord := n.newMessage(wire.Coordinator)
			coord.LeaderPeerInfo = &leaderInfo
			coord.Term = view.Term
			n.sendBestEffort(*msg.PeerInfo, coord)
		}
	}
}

func (n *Node) sendBestEffort(peer wire.PeerInfo, msg wire.Message) {
	if err := n.transport.SendTo(peer, msg); err != nil {
		n.log.Warnf("send to peer %d failed: %v", peer.ID, err)
	}
}

// handleHeartbeat implements the follower watchdog side of §4.3.
func (n *Node) handleHeartbeat(msg wire.Message) {
	if n.Role() == wire.Leader {
		return
	}
	if msg.Term < n.membership.CurrentTerm() {
		n.met.MessagesDropped.WithLabelValues("stale_term").Inc()
		return
	}
	n.membership.AdvanceTerm(msg.Term)
	n.membership.SetLeader(msg.SenderID, msg.Term)
	n.watchdog.Heartbeat(time.Now())

	if n.Role() == wire.Candidate {
		n.election.Cancel()
		n.setRole(wire.Follower)
		n.triggerCatchup()
	}
}

// handleElection implements the "On receiving ELECTION from peer X where
// X.id < self.id" branch of §4.4.
func (n *Node) handleElection(msg wire.Message) {
	if msg.SenderID >= n.membership.SelfID() {
		return
	}
	if sender, ok := n.membership.Peer(msg.SenderID); ok {
		reply := n.newMessage(wire.ElectionOK)
		n.sendBestEffort(sender, reply)
	}
	if !n.election.InProgress() {
		n.startElection()
	}
}

func (n *Node) handleElectionOK(msg wire.Message) {
	n.election.RecordOK(n.election.Generation())
}

// handleCoordinator implements §4.4's COORDINATOR acceptance rule.
func (n *Node) handleCoordinator(msg wire.Message) {
	if msg.LeaderPeerInfo == nil {
		n.log.Warnf("COORDINATOR from peer %d missing leader_peer_info", msg.SenderID)
		return
	}
	current := n.membership.CurrentTerm()
	alreadyLeaderOfTerm := n.Role() == wire.Leader &&
		msg.Term == current &&
		msg.LeaderPeerInfo.ID == n.membership.SelfID()

	accept := msg.Term > current || (msg.Term == current && !alreadyLeaderOfTerm)
	if !accept {
		return
	}

	n.membership.AddOrUpdate(*msg.LeaderPeerInfo)
	n.membership.SetLeader(msg.LeaderPeerInfo.ID, msg.Term)
	n.election.Cancel()

	if msg.LeaderPeerInfo.ID == n.membership.SelfID() {
		n.setRole(wire.Leader)
		return
	}

	wasFollower := n.Role() == wire.Follower
	n.setRole(wire.Follower)
	if !wasFollower {
		n.triggerCatchup()
	}
}

// handleChat implements §4.5's leader/follower CHAT paths.
func (n *Node) handleChat(msg wire.Message) {
	if n.Role() == wire.Leader {
		n.assignAndDeliver(msg.Payload, msg.Room())
		return
	}

	leaderID, ok := n.membership.LeaderID()
	if !ok {
		n.log.Warnf("dropping CHAT: leader unknown")
		return
	}
	leaderInfo, ok := n.membership.Peer(leaderID)
	if !ok {
		n.log.Warnf("dropping CHAT: leader %d not in membership", leaderID)
		return
	}

	fwd := msg
	fwd.Type = wire.Chat
	fwd.SenderID = n.membership.SelfID()
	n.sendBestEffort(leaderInfo, fwd)
}

// assignAndDeliver implements the leader path of §4.5, steps 1-3: assign
// the next seq_no, deliver locally, broadcast to everyone else.
func (n *Node) assignAndDeliver(payload, room string) {
	seqMsg := wire.Message{
		Type:         wire.SeqChat,
		SenderID:     n.membership.SelfID(),
		Term:         n.membership.CurrentTerm(),
		MsgID:        wire.NewMsgID(),
		RoomID:       room,
		SeqNo:        n.ordering.NextExpected(),
		Payload:      payload,
		OriginSender: n.membership.SelfID(),
	}
	n.deliverLocal(seqMsg)
	n.transport.Broadcast(n.membership.AllPeersExceptSelf(), seqMsg)
}

// handleSeqChat implements §4.5's term discipline before handing off to
// the shared delivery path.
func (n *Node) handleSeqChat(msg wire.Message) {
	current := n.membership.CurrentTerm()
	if msg.Term < current {
		n.met.MessagesDropped.WithLabelValues("stale_term").Inc()
		return
	}
	if msg.Term > current {
		n.membership.AdvanceTerm(msg.Term)
	}
	n.deliverLocal(msg)
}

// deliverLocal runs msg through the ordering buffer and, for every message
// it releases, persists it and fires the UI callback. A storage failure
// is StorageFatal: the node stops rather than risk an unpersisted delivery.
func (n *Node) deliverLocal(msg wire.Message) {
	delivered, outcome := n.ordering.Accept(msg)
	switch outcome {
	case ordering.Delivered:
		for _, d := range delivered {
			rec := storage.FromSeqChat(d, time.Now())
			if err := n.store.Append(rec); err != nil {
				n.log.Errorf("%v: %v", errs.ErrStorageFatal, err)
				n.fail(err)
				return
			}
			n.met.MessagesDelivered.Inc()
			if n.OnDeliver != nil {
				n.OnDeliver(rec)
			}
		}
	case ordering.Buffered:
		// held until its predecessor arrives; nothing to do yet.
	case ordering.DroppedDuplicate:
		n.met.MessagesDropped.WithLabelValues("duplicate").Inc()
	case ordering.DroppedStale:
		n.met.MessagesDropped.WithLabelValues("gap_stale").Inc()
	}
}
