package cluster

import (
	"github.com/chatmesh/cluster/internal/storage"
	"github.com/chatmesh/cluster/internal/wire"
)

// catchupChunkSize bounds a single CATCHUP_RESP frame to keep it well
// under the transport's 1 MiB ceiling even for an arbitrarily long
// backlog — the chunking choice documented in SPEC_FULL.md §9 ambiguity 3.
const catchupChunkSize = 256

// triggerCatchup implements §4.5's catch-up request, sent on role
// transition to FOLLOWER (including initial leader discovery via
// COORDINATOR) and immediately after rejoin.
func (n *Node) triggerCatchup() {
	leaderID, ok := n.membership.LeaderID()
	if !ok {
		return
	}
	leaderInfo, ok := n.membership.Peer(leaderID)
	if !ok {
		return
	}

	req := n.newMessage(wire.CatchupReq)
	req.SinceSeq = n.ordering.LastSeq()
	if err := n.transport.SendTo(leaderInfo, req); err != nil {
		n.log.Warnf("catchup request to leader %d failed: %v", leaderID, err)
	}
}

// handleCatchupReq implements the leader side of §4.5's catch-up:
// respond with every record after since_seq, in ascending order, streamed
// in bounded chunks per §9 ambiguity 3.
func (n *Node) handleCatchupReq(msg wire.Message) {
	requester, ok := n.membership.Peer(msg.SenderID)
	if !ok {
		n.log.Warnf("catchup request from unknown peer %d", msg.SenderID)
		return
	}

	records, err := n.store.RecordsAfter(msg.SinceSeq)
	if err != nil {
		n.log.Errorf("catchup: reading records after %d: %v", msg.SinceSeq, err)
		return
	}

	if len(records) == 0 {
		n.sendBestEffort(requester, n.newMessage(wire.CatchupResp))
		return
	}

	for i := 0; i < len(records); i += catchupChunkSize {
		end := i + catchupChunkSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[i:end]

		resp := n.newMessage(wire.CatchupResp)
		resp.Messages = make([]wire.Message, len(chunk))
		for j, r := range chunk {
			resp.Messages[j] = seqChatFromRecord(r)
		}
		if err := n.transport.SendTo(requester, resp); err != nil {
			n.log.Warnf("catchup response to peer %d failed: %v", msg.SenderID, err)
			return
		}
		n.met.CatchupRecords.Add(float64(len(chunk)))
	}
}

// handleCatchupResp replays every record of a CATCHUP_RESP into the
// delivery path, per §4.5. This bypasses handleSeqChat's live term-discipline
// gate: these records were already committed by the leader that vouches for
// them, possibly under an older term than this node's current_term after one
// or more intervening leader failovers, and dropping them as stale_term
// would silently diverge this node's log from the rest of the cluster.
// Ordering's own dedup/gap logic still applies, so a record this node
// already has is still a no-op.
func (n *Node) handleCatchupResp(msg wire.Message) {
	for _, m := range msg.Messages {
		if m.Term > n.membership.CurrentTerm() {
			n.membership.AdvanceTerm(m.Term)
		}
		n.deliverLocal(m)
	}
}

func seqChatFromRecord(r storage.Record) wire.Message {
	msgID, _ := parseUUID(r.MsgID)
	return wire.Message{
		Type:         wire.SeqChat,
		Term:         r.Term,
		SenderID:     r.SenderID,
		MsgID:        msgID,
		RoomID:       r.RoomID,
		SeqNo:        r.SeqNo,
		Payload:      r.Text,
		OriginSender: r.SenderID,
	}
}
