package cluster

import (
	"context"
	"time"

	"github.com/chatmesh/cluster/internal/errs"
	"github.com/chatmesh/cluster/internal/wire"
)

const (
	bootstrapInitialBackoff = 200 * time.Millisecond
	bootstrapMaxBackoff     = 5 * time.Second
	bootstrapMaxAttempts    = 8
)

// bootstrapJoin implements §4.2's bootstrap_join and §9 ambiguity 2's
// resolution: retry the seed list with capped backoff; if nothing answers
// and self_id is the highest id this node has ever seen, proceed solo.
//
// Every message observed while waiting (not just JOIN_ACK) is dispatched
// normally, so a racing peer's JOIN is still answered during bootstrap.
func (n *Node) bootstrapJoin(ctx context.Context) (foundLeader bool, err error) {
	seeds := n.membership.Seeds()
	if len(seeds) == 0 {
		return false, nil
	}

	backoff := bootstrapInitialBackoff
	for attempt := 0; attempt < bootstrapMaxAttempts; attempt++ {
		join := n.newMessage(wire.Join)
		self := n.selfPeerInfo()
		join.PeerInfo = &self
		for _, s := range seeds {
			if sendErr := n.transport.SendTo(s, join); sendErr != nil {
				n.log.Warnf("join to seed %d failed: %v", s.ID, sendErr)
			}
		}

		found, waitErr := n.waitForJoinAck(ctx, backoff)
		if waitErr != nil {
			return false, waitErr
		}
		if found {
			return true, nil
		}

		backoff *= 2
		if backoff > bootstrapMaxBackoff {
			backoff = bootstrapMaxBackoff
		}
	}

	if n.membership.HighestKnownID() == n.membership.SelfID() {
		n.log.Warnf("no seed responded after %d attempts; proceeding to solo election", bootstrapMaxAttempts)
		return false, nil
	}
	return false, errs.ErrNoSeedsReachable
}

func (n *Node) waitForJoinAck(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case msg, ok := <-n.transport.Messages():
			if !ok {
				return false, ctx.Err()
			}
			if msg.Type == wire.JoinAck {
				n.applyJoinAck(msg)
				return true, nil
			}
			n.dispatch(msg)
		}
	}
}

func (n *Node) applyJoinAck(msg wire.Message) {
	n.membership.MergeJoinAck(msg.Peers, msg.LeaderID, msg.Term)
}
