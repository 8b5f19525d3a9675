// Package ordering implements the sequencer ordering state of §3/§4.5: the
// contiguous-delivery buffer, the bounded dedup set, and the gap-fill
// drain. It is grounded on core/peer.go's r_queue enqueue-then-drain idiom
// (finishMessageProcessing enqueues, doDeliver drains the head as long as
// it is ready) and on core/deliver.go's single Commit entry point,
// generalized from the teacher's conflict-relationship total order down
// to the spec's plain contiguous numeric seq_no order.
//
// State has no internal locking: every method must be called from the
// orchestrator's single-owner event loop, which is what guarantees no two
// deliveries ever interleave, per §5.
package ordering

import "github.com/chatmesh/cluster/internal/wire"

// Outcome classifies what Accept did with an incoming SEQ_CHAT.
type Outcome int

const (
	// Delivered means msg (and possibly buffered successors) were
	// delivered in order; see the Delivered slice returned alongside.
	Delivered Outcome = iota
	// Buffered means msg arrived ahead of next_expected and was held.
	Buffered
	// DroppedDuplicate means (seq_no, term) was already delivered.
	DroppedDuplicate
	// DroppedStale means seq_no <= last_seq.
	DroppedStale
)

type dedupKey struct {
	Seq  wire.SeqNo
	Term wire.Term
}

// maxDedup bounds the delivered_set of §3, so memory does not grow
// unboundedly over a long-lived node.
const maxDedup = 4096

// State is the per-node ordering state of §3.
type State struct {
	lastSeq wire.SeqNo
	buffer  map[wire.SeqNo]wire.Message

	delivered      map[dedupKey]struct{}
	deliveredOrder []dedupKey
}

// New creates ordering State seeded from storage's last_seq, per §4.6:
// "last_seq is initialized to the maximum seq_no observed in the log".
func New(lastSeq wire.SeqNo) *State {
	return &State{
		lastSeq:   lastSeq,
		buffer:    make(map[wire.SeqNo]wire.Message),
		delivered: make(map[dedupKey]struct{}),
	}
}

// LastSeq returns the highest contiguously-delivered seq_no.
func (s *State) LastSeq() wire.SeqNo {
	return s.lastSeq
}

// NextExpected returns last_seq + 1.
func (s *State) NextExpected() wire.SeqNo {
	return s.lastSeq + 1
}

// BufferLen reports how many out-of-order messages are currently held,
// mostly for tests and metrics.
func (s *State) BufferLen() int {
	return len(s.buffer)
}

// Accept runs msg through the delivery path of §4.5: dedup, in-order
// deliver with drain, buffer, or stale-drop. The caller is responsible for
// term discipline (§4.5's "SEQ_CHAT with term < current_term is ignored")
// before calling Accept — that decision depends on membership's
// current_term, not on ordering state.
func (s *State) Accept(msg wire.Message) ([]wire.Message, Outcome) {
	key := dedupKey{Seq: msg.SeqNo, Term: msg.Term}
	if _, seen := s.delivered[key]; seen {
		return nil, DroppedDuplicate
	}
	if msg.SeqNo <= s.lastSeq {
		return nil, DroppedStale
	}

	if msg.SeqNo != s.NextExpected() {
		// Invariant (iii): buffer holds only seq_no > next_expected.
		s.buffer[msg.SeqNo] = msg
		return nil, Buffered
	}

	delivered := []wire.Message{msg}
	s.markDelivered(msg)
	s.lastSeq = msg.SeqNo

	for {
		next, ok := s.buffer[s.lastSeq+1]
		if !ok {
			break
		}
		delete(s.buffer, next.SeqNo)
		delivered = append(delivered, next)
		s.markDelivered(next)
		s.lastSeq = next.SeqNo
	}

	return delivered, Delivered
}

func (s *State) markDelivered(msg wire.Message) {
	key := dedupKey{Seq: msg.SeqNo, Term: msg.Term}
	s.delivered[key] = struct{}{}
	s.deliveredOrder = append(s.deliveredOrder, key)
	if len(s.deliveredOrder) > maxDedup {
		oldest := s.deliveredOrder[0]
		s.deliveredOrder = s.deliveredOrder[1:]
		delete(s.delivered, oldest)
	}
}
