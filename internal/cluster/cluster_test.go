package cluster

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/chatmesh/cluster/internal/config"
	"github.com/chatmesh/cluster/internal/logging"
	"github.com/chatmesh/cluster/internal/metrics"
	"github.com/chatmesh/cluster/internal/storage"
	"github.com/chatmesh/cluster/internal/wire"
)

// deliveryLog collects OnDeliver callbacks from a Node's single owning
// goroutine while a test goroutine polls it, so it needs its own lock —
// the Node's single-owner-goroutine guarantee covers Node state, not a
// test's external observation of it.
type deliveryLog struct {
	mu      sync.Mutex
	records []storage.Record
}

func (d *deliveryLog) add(r storage.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, r)
}

func (d *deliveryLog) snapshot() []storage.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]storage.Record, len(d.records))
	copy(out, d.records)
	return out
}

func (d *deliveryLog) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

func testConfig(t *testing.T, selfID wire.PeerID, port int, seeds []wire.PeerInfo) config.NodeConfig {
	t.Helper()
	cfg := config.Default()
	cfg.SelfID = selfID
	cfg.ListenHost = "127.0.0.1"
	cfg.ListenPort = port
	cfg.SeedPeers = seeds
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.LeaderTimeout = 300 * time.Millisecond
	cfg.ElectionTimeout = 100 * time.Millisecond
	return cfg
}

func newTestNode(t *testing.T, cfg config.NodeConfig) *Node {
	t.Helper()
	log := logging.New("test").With(logging.Fields{"peer_id": cfg.SelfID})
	n, err := New(cfg, log, metrics.NewNode(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// A lone node with no seeds must elect itself leader rather than wait
// forever for peers that will never arrive.
func TestSoloBootstrap_BecomesLeader(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t, 1, 19101, nil)
	node := newTestNode(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	if !waitFor(t, 2*time.Second, func() bool { return node.Role() == wire.Leader }) {
		t.Fatalf("node never became leader; role=%v", node.Role())
	}

	cancel()
	<-done
}

// Two nodes: the higher-id node (no seeds) elects itself leader; the
// lower-id node joins it as a seed and converges to FOLLOWER under the
// same leader and term.
func TestTwoNodeCluster_JoinerConverges(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	leaderCfg := testConfig(t, 2, 19102, nil)
	leader := newTestNode(t, leaderCfg)

	ctxL, cancelL := context.WithCancel(context.Background())
	doneL := make(chan error, 1)
	go func() { doneL <- leader.Run(ctxL) }()

	if !waitFor(t, 2*time.Second, func() bool { return leader.Role() == wire.Leader }) {
		t.Fatalf("leader never elected itself; role=%v", leader.Role())
	}

	followerCfg := testConfig(t, 1, 19103, []wire.PeerInfo{
		{ID: 2, Host: "127.0.0.1", Port: 19102},
	})
	follower := newTestNode(t, followerCfg)

	ctxF, cancelF := context.WithCancel(context.Background())
	doneF := make(chan error, 1)
	go func() { doneF <- follower.Run(ctxF) }()

	if !waitFor(t, 3*time.Second, func() bool { return follower.Role() == wire.Follower }) {
		t.Fatalf("follower never converged; role=%v", follower.Role())
	}
	leaderID, ok := follower.membership.LeaderID()
	if !ok || leaderID != 2 {
		t.Fatalf("follower's leader = %v (ok=%v), want 2", leaderID, ok)
	}

	cancelF()
	<-doneF
	cancelL()
	<-doneL
}

// A CHAT submitted at the leader is assigned a seq_no and delivered, in
// order, to every connected follower.
func TestChatDelivery_OrdersAcrossNodes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	leaderCfg := testConfig(t, 2, 19104, nil)
	leader := newTestNode(t, leaderCfg)
	var leaderDelivered deliveryLog
	leader.OnDeliver = leaderDelivered.add

	ctxL, cancelL := context.WithCancel(context.Background())
	doneL := make(chan error, 1)
	go func() { doneL <- leader.Run(ctxL) }()
	if !waitFor(t, 2*time.Second, func() bool { return leader.Role() == wire.Leader }) {
		t.Fatalf("leader never elected itself")
	}

	followerCfg := testConfig(t, 1, 19105, []wire.PeerInfo{
		{ID: 2, Host: "127.0.0.1", Port: 19104},
	})
	follower := newTestNode(t, followerCfg)
	var followerDelivered deliveryLog
	follower.OnDeliver = followerDelivered.add

	ctxF, cancelF := context.WithCancel(context.Background())
	doneF := make(chan error, 1)
	go func() { doneF <- follower.Run(ctxF) }()
	if !waitFor(t, 3*time.Second, func() bool { return follower.Role() == wire.Follower }) {
		t.Fatalf("follower never converged")
	}

	leader.Submit("hello cluster", "")

	if !waitFor(t, 2*time.Second, func() bool { return followerDelivered.len() == 1 }) {
		t.Fatalf("follower never received the delivered message")
	}
	if !waitFor(t, 2*time.Second, func() bool { return leaderDelivered.len() == 1 }) {
		t.Fatalf("leader never delivered its own submitted message")
	}
	leaderRecs, followerRecs := leaderDelivered.snapshot(), followerDelivered.snapshot()
	if leaderRecs[0].SeqNo != followerRecs[0].SeqNo {
		t.Fatalf("seq_no mismatch: leader %d, follower %d", leaderRecs[0].SeqNo, followerRecs[0].SeqNo)
	}
	if followerRecs[0].Text != "hello cluster" {
		t.Fatalf("unexpected delivered text: %q", followerRecs[0].Text)
	}

	cancelF()
	<-doneF
	cancelL()
	<-doneL
}

// S5: a candidate mid-election that receives a higher-term COORDINATOR must
// cancel its own campaign and follow the announced leader instead of later
// promoting itself when its now-stale election_timeout fires.
func TestElectionCancelledByHigherTermCoordinator(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t, 5, 19106, nil)
	cfg.ElectionTimeout = 400 * time.Millisecond
	// The fake leader below never sends a HEARTBEAT, so the watchdog must
	// not expire inside the observation window or it would legitimately
	// start a fresh election.
	cfg.LeaderTimeout = 5 * time.Second
	node := newTestNode(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	if !waitFor(t, time.Second, func() bool { return node.Role() == wire.Candidate }) {
		t.Fatalf("node never began its own election; role=%v", node.Role())
	}

	fakeLeader := wire.PeerInfo{ID: 99, Host: "127.0.0.1", Port: 1}
	node.post(func() {
		msg := node.newMessage(wire.Coordinator)
		msg.Term = 50
		msg.LeaderPeerInfo = &fakeLeader
		node.handleCoordinator(msg)
	})

	if !waitFor(t, time.Second, func() bool { return node.Role() == wire.Follower }) {
		t.Fatalf("node did not accept the higher-term COORDINATOR; role=%v", node.Role())
	}
	leaderID, ok := node.membership.LeaderID()
	if !ok || leaderID != 99 {
		t.Fatalf("leader = %v (ok=%v), want 99", leaderID, ok)
	}

	// The election_timeout scheduled before the COORDINATOR arrived must
	// not resurrect the cancelled campaign and flip this node back to
	// LEADER out from under the leader it just accepted.
	time.Sleep(cfg.ElectionTimeout + 200*time.Millisecond)
	if node.Role() != wire.Follower {
		t.Fatalf("stale election_timeout overrode the accepted COORDINATOR; role=%v", node.Role())
	}

	cancel()
	<-done
}

// S6: when a leader dies, the survivor must take over as leader and keep
// assigning seq_no contiguously from where the dead leader left off — no
// regression, no duplicate delivery at a seq_no already committed.
func TestLeaderFailover_SuccessorContinuesNumbering(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	leaderCfg := testConfig(t, 2, 19107, nil)
	leader := newTestNode(t, leaderCfg)
	var leaderDelivered deliveryLog
	leader.OnDeliver = leaderDelivered.add

	ctxL, cancelL := context.WithCancel(context.Background())
	doneL := make(chan error, 1)
	go func() { doneL <- leader.Run(ctxL) }()
	if !waitFor(t, 2*time.Second, func() bool { return leader.Role() == wire.Leader }) {
		t.Fatalf("leader never elected itself")
	}

	followerCfg := testConfig(t, 1, 19108, []wire.PeerInfo{
		{ID: 2, Host: "127.0.0.1", Port: 19107},
	})
	follower := newTestNode(t, followerCfg)
	var followerDelivered deliveryLog
	follower.OnDeliver = followerDelivered.add

	ctxF, cancelF := context.WithCancel(context.Background())
	doneF := make(chan error, 1)
	go func() { doneF <- follower.Run(ctxF) }()
	if !waitFor(t, 3*time.Second, func() bool { return follower.Role() == wire.Follower }) {
		t.Fatalf("follower never converged")
	}

	leader.Submit("first", "")
	if !waitFor(t, 2*time.Second, func() bool { return followerDelivered.len() == 1 }) {
		t.Fatalf("follower never received the first message")
	}

	// Kill the leader as if it crashed: cancel its context without a
	// graceful Shutdown handshake.
	cancelL()
	<-doneL

	if !waitFor(t, 3*time.Second, func() bool { return follower.Role() == wire.Leader }) {
		t.Fatalf("surviving node never took over as leader; role=%v", follower.Role())
	}

	follower.Submit("second", "")
	if !waitFor(t, 2*time.Second, func() bool { return followerDelivered.len() == 2 }) {
		t.Fatalf("new leader never delivered the post-failover message")
	}

	recs := followerDelivered.snapshot()
	if recs[0].SeqNo == recs[1].SeqNo {
		t.Fatalf("duplicate seq_no %d delivered across the leader change", recs[0].SeqNo)
	}
	if recs[1].SeqNo != recs[0].SeqNo+1 {
		t.Fatalf("seq_no did not continue contiguously: first=%d, second=%d", recs[0].SeqNo, recs[1].SeqNo)
	}

	cancelF()
	<-doneF
}

// S7: a node joining after a leader failover must catch up on records
// committed under an older term than the node's own current_term at the
// moment it joins. This is the scenario that exposed handleCatchupResp
// dropping legitimately-committed backlog as stale_term.
func TestCatchupAfterRejoin_ConvergesAcrossTermBoundary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	firstLeaderCfg := testConfig(t, 3, 19109, nil)
	firstLeader := newTestNode(t, firstLeaderCfg)

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan error, 1)
	go func() { doneA <- firstLeader.Run(ctxA) }()
	if !waitFor(t, 2*time.Second, func() bool { return firstLeader.Role() == wire.Leader }) {
		t.Fatalf("first leader never elected itself")
	}

	survivorCfg := testConfig(t, 2, 19110, []wire.PeerInfo{
		{ID: 3, Host: "127.0.0.1", Port: 19109},
	})
	survivor := newTestNode(t, survivorCfg)

	ctxB, cancelB := context.WithCancel(context.Background())
	doneB := make(chan error, 1)
	go func() { doneB <- survivor.Run(ctxB) }()
	if !waitFor(t, 3*time.Second, func() bool { return survivor.Role() == wire.Follower }) {
		t.Fatalf("survivor never converged to the first leader")
	}

	// Committed while peer 3 is still leader, at term 1.
	firstLeader.Submit("committed-before-failover", "")
	if !waitFor(t, 2*time.Second, func() bool { return firstLeader.ordering.LastSeq() == 1 }) {
		t.Fatalf("first leader never committed the pre-failover message")
	}

	// Kill the first leader; the survivor must take over at a higher term.
	cancelA()
	<-doneA
	if !waitFor(t, 3*time.Second, func() bool { return survivor.Role() == wire.Leader }) {
		t.Fatalf("survivor never took over as leader; role=%v", survivor.Role())
	}
	if survivor.membership.CurrentTerm() <= 1 {
		t.Fatalf("survivor's term did not advance past the original leader's term: %d", survivor.membership.CurrentTerm())
	}

	// A fresh node joins only now, seeded by the survivor, whose
	// current_term is already ahead of the term stamped on the backlog
	// record it is about to catch up on.
	joinerCfg := testConfig(t, 1, 19111, []wire.PeerInfo{
		{ID: 2, Host: "127.0.0.1", Port: 19110},
	})
	joiner := newTestNode(t, joinerCfg)

	ctxC, cancelC := context.WithCancel(context.Background())
	doneC := make(chan error, 1)
	go func() { doneC <- joiner.Run(ctxC) }()
	if !waitFor(t, 3*time.Second, func() bool { return joiner.Role() == wire.Follower }) {
		t.Fatalf("joiner never converged to the survivor")
	}

	if !waitFor(t, 3*time.Second, func() bool {
		recs, err := joiner.store.LoadAll()
		return err == nil && len(recs) == 1
	}) {
		t.Fatalf("joiner never caught up on the pre-failover record")
	}
	recs, err := joiner.store.LoadAll()
	if err != nil {
		t.Fatalf("joiner.store.LoadAll: %v", err)
	}
	if recs[0].Text != "committed-before-failover" || recs[0].SeqNo != 1 {
		t.Fatalf("unexpected caught-up record: %+v", recs[0])
	}

	cancelC()
	<-doneC
	cancelB()
	<-doneB
}
