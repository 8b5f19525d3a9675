// Package cluster is the orchestrator of §4.7: it owns role transitions,
// routes every inbound message to the right component, and drives the
// node's lifecycle. It is grounded on protocol.go's Unity — an outer
// run/poll goroutine pair guarded by a poweroff struct (shutdown flag +
// close channel + mutex) for race-free, idempotent shutdown — generalized
// from a single RPC channel fan-in to this node's fan-in of transport
// messages, timers, and locally-submitted chat text.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatmesh/cluster/internal/config"
	"github.com/chatmesh/cluster/internal/election"
	"github.com/chatmesh/cluster/internal/errs"
	"github.com/chatmesh/cluster/internal/failuredetect"
	"github.com/chatmesh/cluster/internal/logging"
	"github.com/chatmesh/cluster/internal/membership"
	"github.com/chatmesh/cluster/internal/metrics"
	"github.com/chatmesh/cluster/internal/ordering"
	"github.com/chatmesh/cluster/internal/storage"
	"github.com/chatmesh/cluster/internal/transport"
	"github.com/chatmesh/cluster/internal/wire"
)

const watchdogCheckInterval = 250 * time.Millisecond

// poweroff mirrors protocol.go's poweroff: a mutex-protected shutdown
// latch so Shutdown is idempotent and race-free against Run's select.
type poweroff struct {
	mu       sync.Mutex
	shutdown bool
	ch       chan struct{}
}

func newPoweroff() poweroff {
	return poweroff{ch: make(chan struct{})}
}

func (p *poweroff) trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.shutdown {
		p.shutdown = true
		close(p.ch)
	}
}

// Node glues together every subsystem of §2 for a single cluster member.
type Node struct {
	cfg config.NodeConfig
	log logging.Logger
	met *metrics.Node

	membership *membership.Membership
	ordering   *ordering.State
	election   *election.Machine
	watchdog   *failuredetect.Watchdog
	store      *storage.Store
	transport  transport.Transport

	roleVal int32 // atomic wire.Role

	// control carries closures scheduled by timers (election timeouts,
	// secondary timeouts) and by Submit, so every mutation of node state
	// happens on the single Run goroutine, per §5.
	control chan func()

	// OnDeliver, if set before Run, is called synchronously after every
	// record is durably appended — the "UI callback" hook of §4.5's
	// delivery path. It must not block.
	OnDeliver func(storage.Record)

	off      poweroff
	fatalErr error
}

// New constructs a Node from cfg. Storage is opened and last_seq is seeded
// from it immediately, per §4.6, regardless of eventual role.
func New(cfg config.NodeConfig, log logging.Logger, met *metrics.Node) (*Node, error) {
	path := storage.Path(cfg.LogDir, cfg.SelfID)
	store, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	lastSeq, err := store.MaxSeq()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("seed last_seq: %w", err)
	}

	n := &Node{
		cfg:        cfg,
		log:        log,
		met:        met,
		membership: membership.New(cfg.SelfID, cfg.SeedPeers),
		ordering:   ordering.New(lastSeq),
		election:   election.New(cfg.SelfID),
		watchdog:   failuredetect.NewWatchdog(cfg.LeaderTimeout),
		store:      store,
		transport:  transport.New(cfg.ListenHost, cfg.ListenPort, log.With(logging.Fields{"subsystem": "transport"})),
		control:    make(chan func(), 64),
		off:        newPoweroff(),
	}
	n.setRole(wire.Follower)
	return n, nil
}

// Role returns the node's current role. Safe for concurrent use.
func (n *Node) Role() wire.Role {
	return wire.Role(atomic.LoadInt32(&n.roleVal))
}

func (n *Node) setRole(r wire.Role) {
	atomic.StoreInt32(&n.roleVal, int32(r))
	n.met.CurrentRole.Set(float64(r))
	if r == wire.Follower {
		n.watchdog.Arm(time.Now())
	}
}

// post schedules fn to run on the Run goroutine. Safe to call from timer
// callbacks and from Submit.
func (n *Node) post(fn func()) {
	select {
	case n.control <- fn:
	case <-n.off.ch:
	}
}

// Submit hands a locally originated chat message into the node, as if
// received as a CHAT frame from a co-located client, per §1's "peer
// integrated user interfaces" collaborator.
func (n *Node) Submit(text, room string) {
	n.post(func() {
		msg := n.newMessage(wire.Chat)
		msg.Payload = text
		if room != "" {
			msg.RoomID = room
		}
		n.dispatch(msg)
	})
}

// newMessage builds a header-populated message of the given type.
func (n *Node) newMessage(t wire.Type) wire.Message {
	return wire.Message{
		Type:     t,
		SenderID: n.membership.SelfID(),
		Term:     n.membership.CurrentTerm(),
		MsgID:    wire.NewMsgID(),
		RoomID:   wire.DefaultRoomID,
	}
}

func (n *Node) selfPeerInfo() wire.PeerInfo {
	return wire.PeerInfo{ID: n.membership.SelfID(), Host: n.cfg.ListenHost, Port: n.cfg.ListenPort}
}

// Run executes the orchestrator lifecycle of §4.7 until ctx is cancelled
// or Shutdown is called. It blocks.
func (n *Node) Run(ctx context.Context) error {
	if err := n.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	found, err := n.bootstrapJoin(ctx)
	if err != nil {
		n.transport.Close()
		n.store.Close()
		return err
	}

	if found {
		n.setRole(wire.Follower)
		n.triggerCatchup()
	} else {
		n.startElection()
	}

	heartbeatTicker := time.NewTicker(n.cfg.HeartbeatInterval)
	watchdogTicker := time.NewTicker(watchdogCheckInterval)
	defer heartbeatTicker.Stop()
	defer watchdogTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.shutdownLocked()
			return ctx.Err()

		case <-n.off.ch:
			n.shutdownLocked()
			return n.fatalErr

		case msg, ok := <-n.transport.Messages():
			if !ok {
				n.shutdownLocked()
				return nil
			}
			n.dispatch(msg)
			n.met.CurrentTerm.Set(float64(n.membership.CurrentTerm()))

		case fn := <-n.control:
			fn()

		case <-heartbeatTicker.C:
			n.onHeartbeatTick()

		case <-watchdogTicker.C:
			n.onWatchdogTick()
		}
	}
}

func (n *Node) onHeartbeatTick() {
	if n.Role() != wire.Leader {
		return
	}
	hb := n.newMessage(wire.Heartbeat)
	n.transport.Broadcast(n.membership.AllPeersExceptSelf(), hb)
	n.met.HeartbeatsSent.Inc()
}

func (n *Node) onWatchdogTick() {
	if n.Role() == wire.Leader {
		return
	}
	if !n.watchdog.Check(time.Now()) {
		return
	}
	n.met.HeartbeatsMissed.Inc()
	if !n.election.InProgress() {
		n.startElection()
	}
}

// fail records a fatal error and begins shutdown. Used for StorageFatal
// per §7: "refusing to deliver what cannot be persisted preserves the
// total-order invariant across restart" rather than panicking or os.Exiting
// out from under the caller.
func (n *Node) fail(err error) {
	n.off.mu.Lock()
	if n.fatalErr == nil {
		n.fatalErr = err
	}
	n.off.mu.Unlock()
	n.off.trigger()
}

// Shutdown requests a clean stop, flushing storage and closing
// connections, per §4.7's termination step. Idempotent.
func (n *Node) Shutdown() {
	n.off.trigger()
}

func (n *Node) shutdownLocked() {
	n.transport.Close()
	if err := n.store.Close(); err != nil {
		n.log.Warnf("%v: close storage: %v", errs.ErrStorageFatal, err)
	}
}
