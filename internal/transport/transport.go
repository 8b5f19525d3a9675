// Package transport implements the TCP, newline-delimited JSON transport
// contract of §4.1. It is grounded on core/transport.go's ReliableTransport
// shape — a poll goroutine per listener publishing onto a buffered
// producer channel — re-targeted at plain net.Listen/net.Dial TCP instead
// of the teacher's UDP group-multicast relt transport, since the spec
// requires point-to-point pooled connections rather than group addressing.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chatmesh/cluster/internal/errs"
	"github.com/chatmesh/cluster/internal/logging"
	"github.com/chatmesh/cluster/internal/wire"
)

// MaxFrameSize is the ceiling named in §4.1. An inbound frame larger than
// this ends the read loop and closes that connection; an outbound one fails
// in the writer with ErrFrameTooLarge, which is logged and discards the
// pooled connection.
const MaxFrameSize = 1 << 20 // 1 MiB

// DialTimeout bounds a single outbound connect attempt, per §5's "implicit
// per-attempt connect timeout".
const DialTimeout = 3 * time.Second

// Transport is the contract of §4.1.
type Transport interface {
	// Start accepts inbound connections on host:port and begins
	// delivering decoded messages to Messages().
	Start(ctx context.Context) error

	// SendTo opens (and pools) an outbound connection to the peer and
	// queues the message for that connection's single writer. It returns an
	// error when the dial fails or the queue stays full; a later write
	// failure is logged and discards the connection instead of being
	// returned.
	SendTo(peer wire.PeerInfo, msg wire.Message) error

	// Broadcast sends concurrently to every peer in the set; individual
	// failures are logged, never fatal to the call.
	Broadcast(peers []wire.PeerInfo, msg wire.Message)

	// Messages is the single dispatch sink every inbound, decoded message
	// is delivered to, regardless of which socket it arrived on.
	Messages() <-chan wire.Message

	// Close shuts the listener and every pooled outbound connection down.
	Close()
}

// TCPTransport is the default Transport implementation.
type TCPTransport struct {
	log  logging.Logger
	host string
	port int

	listener net.Listener
	producer chan wire.Message

	poolMu sync.Mutex
	pool   map[wire.PeerID]*pooledConn

	// inbound tracks every accepted socket so Close can shut them down:
	// an inbound connection only returns from readLoop when the remote
	// end closes it or an error occurs, which never happens on its own
	// for a peer that is still sending periodic heartbeats.
	inboundMu sync.Mutex
	inbound   map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pooledConn is one outbound, single-writer connection keyed by peer_id.
// A dedicated writer goroutine drains outbox so that readers and writers
// of the same socket never interleave mid-message, per §5.
type pooledConn struct {
	conn   net.Conn
	outbox chan wire.Message
	done   chan struct{}
}

// New builds a TCPTransport listening on host:port once Start is called.
func New(host string, port int, log logging.Logger) *TCPTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		log:      log,
		host:     host,
		port:     port,
		producer: make(chan wire.Message, 256),
		pool:     make(map[wire.PeerID]*pooledConn),
		inbound:  make(map[net.Conn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (t *TCPTransport) Messages() <-chan wire.Message {
	return t.producer
}

// Start implements Transport.
func (t *TCPTransport) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	t.listener = ln

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.log.Warnf("accept failed: %v", err)
				return
			}
		}
		t.trackInbound(conn)
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TCPTransport) trackInbound(conn net.Conn) {
	t.inboundMu.Lock()
	t.inbound[conn] = struct{}{}
	t.inboundMu.Unlock()
}

func (t *TCPTransport) untrackInbound(conn net.Conn) {
	t.inboundMu.Lock()
	delete(t.inbound, conn)
	t.inboundMu.Unlock()
}

// readLoop is a per-socket read loop, as §4.1 requires: inbound
// connections are not pooled by identity, only per-socket. Handler panics
// never escape to the caller, per the "dispatch never raises to the
// reader loop" contract.
func (t *TCPTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer t.untrackInbound(conn)
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if len(line) > MaxFrameSize {
			t.log.Warnf("%v: dropping oversize frame from %s", errs.ErrProtocolViolation, conn.RemoteAddr())
			return
		}
		var m wire.Message
		if err := t.decode(line, &m); err != nil {
			t.log.Warnf("%v: %v", errs.ErrProtocolViolation, err)
			return
		}
		t.dispatch(m)
	}
	if err := scanner.Err(); err != nil {
		t.log.Warnf("read from %s failed: %v", conn.RemoteAddr(), err)
	}
}

func (t *TCPTransport) decode(line []byte, m *wire.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic decoding frame: %v", r)
		}
	}()
	return json.Unmarshal(line, m)
}

func (t *TCPTransport) dispatch(m wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Errorf("panic in dispatch: %v", r)
		}
	}()
	select {
	case t.producer <- m:
	case <-t.ctx.Done():
	}
}

// SendTo implements Transport.
func (t *TCPTransport) SendTo(peer wire.PeerInfo, msg wire.Message) error {
	pc, err := t.poolFor(peer)
	if err != nil {
		return err
	}
	select {
	case pc.outbox <- msg:
		return nil
	case <-time.After(DialTimeout):
		return fmt.Errorf("%w: outbox full for peer %d", errs.ErrPeerUnreachable, peer.ID)
	}
}

// Broadcast implements Transport.
func (t *TCPTransport) Broadcast(peers []wire.PeerInfo, msg wire.Message) {
	var wg sync.WaitGroup
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.SendTo(p, msg); err != nil {
				t.log.Warnf("broadcast to peer %d failed: %v", p.ID, err)
			}
		}()
	}
	wg.Wait()
}

// poolFor returns the pooled connection for peer, dialing it lazily if
// absent or previously discarded. At most one outbound connection per
// peer_id is maintained, per §4.1.
func (t *TCPTransport) poolFor(peer wire.PeerInfo) (*pooledConn, error) {
	t.poolMu.Lock()
	if pc, ok := t.pool[peer.ID]; ok {
		t.poolMu.Unlock()
		return pc, nil
	}
	t.poolMu.Unlock()

	conn, err := net.DialTimeout("tcp", peer.Addr(), DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrPeerUnreachable, peer.Addr(), err)
	}

	pc := &pooledConn{
		conn:   conn,
		outbox: make(chan wire.Message, 64),
		done:   make(chan struct{}),
	}

	t.poolMu.Lock()
	t.pool[peer.ID] = pc
	t.poolMu.Unlock()

	t.wg.Add(1)
	go t.writeLoop(peer.ID, pc)
	return pc, nil
}

// writeLoop is the single writer for one pooled connection. On a write
// failure the connection is discarded so the next send reopens it lazily.
func (t *TCPTransport) writeLoop(id wire.PeerID, pc *pooledConn) {
	defer t.wg.Done()
	defer close(pc.done)
	defer pc.conn.Close()

	w := bufio.NewWriter(pc.conn)
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg, ok := <-pc.outbox:
			if !ok {
				return
			}
			if err := t.writeFrame(w, msg); err != nil {
				t.log.Warnf("%v: write to peer %d: %v", errs.ErrPeerUnreachable, id, err)
				t.discard(id, pc)
				return
			}
		}
	}
}

func (t *TCPTransport) writeFrame(w *bufio.Writer, msg wire.Message) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(line) > MaxFrameSize {
		return errs.ErrFrameTooLarge
	}
	if _, err := w.Write(line); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

func (t *TCPTransport) discard(id wire.PeerID, pc *pooledConn) {
	t.poolMu.Lock()
	defer t.poolMu.Unlock()
	if t.pool[id] == pc {
		delete(t.pool, id)
	}
}

// Close implements Transport.
func (t *TCPTransport) Close() {
	t.cancel()
	if t.listener != nil {
		t.listener.Close()
	}
	t.poolMu.Lock()
	for id, pc := range t.pool {
		close(pc.outbox)
		delete(t.pool, id)
	}
	t.poolMu.Unlock()

	t.inboundMu.Lock()
	for conn := range t.inbound {
		conn.Close()
	}
	t.inboundMu.Unlock()

	t.wg.Wait()
	close(t.producer)
}
