// Package peerlink implements the outbound peer connector of spec.md §4.2:
// one actor goroutine per known or discovered remote node, owning a TCP
// client, performing the handshake, issuing outbound messages, tracking
// request correlations, and reconnecting with exponential backoff.
//
// Grounded on the teacher's internal/cluster.ClusterNode pending-write
// bookkeeping (map + mutex + completion channel) for request correlation,
// and on internal/gossip.Protocol's connection-health state machine for the
// New/Connecting/Ok/Failed status cell. The restart loop collapses the
// original Rust implementation's actix Supervisor into a single goroutine
// loop (see SPEC_FULL.md §12.2).
package peerlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"meshlink/internal/logging"
	"meshlink/internal/wire"
)

// Status is the PeerLink's connection state (spec.md §4.2).
type Status int

const (
	StatusNew Status = iota
	StatusConnecting
	StatusOk
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "New"
	case StatusConnecting:
		return "Connecting"
	case StatusOk:
		return "Ok"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrPeerGone is delivered to every pending request when the link drops
// while requests are outstanding, and to new sends attempted on a link that
// is not Ok (spec.md §4.2, §7).
var ErrPeerGone = errors.New("peerlink: peer gone")

// ErrTimeout is delivered when a caller-specified deadline elapses before a
// Result arrives (spec.md §5, §7).
var ErrTimeout = errors.New("peerlink: timeout")

// Events is the set of notifications a PeerLink posts back to its owning
// Mesh. It mirrors the World-facing messages of spec.md §4.2/§4.6.
type Events interface {
	// NodeSupportedTypes is invoked when the peer advertises its handler
	// type-ids, once per connection (immediately after handshake).
	NodeSupportedTypes(nodeAddress string, types []string)
	// ProtocolError is invoked whenever a frame violates the wire format.
	ProtocolError()
}

// pendingRequest is the local completion sink for one outbound Message,
// modeled on the teacher's WriteOperation{Complete, Error} pattern.
type pendingRequest struct {
	done chan struct{}
	body string
	err  error
	once sync.Once
}

func (p *pendingRequest) complete(body string, err error) {
	p.once.Do(func() {
		p.body, p.err = body, err
		close(p.done)
	})
}

// Info is the status cell shared between a PeerLink's goroutine and any
// reader (Mesh bookkeeping, diagnostics). Grounded on original_source's
// Cell<NodeStatus> (SPEC_FULL.md §12.1).
type Info struct {
	mu     sync.RWMutex
	status Status
}

// Status returns the current connection status.
func (i *Info) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

func (i *Info) setStatus(s Status) {
	i.mu.Lock()
	i.status = s
	i.mu.Unlock()
}

// PeerLink owns the outbound TCP connection to exactly one remote node.
type PeerLink struct {
	address      string // remote address to dial
	localAddress string // advertised in our Handshake
	events       Events
	info         *Info

	mu        sync.Mutex
	pending   map[uint64]*pendingRequest
	nextMsgID uint64
	writer    *wire.Writer
	writeConn net.Conn

	reconnectCh chan struct{}
	stopCh      chan struct{}
	stoppedCh   chan struct{}
}

// New constructs a PeerLink for the given remote address. It does not dial
// until Run is called.
func New(address, localAddress string, events Events) *PeerLink {
	return &PeerLink{
		address:      address,
		localAddress: localAddress,
		events:       events,
		info:         &Info{status: StatusNew},
		pending:      make(map[uint64]*pendingRequest),
		reconnectCh:  make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
}

// Info returns the shared status cell.
func (p *PeerLink) Info() *Info { return p.info }

// Address returns the remote address this PeerLink connects to.
func (p *PeerLink) Address() string { return p.address }

// PendingCount reports the number of outbound requests awaiting a Result.
func (p *PeerLink) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run drives the connect/handshake/read loop with exponential backoff
// reconnection until Stop is called. It is meant to be run in its own
// goroutine for the PeerLink's entire lifetime.
func (p *PeerLink) Run(ctx context.Context) {
	defer close(p.stoppedCh)

	bo := newBackoff()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		p.info.setStatus(StatusConnecting)
		conn, err := net.DialTimeout("tcp", p.address, 10*time.Second)
		if err != nil {
			p.info.setStatus(StatusFailed)
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				logging.Warn("peerlink %s: backoff exhausted, stopping until external trigger", p.address)
				p.waitForExternalTrigger()
				bo.Reset()
				continue
			}
			logging.Debug("peerlink %s: connect failed (%v), retrying in %s", p.address, err, wait)
			select {
			case <-time.After(wait):
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		bo.Reset()
		p.runConnection(ctx, conn)

		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// waitForExternalTrigger blocks until ReconnectNode is called or Stop fires,
// matching spec.md §4.2's "further restart attempts stop until an external
// trigger" policy once the backoff cap is exhausted.
func (p *PeerLink) waitForExternalTrigger() {
	select {
	case <-p.reconnectCh:
	case <-p.stopCh:
	}
}

// runConnection owns one TCP connection generation: handshake, reader loop,
// and request correlation table. msg_id counters reset at the start of each
// generation (spec.md §9 open question 4; SPEC_FULL.md §13.4).
//
// Teardown here only transitions status to Failed and fails pending
// requests with ErrPeerGone (spec.md §4.2 "read error or EOF" transition);
// it does not notify the Directory to evict this node (spec.md §4.5's
// NodeGone is a distinct, explicit event the World never raises from this
// path — see original_source/src/node.rs's restart/restarting, which only
// sets status Failed and drops the writer). Leaving the node's last-known
// PeerLink in the Directory/Proxy means a send attempted during backoff
// still reaches this PeerLink and fails with ErrPeerGone (spec.md §8 S4),
// rather than the Proxy reporting ErrNoProviderKnown for a peer it merely
// lost contact with.
func (p *PeerLink) runConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	w := wire.NewWriter(conn)
	if err := w.WriteRequest(wire.NewHandshakeRequest(p.localAddress)); err != nil {
		logging.Warn("peerlink %s: handshake write failed: %v", p.address, err)
		p.info.setStatus(StatusFailed)
		return
	}

	p.mu.Lock()
	p.writer = w
	p.writeConn = conn
	p.nextMsgID = 0
	p.mu.Unlock()
	p.info.setStatus(StatusOk)
	logging.Info("peerlink %s: connected", p.address)

	r := wire.NewReader(conn)
	connDone := make(chan struct{})
	go func() {
		defer close(connDone)
		p.readLoop(r)
	}()

	select {
	case <-connDone:
	case <-p.stopCh:
	case <-ctx.Done():
	}

	conn.Close()
	<-connDone

	p.info.setStatus(StatusFailed)
	p.mu.Lock()
	p.writer = nil
	p.writeConn = nil
	stale := p.pending
	p.pending = make(map[uint64]*pendingRequest)
	p.mu.Unlock()
	for _, pr := range stale {
		pr.complete("", ErrPeerGone)
	}
}

func (p *PeerLink) readLoop(r *wire.Reader) {
	for {
		resp, err := r.ReadResponse()
		if err != nil {
			if _, ok := err.(*wire.ProtocolError); ok && p.events != nil {
				p.events.ProtocolError()
			}
			logging.Debug("peerlink %s: read ended: %v", p.address, err)
			return
		}
		switch resp.Cmd {
		case wire.RespSupported:
			types, err := resp.AsSupported()
			if err != nil {
				logging.Warn("peerlink %s: bad Supported frame: %v", p.address, err)
				continue
			}
			if p.events != nil {
				p.events.NodeSupportedTypes(p.address, types)
			}
		case wire.RespResult:
			msgID, body, errMsg, err := resp.AsResult()
			if err != nil {
				logging.Warn("peerlink %s: bad Result frame: %v", p.address, err)
				continue
			}
			p.mu.Lock()
			pr, ok := p.pending[msgID]
			if ok {
				delete(p.pending, msgID)
			}
			p.mu.Unlock()
			if !ok {
				logging.Debug("peerlink %s: Result for unknown msg_id %d, dropped", p.address, msgID)
				continue
			}
			var rerr error
			if errMsg != "" {
				rerr = errors.New(errMsg)
			}
			pr.complete(body, rerr)
		case wire.RespPing:
			// Nothing to answer: a PeerLink sends no Ping requests, and a
			// Worker only ever sends Pong in reply to a Ping.
		case wire.RespPong:
			logging.Debug("peerlink %s: pong", p.address)
		default:
			logging.Debug("peerlink %s: ignoring response %q", p.address, resp.Cmd)
		}
	}
}

// SendRemoteMessage issues a Message frame for typeID carrying body and
// waits (up to timeout, if positive) for the matching Result. It implements
// spec.md §4.2's send path.
func (p *PeerLink) SendRemoteMessage(ctx context.Context, typeID, body string, timeout time.Duration) (string, error) {
	p.mu.Lock()
	if p.writer == nil {
		p.mu.Unlock()
		return "", ErrPeerGone
	}
	p.nextMsgID++
	msgID := p.nextMsgID
	pr := &pendingRequest{done: make(chan struct{})}
	p.pending[msgID] = pr
	w := p.writer
	p.mu.Unlock()

	if err := w.WriteRequest(wire.NewMessageRequest(msgID, typeID, "1.0", body)); err != nil {
		p.mu.Lock()
		delete(p.pending, msgID)
		p.mu.Unlock()
		return "", fmt.Errorf("peerlink %s: write failed: %w", p.address, err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-pr.done:
		return pr.body, pr.err
	case <-timeoutCh:
		// Leave the entry for a late response to reap (spec.md §5
		// "Cancellation & timeouts"); the reader loop deletes it when the
		// Result eventually arrives, or link teardown drops it.
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.stopCh:
		return "", ErrPeerGone
	}
}

// ReconnectNode wakes a Failed link waiting on its external trigger, or is
// a no-op for a link already Ok (spec.md §4.2).
func (p *PeerLink) ReconnectNode() {
	if p.info.Status() != StatusFailed {
		return
	}
	select {
	case p.reconnectCh <- struct{}{}:
	default:
	}
}

// Stop tears down the PeerLink permanently.
func (p *PeerLink) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.stoppedCh
}

// newBackoff builds the exponential backoff policy of spec.md §4.2: initial
// ~500ms, multiplier 1.5, max interval ~60s, randomization 0.5, cap ~15min.
func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 1.5
	b.MaxInterval = 60 * time.Second
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 15 * time.Minute
	return b
}
