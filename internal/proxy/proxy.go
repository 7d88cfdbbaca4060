// Package proxy implements the per-type-id Recipient proxy of spec.md §4.5:
// the local endpoint that serializes an outbound message, picks a peer
// advertising the type, and correlates the asynchronous Result back to the
// caller.
//
// Grounded on the teacher's internal/cluster.ClusterNode write-confirmation
// pattern (pendingWrites map + Complete channel) for local request
// bookkeeping, generalized from quorum counting to single-peer dispatch.
package proxy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"meshlink/internal/peerlink"
)

// ErrNoProviderKnown is returned when no peer has advertised the proxy's
// type-id (spec.md §7).
var ErrNoProviderKnown = errors.New("proxy: no provider known for type")

// Proxy is the local endpoint for one type-id. It is safe for concurrent
// use by multiple callers (spec.md §5 "Cross-thread boundary").
type Proxy struct {
	typeID string

	mu     sync.Mutex
	peers  map[string]*peerlink.PeerLink // node-id -> link
	order  []string                      // stable node-id order for round-robin
	cursor int
}

// New constructs a Proxy for typeID, pre-populated with any peers already
// known to the Directory (spec.md §9 open question 2).
func New(typeID string, initial map[string]*peerlink.PeerLink) *Proxy {
	p := &Proxy{
		typeID: typeID,
		peers:  make(map[string]*peerlink.PeerLink),
	}
	for node, link := range initial {
		p.peers[node] = link
		p.order = append(p.order, node)
	}
	sort.Strings(p.order)
	return p
}

// TypeSupported inserts node into the known peer set (Directory.Subscriber).
func (p *Proxy) TypeSupported(node string, link *peerlink.PeerLink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.peers[node]; !exists {
		p.order = append(p.order, node)
		sort.Strings(p.order)
	}
	p.peers[node] = link
}

// NodeGone removes node from the known peer set (Directory.Subscriber).
func (p *Proxy) NodeGone(node string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.peers[node]; !exists {
		return
	}
	delete(p.peers, node)
	for i, n := range p.order {
		if n == node {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if p.cursor >= len(p.order) {
		p.cursor = 0
	}
}

// pick selects the next peer by round-robin (spec.md §9 open question 3).
func (p *Proxy) pick() (*peerlink.PeerLink, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return nil, false
	}
	node := p.order[p.cursor%len(p.order)]
	p.cursor++
	return p.peers[node], true
}

// Send serializes body to the chosen peer and waits (up to timeout, if
// positive) for the matching Result, implementing spec.md §4.5's local
// send() operation.
func (p *Proxy) Send(ctx context.Context, body string, timeout time.Duration) (string, error) {
	link, ok := p.pick()
	if !ok {
		return "", ErrNoProviderKnown
	}
	return link.SendRemoteMessage(ctx, p.typeID, body, timeout)
}

// PeerCount reports the number of peers currently known for this proxy's
// type-id, for diagnostics.
func (p *Proxy) PeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}
