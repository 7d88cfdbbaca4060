// Package directory implements the remote type directory of spec.md §4.5:
// the live mapping from type-id to the set of peers currently advertising
// it, maintained inside the Mesh from PeerLink handshake events.
//
// Grounded on the teacher's internal/gossip.Protocol peer bookkeeping
// (map + sync.RWMutex, advertise/evict lifecycle) adapted from node health
// tracking to type advertisement tracking.
package directory

import (
	"sort"
	"sync"

	"meshlink/internal/peerlink"
)

// Subscriber is notified when a type-id's peer set changes. A Proxy
// implements this to stay in sync with the Directory.
type Subscriber interface {
	TypeSupported(nodeID string, link *peerlink.PeerLink)
	NodeGone(nodeID string)
}

// Directory maps type-id -> {node-id -> *peerlink.PeerLink} and fans out
// changes to any Proxy subscribed for a type-id.
//
// Advertisements are cached even for type-ids with no subscriber yet
// (spec.md §9 open question 2; SPEC_FULL.md §13.2): a Proxy created later
// replays the already-known peers that Subscribe returns.
type Directory struct {
	mu          sync.Mutex
	peers       map[string]map[string]*peerlink.PeerLink // type-id -> node-id -> link
	subscribers map[string][]Subscriber                  // type-id -> subscribers
}

// New returns an empty Directory.
func New() *Directory {
	return &Directory{
		peers:       make(map[string]map[string]*peerlink.PeerLink),
		subscribers: make(map[string][]Subscriber),
	}
}

// Advertise records that nodeID supports the given type-ids, via link, and
// notifies any subscribed Proxy.
func (d *Directory) Advertise(nodeID string, link *peerlink.PeerLink, types []string) {
	d.mu.Lock()
	var notify []Subscriber
	for _, t := range types {
		m, ok := d.peers[t]
		if !ok {
			m = make(map[string]*peerlink.PeerLink)
			d.peers[t] = m
		}
		m[nodeID] = link
		notify = append(notify, d.subscribers[t]...)
	}
	d.mu.Unlock()

	for _, s := range notify {
		s.TypeSupported(nodeID, link)
	}
}

// Gone removes nodeID from every type-id's peer set and notifies
// subscribers, implementing the NodeGone transition of spec.md §4.5.
func (d *Directory) Gone(nodeID string) {
	d.mu.Lock()
	var notify []Subscriber
	seen := make(map[Subscriber]bool)
	for t, m := range d.peers {
		if _, ok := m[nodeID]; !ok {
			continue
		}
		delete(m, nodeID)
		for _, s := range d.subscribers[t] {
			if !seen[s] {
				seen[s] = true
				notify = append(notify, s)
			}
		}
	}
	d.mu.Unlock()

	for _, s := range notify {
		s.NodeGone(nodeID)
	}
}

// Subscribe registers sub for typeID and returns the peers already known
// for that type-id, so a freshly created Proxy can replay cached
// advertisements (spec.md §9 open question 2).
func (d *Directory) Subscribe(typeID string, sub Subscriber) map[string]*peerlink.PeerLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[typeID] = append(d.subscribers[typeID], sub)
	snapshot := make(map[string]*peerlink.PeerLink, len(d.peers[typeID]))
	for node, link := range d.peers[typeID] {
		snapshot[node] = link
	}
	return snapshot
}

// KnownTypes returns the type-ids with at least one known advertiser, for
// diagnostics.
func (d *Directory) KnownTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	types := make([]string, 0, len(d.peers))
	for t, m := range d.peers {
		if len(m) > 0 {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}
