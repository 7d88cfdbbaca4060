// Package mesh implements the World coordinator of spec.md §4.6 (named Mesh
// in this implementation to avoid colliding with stdlib naming
// conventions elsewhere in the module). It owns the listener sockets, the
// handler registry, the type directory, and every PeerLink and Worker,
// dispatching the three World-facing events spec.md §4.6 defines.
//
// Grounded on cmd/repram/main.go's startup/shutdown shape (signal.Notify +
// goroutine + graceful drain) and internal/node/server.go's ticker-driven
// metrics refresh (updateStorageMetrics).
package mesh

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"meshlink/internal/directory"
	"meshlink/internal/listener"
	"meshlink/internal/logging"
	"meshlink/internal/metrics"
	"meshlink/internal/peerlink"
	"meshlink/internal/proxy"
	"meshlink/internal/registry"
	"meshlink/internal/worker"
)

// shutdownGrace bounds how long Start waits for in-flight workers to
// acknowledge a stop request before exiting anyway (spec.md §4.6, §8 S6).
const shutdownGrace = 1 * time.Second

// Mesh is the single process-wide coordinator: the Go expression of
// spec.md's World.
type Mesh struct {
	localAddress string
	reg          *registry.Registry
	dir          *directory.Directory
	metrics      *metrics.Metrics

	mu          sync.Mutex
	listeners   []net.Listener
	staticPeers []string
	peerLinks   map[string]*peerlink.PeerLink
	workers     map[uint64]*worker.Worker
	proxies     map[string]*proxy.Proxy
	shutDown    bool

	ctx          context.Context
	cancel       context.CancelFunc
	workersWG    sync.WaitGroup
	backgroundWG sync.WaitGroup
}

// New constructs a Mesh and binds its default listener on localAddress
// (spec.md §4.6 "new"). localAddress is also advertised in outbound
// handshakes.
func New(localAddress string) (*Mesh, error) {
	m := &Mesh{
		localAddress: localAddress,
		reg:          registry.New(),
		dir:          directory.New(),
		peerLinks:    make(map[string]*peerlink.PeerLink),
		workers:      make(map[uint64]*worker.Worker),
		proxies:      make(map[string]*proxy.Proxy),
	}
	if err := m.Bind(localAddress); err != nil {
		return nil, err
	}
	return m, nil
}

// SetMetrics wires a Metrics set into the Mesh so it is updated as the
// mesh runs. Optional: a nil-metrics Mesh works identically, minus
// counters.
func (m *Mesh) SetMetrics(mx *metrics.Metrics) { m.metrics = mx }

// Bind adds an additional listener socket; repeated calls compose
// (spec.md §4.6 "bind"). Fails if address cannot be bound.
func (m *Mesh) Bind(address string) error {
	lns, err := listener.BindAll(context.Background(), []string{address})
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, lns...)
	m.mu.Unlock()
	return nil
}

// ListenAddr returns the address of the first bound listener, useful when
// the caller bound an ephemeral port (":0") and needs to learn the actual
// port for advertising to peers.
func (m *Mesh) ListenAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.listeners) == 0 {
		return nil
	}
	return m.listeners[0].Addr()
}

// AddNode registers an initial static peer; a PeerLink for it is created
// when Start runs (spec.md §4.6 "add_node").
func (m *Mesh) AddNode(peerAddress string) {
	m.mu.Lock()
	m.staticPeers = append(m.staticPeers, peerAddress)
	m.mu.Unlock()
}

// RegisterRecipient installs handler as the local endpoint for typeID,
// routing inbound Message frames of this type to it (spec.md §4.6
// "register_recipient").
func (m *Mesh) RegisterRecipient(typeID string, handler registry.Handler) {
	wrapped := registry.HandlerFunc(func(body string) (string, error) {
		result, err := handler.Handle(body)
		if err == nil && m.metrics != nil {
			m.metrics.MessagesReceived.Inc()
		}
		return result, err
	})
	m.reg.Register(typeID, wrapped)
}

// Recipient is the typed proxy handle returned by GetRecipient: the local
// endpoint for one type-id, per spec.md §4.5/§4.6.
type Recipient struct {
	p *proxy.Proxy
	m *Mesh
}

// Send routes body to a peer advertising this recipient's type-id and
// waits for the matching Result (spec.md §4.5 "send").
func (r *Recipient) Send(ctx context.Context, body string, timeout time.Duration) (string, error) {
	result, err := r.p.Send(ctx, body, timeout)
	if err == nil && r.m.metrics != nil {
		r.m.metrics.MessagesSent.Inc()
	}
	return result, err
}

// PeerCount reports how many peers currently advertise this type-id.
func (r *Recipient) PeerCount() int { return r.p.PeerCount() }

// GetRecipient returns the typed proxy handle for typeID, creating it (and
// replaying any already-cached directory advertisements into it) on first
// call. Idempotent: repeated calls for the same type-id return Recipients
// backed by the same Proxy (spec.md §4.6 "get_recipient").
func (m *Mesh) GetRecipient(typeID string) *Recipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.proxies[typeID]; ok {
		return &Recipient{p: existing, m: m}
	}
	p := proxy.New(typeID, nil)
	cached := m.dir.Subscribe(typeID, p)
	for node, link := range cached {
		p.TypeSupported(node, link)
	}
	m.proxies[typeID] = p
	return &Recipient{p: p, m: m}
}

// ensurePeerLink returns the PeerLink for address, creating and starting it
// under supervision if one does not already exist, or waking it via
// ReconnectNode if it does (spec.md §4.6 "NodeConnected").
func (m *Mesh) ensurePeerLink(address string) *peerlink.PeerLink {
	m.mu.Lock()
	if link, ok := m.peerLinks[address]; ok {
		m.mu.Unlock()
		link.ReconnectNode()
		return link
	}
	link := peerlink.New(address, m.localAddress, m)
	m.peerLinks[address] = link
	ctx := m.ctx
	m.mu.Unlock()

	m.backgroundWG.Add(1)
	go func() {
		defer m.backgroundWG.Done()
		link.Run(ctx)
	}()
	return link
}

// NodeConnected implements worker.Events: a Worker's handshake revealed the
// remote's own advertised address, so the Mesh ensures an outbound PeerLink
// exists in the reverse direction.
func (m *Mesh) NodeConnected(peerAddress string) {
	m.ensurePeerLink(peerAddress)
}

// WorkerDisconnected implements worker.Events.
func (m *Mesh) WorkerDisconnected(workerID uint64) {
	m.mu.Lock()
	delete(m.workers, workerID)
	m.mu.Unlock()
}

// NodeSupportedTypes implements peerlink.Events: fan the advertisement out
// to the Directory, which in turn notifies any subscribed Recipient.
func (m *Mesh) NodeSupportedTypes(nodeAddress string, types []string) {
	m.mu.Lock()
	link := m.peerLinks[nodeAddress]
	m.mu.Unlock()
	if link == nil {
		return
	}
	m.dir.Advertise(nodeAddress, link, types)
	if m.metrics != nil {
		m.metrics.HandshakesCompleted.Inc()
	}
}

// ProtocolError implements both worker.Events and peerlink.Events.
func (m *Mesh) ProtocolError() {
	if m.metrics != nil {
		m.metrics.ProtocolErrors.Inc()
	}
}

// PeerCount and ProxyCount satisfy internal/diag.StatusProvider.
func (m *Mesh) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peerLinks)
}

func (m *Mesh) ProxyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.proxies)
}

// Start begins accepting and dialing: it creates PeerLinks for all
// statically configured peers, starts an accept loop per bound listener,
// and subscribes to process signals (spec.md §4.6 "start"). It blocks
// until a shutdown signal arrives or ctx is cancelled, then performs a
// graceful shutdown and returns.
func (m *Mesh) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.Lock()
	staticPeers := append([]string(nil), m.staticPeers...)
	listeners := append([]net.Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, addr := range staticPeers {
		m.ensurePeerLink(addr)
	}
	for _, ln := range listeners {
		m.backgroundWG.Add(1)
		go func(ln net.Listener) {
			defer m.backgroundWG.Done()
			m.acceptLoop(ln)
		}(ln)
	}
	if m.metrics != nil {
		m.backgroundWG.Add(1)
		go func() {
			defer m.backgroundWG.Done()
			m.refreshMetrics(m.ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logging.Info("mesh: received signal %v, shutting down", sig)
	case <-m.ctx.Done():
		logging.Info("mesh: context cancelled, shutting down")
	}

	m.shutdown()
	return nil
}

func (m *Mesh) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
				logging.Warn("mesh: accept error on %s: %v", ln.Addr(), err)
				return
			}
		}
		w := worker.Accept(conn, m.reg, m)
		m.mu.Lock()
		m.workers[w.ID()] = w
		m.mu.Unlock()

		m.workersWG.Add(1)
		go func() {
			defer m.workersWG.Done()
			w.Run()
		}()
	}
}

// shutdown implements spec.md §4.6's graceful shutdown: close every
// worker's connection, wait up to shutdownGrace for their acknowledgment,
// then cancel all PeerLinks and close the listeners.
func (m *Mesh) shutdown() {
	m.mu.Lock()
	if m.shutDown {
		m.mu.Unlock()
		return
	}
	m.shutDown = true
	workers := make([]*worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	listeners := append([]net.Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}

	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logging.Warn("mesh: shutdown grace period elapsed with workers still open")
	}

	if m.cancel != nil {
		m.cancel()
	}
	for _, ln := range listeners {
		ln.Close()
	}
	m.backgroundWG.Wait()
}

func (m *Mesh) refreshMetrics(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	failedSeen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			connected := 0
			pending := 0
			for addr, link := range m.peerLinks {
				status := link.Info().Status()
				failed := status == peerlink.StatusFailed
				if failed && !failedSeen[addr] {
					m.metrics.PeersFailed.Inc()
				}
				failedSeen[addr] = failed
				if status == peerlink.StatusOk {
					connected++
				}
				pending += link.PendingCount()
			}
			m.mu.Unlock()
			m.metrics.PeersConnected.Set(float64(connected))
			m.metrics.PendingRequests.Set(float64(pending))
		}
	}
}
