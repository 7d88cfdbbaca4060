// Package worker implements the inbound connection actor of spec.md §4.3:
// one per accepted TCP connection, performing the handshake, advertising
// locally registered handler types, and dispatching inbound Message frames
// to the local handler registry.
//
// Grounded on the teacher's internal/gossip/simple_transport.go accept-loop
// shape (raw net.Listen + per-connection goroutine) and
// other_examples/0fc28ff2_prxssh-rabbit's split read/handshake sequencing.
package worker

import (
	"net"
	"sync/atomic"

	"meshlink/internal/logging"
	"meshlink/internal/registry"
	"meshlink/internal/wire"
)

// Events is the set of notifications a Worker posts back to its owning
// Mesh (spec.md §4.3, §4.6).
type Events interface {
	// NodeConnected is invoked when the remote end identifies itself via a
	// Handshake request.
	NodeConnected(peerAddress string)
	// WorkerDisconnected is invoked once, when the connection ends.
	WorkerDisconnected(workerID uint64)
	// ProtocolError is invoked whenever a frame violates the wire format.
	ProtocolError()
}

var nextID uint64

// Worker owns one accepted TCP connection for its lifetime.
type Worker struct {
	id     uint64
	conn   net.Conn
	snap   *registry.Snapshot
	events Events
}

// Accept constructs a Worker for a freshly accepted connection. The
// registry snapshot is taken here, at construction, so that later
// registrations do not retroactively alter this Worker (spec.md §4.4).
func Accept(conn net.Conn, reg *registry.Registry, events Events) *Worker {
	return &Worker{
		id:     atomic.AddUint64(&nextID, 1),
		conn:   conn,
		snap:   reg.Snapshot(),
		events: events,
	}
}

// ID returns the worker's unique identifier, used for WorkerDisconnected.
func (w *Worker) ID() uint64 { return w.id }

// Close forces the connection shut, unblocking Run. Used during graceful
// shutdown in place of the original protocol's actor-addressed StopWorker
// message, which has no counterpart in this wire format (SPEC_FULL.md §12.3).
func (w *Worker) Close() error { return w.conn.Close() }

// Run handles the connection until it ends, then notifies WorkerDisconnected.
// It is meant to be called in its own goroutine.
func (w *Worker) Run() {
	defer w.conn.Close()
	defer func() {
		if w.events != nil {
			w.events.WorkerDisconnected(w.id)
		}
	}()

	writer := wire.NewWriter(w.conn)
	if err := writer.WriteResponse(wire.Response{Cmd: wire.RespHandshake}); err != nil {
		logging.Warn("worker %d: handshake write failed: %v", w.id, err)
		return
	}
	if err := writer.WriteResponse(wire.NewSupportedResponse(w.snap.TypeIDs())); err != nil {
		logging.Warn("worker %d: supported write failed: %v", w.id, err)
		return
	}

	reader := wire.NewReader(w.conn)
	for {
		req, err := reader.ReadRequest()
		if err != nil {
			if _, ok := err.(*wire.ProtocolError); ok && w.events != nil {
				w.events.ProtocolError()
			}
			logging.Debug("worker %d: connection ended: %v", w.id, err)
			return
		}

		switch req.Cmd {
		case wire.ReqHandshake:
			addr, err := req.AsHandshake()
			if err != nil {
				logging.Warn("worker %d: bad Handshake: %v", w.id, err)
				continue
			}
			if w.events != nil {
				w.events.NodeConnected(addr)
			}
		case wire.ReqMessage:
			w.handleMessage(writer, req)
		case wire.ReqPing:
			if err := writer.WriteResponse(wire.NewPongResponse()); err != nil {
				logging.Debug("worker %d: pong write failed: %v", w.id, err)
				return
			}
		default:
			logging.Debug("worker %d: ignoring request %q", w.id, req.Cmd)
		}
	}
}

func (w *Worker) handleMessage(writer *wire.Writer, req wire.Request) {
	msgID, typeID, _, body, err := req.AsMessage()
	if err != nil {
		logging.Warn("worker %d: bad Message frame: %v", w.id, err)
		return
	}

	handler, ok := w.snap.Lookup(typeID)
	if !ok {
		// spec.md §9 open question 1: reply with an error-carrying Result
		// rather than dropping silently, so the sender's pending request
		// resolves instead of leaking until timeout.
		if err := writer.WriteResponse(wire.NewResultResponse(msgID, "", "no handler for type-id "+typeID)); err != nil {
			logging.Debug("worker %d: result write failed: %v", w.id, err)
		}
		return
	}

	result, err := handler.Handle(body)
	if err != nil {
		if werr := writer.WriteResponse(wire.NewResultResponse(msgID, "", err.Error())); werr != nil {
			logging.Debug("worker %d: result write failed: %v", w.id, werr)
		}
		return
	}
	if err := writer.WriteResponse(wire.NewResultResponse(msgID, result, "")); err != nil {
		logging.Debug("worker %d: result write failed: %v", w.id, err)
	}
}
