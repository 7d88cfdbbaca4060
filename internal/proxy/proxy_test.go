package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"meshlink/internal/peerlink"
	"meshlink/internal/wire"
)

// echoServer accepts one connection, completes the handshake, and echoes
// every Message body back as a successful Result, tagging the body with id
// so a test can tell which server answered.
func echoServer(t *testing.T, ln net.Listener, id string) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)
	w.WriteResponse(wire.Response{Cmd: wire.RespHandshake})
	w.WriteResponse(wire.NewSupportedResponse([]string{"echo.v1"}))
	r.ReadRequest() // peer handshake
	for {
		req, err := r.ReadRequest()
		if err != nil {
			return
		}
		if req.Cmd != wire.ReqMessage {
			continue
		}
		msgID, _, _, body, err := req.AsMessage()
		if err != nil {
			return
		}
		if err := w.WriteResponse(wire.NewResultResponse(msgID, id+":"+body, "")); err != nil {
			return
		}
	}
}

func connectedLink(t *testing.T, addr string) *peerlink.PeerLink {
	link := peerlink.New(addr, "127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(link.Stop)
	go link.Run(ctx)
	for i := 0; i < 100 && link.Info().Status() != peerlink.StatusOk; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if link.Info().Status() != peerlink.StatusOk {
		t.Fatalf("link to %s never reached Ok", addr)
	}
	return link
}

func TestSendFailsWithNoProviderKnown(t *testing.T) {
	p := New("echo.v1", nil)
	_, err := p.Send(context.Background(), "hi", time.Second)
	if err != ErrNoProviderKnown {
		t.Fatalf("got %v, want ErrNoProviderKnown", err)
	}
}

func TestSendRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go echoServer(t, ln, "A")

	link := connectedLink(t, ln.Addr().String())
	p := New("echo.v1", nil)
	p.TypeSupported("node-a", link)

	result, err := p.Send(context.Background(), "hello", 2*time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result != "A:hello" {
		t.Fatalf("got %q, want A:hello", result)
	}
}

func TestRoundRobinAcrossPeers(t *testing.T) {
	lnA, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lnA.Close()
	lnB, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer lnB.Close()
	go echoServer(t, lnA, "A")
	go echoServer(t, lnB, "B")

	linkA := connectedLink(t, lnA.Addr().String())
	linkB := connectedLink(t, lnB.Addr().String())

	p := New("echo.v1", nil)
	p.TypeSupported("node-a", linkA)
	p.TypeSupported("node-b", linkB)

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		result, err := p.Send(context.Background(), "x", 2*time.Second)
		if err != nil {
			t.Fatalf("Send(%d): %v", i, err)
		}
		seen[result[:1]] = true
	}
	if !seen["A"] || !seen["B"] {
		t.Fatalf("expected both peers to be used in two round-robin sends, got %v", seen)
	}
}

// TestSendDuringBackoffYieldsPeerGone matches spec.md §8 S4: after a known
// peer's connection drops, a send attempted while its PeerLink is in
// backoff must fail with ErrPeerGone, not ErrNoProviderKnown — ordinary
// connection teardown leaves the peer in the Proxy's known set (see
// internal/peerlink.runConnection's teardown comment).
func TestSendDuringBackoffYieldsPeerGone(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		w := wire.NewWriter(conn)
		w.WriteResponse(wire.Response{Cmd: wire.RespHandshake})
		w.WriteResponse(wire.NewSupportedResponse([]string{"echo.v1"}))
		r := wire.NewReader(conn)
		r.ReadRequest()
		accepted <- conn
	}()

	link := connectedLink(t, addr)
	ln.Close() // no server survives to accept a reconnect during this test

	p := New("echo.v1", nil)
	p.TypeSupported("node-a", link)

	conn := <-accepted
	conn.Close()

	for i := 0; i < 100 && link.Info().Status() != peerlink.StatusFailed; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if link.Info().Status() != peerlink.StatusFailed {
		t.Fatalf("link never reached Failed")
	}

	if p.PeerCount() != 1 {
		t.Fatalf("got %d peers after teardown, want 1 (peer stays known during backoff)", p.PeerCount())
	}
	_, err = p.Send(context.Background(), "hi", time.Second)
	if err != peerlink.ErrPeerGone {
		t.Fatalf("got %v, want ErrPeerGone", err)
	}
}

func TestNodeGoneRemovesPeer(t *testing.T) {
	p := New("echo.v1", nil)
	link := peerlink.New("127.0.0.1:1", "127.0.0.1:0", nil)
	p.TypeSupported("node-a", link)
	if p.PeerCount() != 1 {
		t.Fatalf("got %d peers, want 1", p.PeerCount())
	}
	p.NodeGone("node-a")
	if p.PeerCount() != 0 {
		t.Fatalf("got %d peers after NodeGone, want 0", p.PeerCount())
	}
	_, err := p.Send(context.Background(), "x", time.Second)
	if err != ErrNoProviderKnown {
		t.Fatalf("got %v, want ErrNoProviderKnown", err)
	}
}
