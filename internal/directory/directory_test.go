package directory

import (
	"testing"

	"meshlink/internal/peerlink"
)

type stubSubscriber struct {
	supported chan string
	gone      chan string
}

func newStubSubscriber() *stubSubscriber {
	return &stubSubscriber{
		supported: make(chan string, 8),
		gone:      make(chan string, 8),
	}
}

func (s *stubSubscriber) TypeSupported(nodeID string, _ *peerlink.PeerLink) { s.supported <- nodeID }
func (s *stubSubscriber) NodeGone(nodeID string)                            { s.gone <- nodeID }

func TestAdvertiseNotifiesSubscriber(t *testing.T) {
	d := New()
	sub := newStubSubscriber()
	d.Subscribe("echo.v1", sub)

	link := peerlink.New("127.0.0.1:1", "127.0.0.1:0", nil)
	d.Advertise("node-b", link, []string{"echo.v1"})

	select {
	case node := <-sub.supported:
		if node != "node-b" {
			t.Fatalf("got %q, want node-b", node)
		}
	default:
		t.Fatal("expected TypeSupported notification")
	}
}

func TestSubscribeReplaysCachedAdvertisements(t *testing.T) {
	d := New()
	link := peerlink.New("127.0.0.1:1", "127.0.0.1:0", nil)
	d.Advertise("node-a", link, []string{"echo.v1"})

	// A subscriber arriving after the advertisement must still see it
	// (spec.md §9 open question 2: advertisements are cached).
	sub := newStubSubscriber()
	cached := d.Subscribe("echo.v1", sub)

	if len(cached) != 1 {
		t.Fatalf("got %d cached peers, want 1", len(cached))
	}
	if _, ok := cached["node-a"]; !ok {
		t.Fatal("expected node-a in cached snapshot")
	}
}

func TestGoneNotifiesAndRemoves(t *testing.T) {
	d := New()
	sub := newStubSubscriber()
	d.Subscribe("echo.v1", sub)

	link := peerlink.New("127.0.0.1:1", "127.0.0.1:0", nil)
	d.Advertise("node-b", link, []string{"echo.v1"})
	<-sub.supported

	d.Gone("node-b")
	select {
	case node := <-sub.gone:
		if node != "node-b" {
			t.Fatalf("got %q, want node-b", node)
		}
	default:
		t.Fatal("expected NodeGone notification")
	}

	cached := d.Subscribe("echo.v1", newStubSubscriber())
	if len(cached) != 0 {
		t.Fatalf("got %d peers after Gone, want 0", len(cached))
	}
}

func TestKnownTypes(t *testing.T) {
	d := New()
	link := peerlink.New("127.0.0.1:1", "127.0.0.1:0", nil)
	d.Advertise("node-a", link, []string{"b.v1", "a.v1"})

	types := d.KnownTypes()
	if len(types) != 2 || types[0] != "a.v1" || types[1] != "b.v1" {
		t.Fatalf("got %v, want [a.v1 b.v1]", types)
	}
}
