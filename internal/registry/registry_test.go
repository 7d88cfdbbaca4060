package registry

import (
	"errors"
	"sort"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	r.Register("echo", HandlerFunc(func(body string) (string, error) { return body, nil }))

	h, ok := r.Lookup("echo")
	if !ok {
		t.Fatal("expected echo handler to be found")
	}
	result, err := h.Handle("hello")
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result != "hello" {
		t.Fatalf("got %q, want hello", result)
	}

	if _, ok := r.Lookup("missing"); ok {
		t.Fatal("expected missing type-id to be absent")
	}
}

func TestReregisterReplaces(t *testing.T) {
	r := New()
	r.Register("greet", HandlerFunc(func(string) (string, error) { return "v1", nil }))
	r.Register("greet", HandlerFunc(func(string) (string, error) { return "v2", nil }))

	h, _ := r.Lookup("greet")
	result, _ := h.Handle("")
	if result != "v2" {
		t.Fatalf("got %q, want v2 after reregistration", result)
	}
}

func TestHandlerError(t *testing.T) {
	r := New()
	wantErr := errors.New("decode failed")
	r.Register("bad", HandlerFunc(func(string) (string, error) { return "", wantErr }))

	h, _ := r.Lookup("bad")
	_, err := h.Handle("x")
	if err != wantErr {
		t.Fatalf("got err %v, want %v", err, wantErr)
	}
}

func TestSnapshotIsolatedFromLaterRegistrations(t *testing.T) {
	r := New()
	r.Register("a", HandlerFunc(func(string) (string, error) { return "a", nil }))

	snap := r.Snapshot()

	// A registration after the snapshot must not be visible to it.
	r.Register("b", HandlerFunc(func(string) (string, error) { return "b", nil }))

	if _, ok := snap.Lookup("b"); ok {
		t.Fatal("snapshot should not see registrations made after it was taken")
	}
	if _, ok := snap.Lookup("a"); !ok {
		t.Fatal("snapshot should see registrations made before it was taken")
	}

	ids := snap.TypeIDs()
	sort.Strings(ids)
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("got type-ids %v, want [a]", ids)
	}
}

func TestTypeIDs(t *testing.T) {
	r := New()
	r.Register("x", HandlerFunc(func(string) (string, error) { return "", nil }))
	r.Register("y", HandlerFunc(func(string) (string, error) { return "", nil }))

	ids := r.TypeIDs()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "x" || ids[1] != "y" {
		t.Fatalf("got %v, want [x y]", ids)
	}
}
