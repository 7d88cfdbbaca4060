package mesh

import (
	"context"
	"testing"
	"time"

	"meshlink/internal/registry"
)

func TestGetRecipientIsIdempotent(t *testing.T) {
	m, err := New("127.0.0.1:17101")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.shutdown()

	r1 := m.GetRecipient("echo.v1")
	r2 := m.GetRecipient("echo.v1")
	if r1.p != r2.p {
		t.Fatal("expected GetRecipient to return Recipients backed by the same Proxy for repeated calls")
	}
}

func TestBootstrapHandshakeAndTypedRoundTrip(t *testing.T) {
	addrA := "127.0.0.1:17102"
	addrB := "127.0.0.1:17103"

	a, err := New(addrA)
	if err != nil {
		t.Fatalf("New(A): %v", err)
	}
	b, err := New(addrB)
	if err != nil {
		t.Fatalf("New(B): %v", err)
	}

	b.RegisterRecipient("echo.v1", registry.HandlerFunc(func(body string) (string, error) {
		return body, nil
	}))

	a.AddNode(addrB)
	b.AddNode(addrA)

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelA()
	defer cancelB()

	go a.Start(ctxA)
	go b.Start(ctxB)
	defer func() {
		cancelA()
		cancelB()
		time.Sleep(50 * time.Millisecond)
	}()

	recipient := a.GetRecipient("echo.v1")

	var result string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		result, err = recipient.Send(context.Background(), "hello", 500*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Send never succeeded: %v", err)
	}
	if result != "hello" {
		t.Fatalf("got %q, want hello", result)
	}
}
