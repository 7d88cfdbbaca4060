// Command meshlink runs a single node of the actor messaging mesh: it
// binds a listener, optionally dials a bootstrap peer, registers a demo
// "echo" recipient, and serves diagnostics until a shutdown signal arrives.
//
// Usage: meshlink ADDR [PEER]
//
// Grounded on cmd/repram/main.go's env-driven configuration and graceful
// shutdown shape, and on original_source/examples/basic.rs's minimal
// two-node demo (ADDR + optional PEER), supplemented per SPEC_FULL.md §12.5.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"meshlink/internal/diag"
	"meshlink/internal/logging"
	"meshlink/internal/mesh"
	"meshlink/internal/metrics"
	"meshlink/internal/registry"
)

func main() {
	logging.Init()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: meshlink ADDR [PEER]")
		os.Exit(1)
	}
	addr := os.Args[1]
	var peer string
	if len(os.Args) >= 3 {
		peer = os.Args[2]
	}

	m, err := mesh.New(addr)
	if err != nil {
		logging.Error("failed to bind %s: %v", addr, err)
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	m.SetMetrics(metrics.New(promRegistry))

	m.RegisterRecipient("echo.v1", echoHandler())

	if peer != "" {
		m.AddNode(peer)
	}

	// Configuration: one name per setting, no aliases (cmd/repram/main.go
	// style). Unset by default: the diagnostics side-channel is opt-in.
	if diagAddr := os.Getenv("MESHLINK_DIAG_ADDR"); diagAddr != "" {
		diagServer := diag.New(diagAddr, promRegistry, m)
		go func() {
			if err := diagServer.ListenAndServe(); err != nil {
				logging.Warn("diagnostics server stopped: %v", err)
			}
		}()
		logging.Info("  diagnostics: %s", diagAddr)
	}

	logging.Info("meshlink online. Listening on %s", addr)
	if peer != "" {
		logging.Info("  bootstrap peer: %s", peer)
	}

	if err := m.Start(context.Background()); err != nil {
		logging.Error("mesh exited with error: %v", err)
		os.Exit(1)
	}
	logging.Info("meshlink shut down cleanly")
}

// echoHandler is the demo recipient from original_source/examples/basic.rs:
// a handler for type-id "echo.v1" that returns its input unchanged.
func echoHandler() registry.Handler {
	return registry.HandlerFunc(func(body string) (string, error) {
		return body, nil
	})
}
