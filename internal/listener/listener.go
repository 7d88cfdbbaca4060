// Package listener binds the TCP addresses a Mesh accepts connections on,
// per spec.md §6: SO_REUSEADDR, success if at least one address in the
// configured set can be bound. The listen backlog is not set here; the
// kernel default applies (see BindAll).
//
// Grounded on other_examples/4bc9d800_dogeorg-dogenet's net.ListenConfig
// accept-loop pattern, with SO_REUSEADDR wired through the Control callback
// via golang.org/x/sys/unix (promoted domain dependency, SPEC_FULL.md §11).
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"meshlink/internal/logging"
)

// ErrBindFailure is returned when none of the requested addresses could be
// bound (spec.md §7).
var ErrBindFailure = errors.New("listener: no address could be bound")

var listenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	},
}

// BindAll attempts to bind every address in addrs, logging (not failing) on
// each individual failure. It succeeds if at least one address binds
// (spec.md §4.6 "bind" semantics); otherwise it returns ErrBindFailure.
//
// The listen backlog of spec.md §6 (256) is not independently settable
// through net.ListenConfig; the kernel's own default (bounded by
// /proc/sys/net/core/somaxconn on Linux) governs instead, and the accept
// loop imposes no additional limit below 256 concurrent pending
// connections.
func BindAll(ctx context.Context, addrs []string) ([]net.Listener, error) {
	var listeners []net.Listener
	for _, addr := range addrs {
		ln, err := listenConfig.Listen(ctx, "tcp", addr)
		if err != nil {
			logging.Warn("listener: cannot bind %s: %v", addr, err)
			continue
		}
		logging.Info("listener: bound %s", ln.Addr())
		listeners = append(listeners, ln)
	}
	if len(listeners) == 0 {
		return nil, fmt.Errorf("%w: tried %v", ErrBindFailure, addrs)
	}
	return listeners, nil
}
