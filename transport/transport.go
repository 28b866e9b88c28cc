// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
)

// ConnHandler serves one inbound connection. It owns conn and must
// close it. ctx is cancelled when the listener stops serving.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Listener accepts inbound connections from peer daemons.
type Listener interface {
	// Serve accepts connections and runs handler for each in its own
	// goroutine. Blocks until ctx is cancelled or Close is called.
	// Returns nil on clean shutdown.
	Serve(ctx context.Context, handler ConnHandler) error

	// Address returns the address to announce to peer discovery. The
	// format is transport-specific (e.g., "192.168.1.10:3282" for
	// TCP).
	Address() string

	// Close shuts down the listener. Subsequent calls to Serve return
	// immediately.
	Close() error
}

// Dialer opens connections to peer daemons.
type Dialer interface {
	// DialContext opens a connection to a peer daemon at the given
	// address. The address format matches what the peer's
	// Listener.Address() returns.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
