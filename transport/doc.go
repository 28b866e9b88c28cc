// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries peer connections for archive swarms.
//
// The package defines two interfaces: [Listener] accepts inbound
// connections from peer daemons (Serve, Address, Close), and [Dialer]
// opens outbound connections to the addresses peer discovery returns.
// Both deal in plain net.Conn values; the swarm layer frames its own
// protocol on top.
//
// [TCPListener] and [TCPDialer] are the production implementation.
// [MemoryNetwork] connects listeners and dialers inside one process
// through net.Pipe, so swarm tests run several daemons without
// sockets.
//
// [Authenticate] runs a mutual challenge-response on a fresh
// connection. Each side proves knowledge of a shared secret (for
// swarms, the archive public key that the discovery key is derived
// from) bound to the identity of the peer it is answering.
package transport
