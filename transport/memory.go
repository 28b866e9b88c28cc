// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Compile-time interface checks.
var (
	_ Listener = (*MemoryListener)(nil)
	_ Dialer   = (*MemoryNetwork)(nil)
)

// MemoryNetwork is an in-process network for tests. Listeners register
// under a name; dialing that name hands one end of a net.Pipe to the
// listener's handler.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryListener
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*MemoryListener)}
}

// Listen registers a listener at address.
func (n *MemoryNetwork) Listen(address string) (*MemoryListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.listeners[address]; exists {
		return nil, fmt.Errorf("transport: memory address %q already in use", address)
	}
	listener := &MemoryListener{
		network: n,
		address: address,
		accept:  make(chan net.Conn),
		closed:  make(chan struct{}),
	}
	n.listeners[address] = listener
	return listener, nil
}

// DialContext connects to the listener at address.
func (n *MemoryNetwork) DialContext(ctx context.Context, address string) (net.Conn, error) {
	n.mu.Lock()
	listener, ok := n.listeners[address]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: dial %s: connection refused", address)
	}

	local, remote := net.Pipe()
	select {
	case listener.accept <- remote:
		return local, nil
	case <-listener.closed:
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("transport: dial %s: connection refused", address)
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

// MemoryListener is a listener on a MemoryNetwork.
type MemoryListener struct {
	network *MemoryNetwork
	address string
	accept  chan net.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func (l *MemoryListener) Serve(ctx context.Context, handler ConnHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var handlers sync.WaitGroup
	defer handlers.Wait()
	for {
		select {
		case conn := <-l.accept:
			handlers.Go(func() { handler(ctx, conn) })
		case <-l.closed:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *MemoryListener) Address() string { return l.address }

func (l *MemoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.mu.Lock()
		delete(l.network.listeners, l.address)
		l.network.mu.Unlock()
	})
	return nil
}
