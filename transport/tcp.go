// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts inbound TCP connections from peer daemons. It
// requires direct TCP reachability between daemons.
type TCPListener struct {
	listener net.Listener

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCPListener creates a TCP listener on the specified address
// (e.g., ":3282" or "192.168.1.10:3282"). Use ":0" for a random
// available port.
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener, closed: make(chan struct{})}, nil
}

// Serve accepts TCP connections and hands each to handler.
// Blocks until ctx is cancelled or Close is called. Handlers still
// running when Serve returns see their context cancelled.
func (l *TCPListener) Serve(ctx context.Context, handler ConnHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-l.closed:
		}
		l.listener.Close()
	}()

	var handlers sync.WaitGroup
	defer handlers.Wait()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || l.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		handlers.Go(func() { handler(ctx, conn) })
	}
}

func (l *TCPListener) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// Address returns the TCP address in "host:port" format.
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

// Close shuts down the TCP listener.
func (l *TCPListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.listener.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// TCPDialer opens TCP connections to peer daemons.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a TCP connection to be
	// established. Zero means no standalone timeout: only the context
	// deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to the given address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
