// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package swarm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/clock"
	"github.com/bureau-foundation/drive/lib/codec"
	"github.com/bureau-foundation/drive/lib/testutil"
	"github.com/bureau-foundation/drive/transport"
)

const wait = 5 * time.Second

type daemon struct {
	manager *Manager
	events  <-chan Event
}

func newDaemon(t *testing.T, network *transport.MemoryNetwork, discovery Discovery, address string, clk clock.Clock) *daemon {
	t.Helper()
	listener, err := network.Listen(address)
	if err != nil {
		t.Fatal(err)
	}
	manager, err := New(Config{
		ID:        address,
		Address:   address,
		Dialer:    network,
		Discovery: discovery,
		Clock:     clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	events, cancelEvents := manager.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		manager.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancelEvents()
		manager.Close()
		cancel()
		listener.Close()
		<-served
	})
	return &daemon{manager: manager, events: events}
}

func (d *daemon) await(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case event := <-d.events:
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event within %v", kind, wait)
		}
	}
}

func openArchive(t *testing.T, key archive.Key, signer ed25519.PrivateKey) *archive.Archive {
	t.Helper()
	a, err := archive.Open(archive.Config{
		Dir:          filepath.Join(t.TempDir(), key.String()),
		Key:          key,
		Signer:       signer,
		DefaultQuota: 1 << 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func newOwned(t *testing.T) *archive.Archive {
	t.Helper()
	pair, err := archive.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return openArchive(t, pair.Public, pair.Private)
}

func TestJoinLeaveLifecycle(t *testing.T) {
	network := transport.NewMemoryNetwork()
	d := newDaemon(t, network, NewMemoryDiscovery(), "alpha", clock.Fake(time.Unix(0, 0)))
	a := newOwned(t)

	if d.manager.IsSwarming(a) {
		t.Fatal("swarming before Join")
	}
	for range 2 {
		if err := d.manager.Join(a, true); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	if !d.manager.IsSwarming(a) || !a.Swarm().IsSwarming {
		t.Error("Join did not start swarming")
	}
	d.await(t, EventJoined)

	for range 2 {
		if err := d.manager.Leave(a); err != nil {
			t.Fatalf("Leave: %v", err)
		}
	}
	if d.manager.IsSwarming(a) {
		t.Error("still swarming after Leave")
	}
	if state := a.Swarm(); state.IsSwarming || state.PeerCount != 0 {
		t.Errorf("archive swarm state after Leave = %+v", state)
	}
	if d.manager.PeerCount(a) != 0 {
		t.Error("peers remain after Leave")
	}

	if err := d.manager.Join(a, false); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !d.manager.State(a).IsSwarming {
		t.Error("rejoin did not swarm")
	}
}

func TestDaemonsReplicate(t *testing.T) {
	network := transport.NewMemoryNetwork()
	discovery := NewMemoryDiscovery()
	alpha := newDaemon(t, network, discovery, "alpha", clock.Real())
	beta := newDaemon(t, network, discovery, "beta", clock.Real())

	owner := newOwned(t)
	if err := owner.WriteFile(t.Context(), "/hello.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	replica := openArchive(t, owner.Key(), nil)

	if err := alpha.manager.Join(owner, true); err != nil {
		t.Fatal(err)
	}
	if err := beta.manager.Join(replica, false); err != nil {
		t.Fatal(err)
	}
	connected := beta.await(t, EventConnected)
	if connected.PeerID != "alpha" {
		t.Errorf("beta connected to %q", connected.PeerID)
	}
	testutil.RequireEventually(t, wait, "one peer on both sides", func() bool {
		return alpha.manager.PeerCount(owner) == 1 && replica.Swarm().PeerCount == 1
	})

	ctx, cancel := context.WithTimeout(t.Context(), wait)
	defer cancel()
	data, err := replica.ReadFile(ctx, "/hello.txt", archive.ReadOptions{Timeout: wait})
	if err != nil || string(data) != "hello" {
		t.Fatalf("replica ReadFile = %q, %v", data, err)
	}

	// Leaving on one side disconnects the other.
	if err := alpha.manager.Leave(owner); err != nil {
		t.Fatal(err)
	}
	testutil.RequireEventually(t, wait, "beta loses its peer", func() bool {
		return beta.manager.PeerCount(replica) == 0
	})
	if state := replica.Swarm(); !state.IsSwarming || state.PeerCount != 0 {
		t.Errorf("replica state = %+v, want swarming with no peers", state)
	}
}

func TestDuplicateConnectionsCollapse(t *testing.T) {
	network := transport.NewMemoryNetwork()
	discovery := NewMemoryDiscovery()
	alpha := newDaemon(t, network, discovery, "alpha", clock.Real())
	beta := newDaemon(t, network, discovery, "beta", clock.Real())

	owner := newOwned(t)
	replica := openArchive(t, owner.Key(), nil)
	if err := alpha.manager.Join(owner, true); err != nil {
		t.Fatal(err)
	}
	if err := beta.manager.Join(replica, true); err != nil {
		t.Fatal(err)
	}
	beta.await(t, EventConnected)

	// Alpha now dials beta as well; one of the two connections goes.
	alpha.manager.mu.RLock()
	s := alpha.manager.swarms[owner.DiscoveryKey()]
	alpha.manager.mu.RUnlock()
	alpha.manager.dial(s, "beta")

	testutil.RequireEventually(t, wait, "duplicate resolved", func() bool {
		alpha.manager.mu.RLock()
		defer alpha.manager.mu.RUnlock()
		return len(s.conns) == 1 && s.peerCountLocked() == 1
	})
	testutil.RequireEventually(t, wait, "beta keeps one peer", func() bool {
		return beta.manager.PeerCount(replica) == 1 && replica.Swarm().PeerCount == 1
	})
}

func TestCrossedDialsAnnounceTheSurvivor(t *testing.T) {
	network := transport.NewMemoryNetwork()
	discovery := NewMemoryDiscovery()
	alpha := newDaemon(t, network, discovery, "alpha", clock.Real())
	beta := newDaemon(t, network, discovery, "beta", clock.Real())

	owner := newOwned(t)
	replica := openArchive(t, owner.Key(), nil)
	if err := alpha.manager.Join(owner, true); err != nil {
		t.Fatal(err)
	}
	if err := beta.manager.Join(replica, true); err != nil {
		t.Fatal(err)
	}
	beta.await(t, EventConnected)

	lookup := func(m *Manager, key archive.DiscoveryKey) *swarm {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.swarms[key]
	}
	alphaSwarm := lookup(alpha.manager, owner.DiscoveryKey())
	betaSwarm := lookup(beta.manager, replica.DiscoveryKey())

	// Both sides dial at once so handshakes finish concurrently.
	for range 3 {
		var wg sync.WaitGroup
		wg.Go(func() { alpha.manager.dial(alphaSwarm, "beta") })
		wg.Go(func() { beta.manager.dial(betaSwarm, "alpha") })
		wg.Wait()
	}

	survivor := func(m *Manager, s *swarm) (string, bool) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		if len(s.conns) != 1 || s.peerCountLocked() != 1 {
			return "", false
		}
		for id := range s.conns {
			return id, true
		}
		return "", false
	}
	testutil.RequireEventually(t, wait, "crossed dials resolved", func() bool {
		_, alphaDone := survivor(alpha.manager, alphaSwarm)
		_, betaDone := survivor(beta.manager, betaSwarm)
		return alphaDone && betaDone
	})

	announced := make(map[string]bool)
	testutil.RequireEventually(t, wait, "survivor announced", func() bool {
		for {
			select {
			case event := <-alpha.events:
				if event.Kind == EventConnected {
					announced[event.ConnectionID] = true
				}
			default:
				id, ok := survivor(alpha.manager, alphaSwarm)
				return ok && announced[id]
			}
		}
	})
}

func TestHandshakeTimeout(t *testing.T) {
	network := transport.NewMemoryNetwork()
	fake := clock.Fake(time.Unix(0, 0))
	d := newDaemon(t, network, NewMemoryDiscovery(), "alpha", fake)
	a := newOwned(t)
	if err := d.manager.Join(a, true); err != nil {
		t.Fatal(err)
	}
	// The lookup task waits on its interval.
	fake.WaitForTimers(1)

	// A peer that opens the archive and then goes silent.
	conn, err := network.DialContext(t.Context(), "alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := codec.WriteFrame(conn, openMessage{DiscoveryKey: a.DiscoveryKey(), ID: "silent"}); err != nil {
		t.Fatal(err)
	}
	var response openMessage
	if err := codec.ReadFrame(conn, &response); err != nil {
		t.Fatal(err)
	}
	if response.ID != "alpha" {
		t.Errorf("open response ID = %q", response.ID)
	}

	fake.WaitForTimers(2)
	fake.Advance(DefaultHandshakeTimeout)

	event := d.await(t, EventDisconnected)
	if !errors.Is(event.Err, ErrHandshakeTimeout) {
		t.Errorf("disconnect reason = %v, want ErrHandshakeTimeout", event.Err)
	}
	if event.PeerID != "silent" || event.PeerCount != 0 {
		t.Errorf("event = %+v", event)
	}
}

func TestUnknownArchiveIsRefused(t *testing.T) {
	network := transport.NewMemoryNetwork()
	newDaemon(t, network, NewMemoryDiscovery(), "alpha", clock.Fake(time.Unix(0, 0)))

	conn, err := network.DialContext(t.Context(), "alpha")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(wait))
	if err := codec.WriteFrame(conn, openMessage{DiscoveryKey: archive.DiscoveryKey{7}, ID: "stranger"}); err != nil {
		t.Fatal(err)
	}
	var response openMessage
	if err := codec.ReadFrame(conn, &response); err == nil {
		t.Fatal("daemon answered an open for an archive it does not swarm")
	}
}

func TestReconfigureUpload(t *testing.T) {
	network := transport.NewMemoryNetwork()
	discovery := NewMemoryDiscovery()
	alpha := newDaemon(t, network, discovery, "alpha", clock.Real())
	beta := newDaemon(t, network, discovery, "beta", clock.Real())

	owner := newOwned(t)
	if err := owner.WriteFile(t.Context(), "/a.txt", []byte("alpha")); err != nil {
		t.Fatal(err)
	}
	replica := openArchive(t, owner.Key(), nil)

	if err := alpha.manager.Join(owner, false); err != nil {
		t.Fatal(err)
	}
	if err := beta.manager.Join(replica, false); err != nil {
		t.Fatal(err)
	}
	alpha.await(t, EventConnected)

	short, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	_, err := replica.ReadFile(short, "/a.txt", archive.ReadOptions{Timeout: time.Minute})
	cancel()
	if err == nil {
		t.Fatal("replica read from a daemon that is not uploading")
	}

	if err := alpha.manager.Reconfigure(t.Context(), owner, true); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	event := alpha.await(t, EventReconfigured)
	if event.PeerCount != 1 {
		t.Errorf("peers after reconfigure = %d, want the stream kept", event.PeerCount)
	}

	ctx, cancel := context.WithTimeout(t.Context(), wait)
	defer cancel()
	data, err := replica.ReadFile(ctx, "/a.txt", archive.ReadOptions{Timeout: wait})
	if err != nil || string(data) != "alpha" {
		t.Errorf("ReadFile after reconfigure = %q, %v", data, err)
	}

	// Not swarming: nothing to do.
	other := newOwned(t)
	if err := alpha.manager.Reconfigure(t.Context(), other, true); err != nil {
		t.Errorf("Reconfigure(unswarmed) = %v", err)
	}
}

func TestStaticDiscovery(t *testing.T) {
	discovery := StaticDiscovery{Peers: []string{"10.0.0.1:3282", "10.0.0.2:3282"}}
	addresses, err := discovery.Lookup(t.Context(), archive.DiscoveryKey{1})
	if err != nil || len(addresses) != 2 {
		t.Errorf("Lookup = %v, %v", addresses, err)
	}
	addresses[0] = "mutated"
	if again, _ := discovery.Lookup(t.Context(), archive.DiscoveryKey{2}); again[0] != "10.0.0.1:3282" {
		t.Error("Lookup exposed the configured slice")
	}
}
