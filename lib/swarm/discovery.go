// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package swarm

import (
	"context"
	"slices"
	"sync"

	"github.com/bureau-foundation/drive/lib/archive"
)

// Discovery finds the addresses of peers swarming an archive.
type Discovery interface {
	// Announce advertises that address serves the archive.
	Announce(ctx context.Context, key archive.DiscoveryKey, address string) error

	// Unannounce withdraws an earlier Announce.
	Unannounce(ctx context.Context, key archive.DiscoveryKey, address string) error

	// Lookup returns candidate peer addresses. It may include the
	// caller's own address.
	Lookup(ctx context.Context, key archive.DiscoveryKey) ([]string, error)
}

// MemoryDiscovery is an in-process rendezvous shared by every Manager
// in a test.
type MemoryDiscovery struct {
	mu    sync.Mutex
	peers map[archive.DiscoveryKey]map[string]struct{}
}

var _ Discovery = (*MemoryDiscovery)(nil)

func NewMemoryDiscovery() *MemoryDiscovery {
	return &MemoryDiscovery{peers: make(map[archive.DiscoveryKey]map[string]struct{})}
}

func (d *MemoryDiscovery) Announce(_ context.Context, key archive.DiscoveryKey, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.peers[key] == nil {
		d.peers[key] = make(map[string]struct{})
	}
	d.peers[key][address] = struct{}{}
	return nil
}

func (d *MemoryDiscovery) Unannounce(_ context.Context, key archive.DiscoveryKey, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers[key], address)
	if len(d.peers[key]) == 0 {
		delete(d.peers, key)
	}
	return nil
}

func (d *MemoryDiscovery) Lookup(_ context.Context, key archive.DiscoveryKey) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addresses := make([]string, 0, len(d.peers[key]))
	for address := range d.peers[key] {
		addresses = append(addresses, address)
	}
	slices.Sort(addresses)
	return addresses, nil
}

// StaticDiscovery offers a fixed peer list for every archive. Peers that
// do not swarm a given archive drop the connection after the first
// frame.
type StaticDiscovery struct {
	Peers []string
}

var _ Discovery = StaticDiscovery{}

func (StaticDiscovery) Announce(context.Context, archive.DiscoveryKey, string) error   { return nil }
func (StaticDiscovery) Unannounce(context.Context, archive.DiscoveryKey, string) error { return nil }

func (d StaticDiscovery) Lookup(context.Context, archive.DiscoveryKey) ([]string, error) {
	return slices.Clone(d.Peers), nil
}
