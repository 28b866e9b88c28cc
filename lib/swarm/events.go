// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package swarm

import "github.com/bureau-foundation/drive/lib/archive"

// EventKind names a swarm network event.
type EventKind string

const (
	EventJoined       EventKind = "joined"
	EventLeft         EventKind = "left"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventReconfigured EventKind = "reconfigured"
)

// Event describes network activity for one archive. Connection events
// carry the connection and peer identity; EventDisconnected carries the
// reason in Err.
type Event struct {
	Kind         EventKind
	DiscoveryKey archive.DiscoveryKey
	ConnectionID string
	Remote       string
	PeerID       string
	PeerCount    int
	Err          error
}

type subscriber struct {
	events chan Event
}

// Subscribe returns a channel of events. Events are dropped for a
// subscriber whose buffer is full. Call cancel to stop receiving; the
// channel is not closed.
func (m *Manager) Subscribe() (events <-chan Event, cancel func()) {
	sub := &subscriber{events: make(chan Event, 64)}
	m.subscribersMu.Lock()
	m.subscribers[sub] = struct{}{}
	m.subscribersMu.Unlock()
	return sub.events, func() {
		m.subscribersMu.Lock()
		delete(m.subscribers, sub)
		m.subscribersMu.Unlock()
	}
}

func (m *Manager) publish(event Event) {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()
	for sub := range m.subscribers {
		select {
		case sub.events <- event:
		default:
			m.logger.Debug("swarm event dropped for slow subscriber", "kind", string(event.Kind))
		}
	}
}
