// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/archivestore"
)

// EventKind names an archive lifecycle event.
type EventKind string

const (
	EventLoaded             EventKind = "loaded"
	EventUnloaded           EventKind = "unloaded"
	EventUpdateArchive      EventKind = "update-archive"
	EventUpdateUserSettings EventKind = "update-user-settings"
)

// Event describes a change to one archive. EventUpdateArchive carries
// either the refreshed Meta or the network policy applied by
// Configure; EventUpdateUserSettings carries Settings.
type Event struct {
	Kind          EventKind                  `cbor:"kind" json:"kind"`
	Key           archive.Key                `cbor:"key" json:"key"`
	Meta          *archivestore.Meta         `cbor:"meta,omitempty" json:"meta,omitempty"`
	Settings      *archivestore.UserSettings `cbor:"settings,omitempty" json:"settings,omitempty"`
	IsUploading   bool                       `cbor:"isUploading,omitempty" json:"isUploading,omitempty"`
	IsDownloading bool                       `cbor:"isDownloading,omitempty" json:"isDownloading,omitempty"`
}

type subscriber struct {
	events chan Event
}

// Subscribe returns a channel of events. Events are dropped for a
// subscriber whose buffer is full. Call cancel to stop receiving; the
// channel is not closed.
func (r *Registry) Subscribe() (events <-chan Event, cancel func()) {
	sub := &subscriber{events: make(chan Event, 64)}
	r.subscribersMu.Lock()
	r.subscribers[sub] = struct{}{}
	r.subscribersMu.Unlock()
	return sub.events, func() {
		r.subscribersMu.Lock()
		delete(r.subscribers, sub)
		r.subscribersMu.Unlock()
	}
}

func (r *Registry) publish(event Event) {
	r.subscribersMu.Lock()
	defer r.subscribersMu.Unlock()
	for sub := range r.subscribers {
		select {
		case sub.events <- event:
		default:
			r.logger.Debug("archive event dropped for slow subscriber", "kind", string(event.Kind))
		}
	}
}
