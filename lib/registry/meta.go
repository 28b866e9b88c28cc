// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/archivestore"
)

// Refresh reads a's manifest and sizes and stores them as the cached
// metadata, then publishes EventUpdateArchive.
func (r *Registry) Refresh(ctx context.Context, a *archive.Archive) (archivestore.Meta, error) {
	manifest, err := a.ReadManifest(ctx, archive.ReadOptions{Timeout: archive.NoWait})
	if err != nil {
		// A manifest that is missing its blocks or unparseable still
		// leaves sizes worth recording.
		r.logger.Debug("manifest unreadable during refresh", "key", a.Key().String(), "error", err)
		manifest = archive.Manifest{}
	}
	meta := archivestore.Meta{
		Key:         a.Key().String(),
		Title:       manifest.Title,
		Description: manifest.Description,
		Author:      manifest.Author,
		Version:     manifest.Version,
		ForkOf:      manifest.ForkOf,
		CreatedBy:   manifest.CreatedBy,
		Mtime:       r.clock.Now(),
		Size:        int64(a.ByteSize()),
		MetaSize:    int64(a.MetaSize()),
		IsOwner:     a.IsOwner(),
	}
	if err := r.store.SetMeta(ctx, meta.Key, meta); err != nil {
		return archivestore.Meta{}, err
	}
	r.publish(Event{Kind: EventUpdateArchive, Key: a.Key(), Meta: &meta})
	return meta, nil
}

// watch refreshes a's cached metadata once changes to it have been
// quiet for the debounce period. changed must be taken from a before
// the archive is published, so no write can slip in unseen. Refresh
// failures are logged.
func (r *Registry) watch(a *archive.Archive, changed <-chan struct{}) {
	for {
		select {
		case <-changed:
		case <-a.Done():
			return
		}

		changed = a.Changed()
		deadline := r.clock.After(r.metaDebounce)
		for quiet := false; !quiet; {
			select {
			case <-changed:
				changed = a.Changed()
				deadline = r.clock.After(r.metaDebounce)
			case <-deadline:
				quiet = true
			case <-a.Done():
				return
			}
		}

		if _, err := r.Refresh(context.Background(), a); err != nil {
			r.logger.Warn("refreshing archive metadata failed", "key", a.Key().String(), "error", err)
		}
	}
}
