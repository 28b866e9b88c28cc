// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package library

import (
	"context"
	"errors"
	"time"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/archivestore"
	"github.com/bureau-foundation/drive/lib/registry"
)

// ArchiveInfo is one QueryArchives result: stored settings and cached
// metadata, plus the live peer count of loaded archives.
type ArchiveInfo struct {
	Key          string    `cbor:"key" json:"key"`
	URL          string    `cbor:"url" json:"url"`
	Title        string    `cbor:"title" json:"title"`
	Description  string    `cbor:"description" json:"description"`
	Size         int64     `cbor:"size" json:"size"`
	MetaSize     int64     `cbor:"metaSize" json:"metaSize"`
	Mtime        time.Time `cbor:"mtime" json:"mtime"`
	IsOwner      bool      `cbor:"isOwner" json:"isOwner"`
	IsSaved      bool      `cbor:"isSaved" json:"isSaved"`
	BytesAllowed uint64    `cbor:"bytesAllowed" json:"bytesAllowed"`
	Peers        int       `cbor:"peers" json:"peers"`
}

// QueryArchives lists the archives with stored settings that match
// filter.
func (l *Library) QueryArchives(ctx context.Context, filter archivestore.Filter) ([]ArchiveInfo, error) {
	records, err := l.store.QueryUserSettings(ctx, filter, true)
	if err != nil {
		return nil, err
	}
	infos := make([]ArchiveInfo, 0, len(records))
	for _, record := range records {
		info := ArchiveInfo{
			Key:          record.Key,
			IsSaved:      record.IsSaved,
			BytesAllowed: record.BytesAllowed,
		}
		if meta := record.Meta; meta != nil {
			info.Title = meta.Title
			info.Description = meta.Description
			info.Size = meta.Size
			info.MetaSize = meta.MetaSize
			info.Mtime = meta.Mtime
			info.IsOwner = meta.IsOwner
		}
		if key, err := archive.ParseKey(record.Key); err == nil {
			info.URL = key.URL()
			if a := l.registry.Get(key); a != nil {
				info.Peers = a.Swarm().PeerCount
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DetailsOptions selects the optional parts of GetArchiveDetails.
type DetailsOptions struct {
	Entries         bool `cbor:"entries,omitempty" json:"entries,omitempty"`
	ContentBitfield bool `cbor:"contentBitfield,omitempty" json:"contentBitfield,omitempty"`
}

// Details is a snapshot of one archive.
type Details struct {
	archivestore.Meta

	URL          string                    `cbor:"url" json:"url"`
	UserSettings archivestore.UserSettings `cbor:"userSettings" json:"userSettings"`

	// Blocks is the metadata feed length; ContentBlocks the content
	// feed length.
	Blocks        uint64 `cbor:"blocks" json:"blocks"`
	ContentBlocks uint64 `cbor:"contentBlocks" json:"contentBlocks"`

	Peers      int  `cbor:"peers" json:"peers"`
	IsSwarming bool `cbor:"isSwarming" json:"isSwarming"`

	Entries         []archive.Entry `cbor:"entries,omitempty" json:"entries,omitempty"`
	ContentBitfield []byte          `cbor:"contentBitfield,omitempty" json:"contentBitfield,omitempty"`
}

// GetArchiveDetails resolves name, loads the archive and assembles its
// snapshot. A listing that is not available in time is left empty
// rather than failing the call.
func (l *Library) GetArchiveDetails(ctx context.Context, name string, opts DetailsOptions) (Details, error) {
	key, err := l.resolver.ResolveName(ctx, name)
	if err != nil {
		return Details{}, err
	}
	a, err := l.registry.GetOrLoad(ctx, key, registry.LoadOptions{})
	if err != nil {
		return Details{}, err
	}
	meta, err := l.store.GetMeta(ctx, key.String())
	if err != nil {
		return Details{}, err
	}
	settings, err := l.store.GetUserSettings(ctx, key.String())
	if err != nil {
		return Details{}, err
	}

	state := a.Swarm()
	details := Details{
		Meta:          meta,
		URL:           key.URL(),
		UserSettings:  settings,
		Blocks:        a.Metadata().Length(),
		ContentBlocks: a.Content().Length(),
		Peers:         state.PeerCount,
		IsSwarming:    state.IsSwarming,
	}
	details.MetaSize = int64(a.MetaSize())
	details.IsOwner = a.IsOwner()

	if opts.Entries {
		entries, err := a.Entries(ctx, archive.ReadOptions{})
		switch {
		case errors.Is(err, archive.ErrTimeout):
			l.logger.Debug("archive listing not available for details", "key", key.String(), "error", err)
		case err != nil:
			return Details{}, err
		default:
			details.Entries = entries
		}
	}
	if opts.ContentBitfield {
		details.ContentBitfield = a.Content().Bitfield()
	}
	return details, nil
}

// ProgressStats counts held blocks against known blocks.
type ProgressStats struct {
	BlocksProgress uint64 `cbor:"blocksProgress" json:"blocksProgress"`
	BlocksTotal    uint64 `cbor:"blocksTotal" json:"blocksTotal"`
}

// ContentStats adds the byte total of the current files.
type ContentStats struct {
	BytesTotal     uint64 `cbor:"bytesTotal" json:"bytesTotal"`
	BlocksProgress uint64 `cbor:"blocksProgress" json:"blocksProgress"`
	BlocksTotal    uint64 `cbor:"blocksTotal" json:"blocksTotal"`
}

// Stats reports download progress of an archive's current files.
type Stats struct {
	Peers      int           `cbor:"peers" json:"peers"`
	FilesTotal int           `cbor:"filesTotal" json:"filesTotal"`
	Meta       ProgressStats `cbor:"meta" json:"meta"`
	Content    ContentStats  `cbor:"content" json:"content"`
}

// GetArchiveStats tallies the archive's local state without waiting
// for peers.
func (l *Library) GetArchiveStats(ctx context.Context, key archive.Key) (Stats, error) {
	a, err := l.registry.GetOrLoad(ctx, key, registry.LoadOptions{})
	if err != nil {
		return Stats{}, err
	}
	entries, err := a.Entries(ctx, archive.ReadOptions{Timeout: archive.NoWait})
	if err != nil {
		return Stats{}, err
	}

	metadata := a.Metadata()
	stats := Stats{
		Peers: a.Swarm().PeerCount,
		Meta: ProgressStats{
			BlocksProgress: metadata.DownloadedTotal(),
			BlocksTotal:    metadata.Length(),
		},
	}
	for _, entry := range entries {
		if entry.IsDirectory() {
			continue
		}
		stats.FilesTotal++
		stats.Content.BytesTotal += entry.Length
		stats.Content.BlocksTotal += entry.Blocks
		stats.Content.BlocksProgress += a.CountDownloadedBlocks(entry)
	}
	return stats, nil
}
