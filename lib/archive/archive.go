// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive implements drives: versioned, append-only file trees
// identified by an ed25519 public key.
//
// An archive is two signed feeds. The metadata feed records file tree
// mutations, one CBOR record per block; the content feed holds file
// bytes in fixed-size blocks referenced by those records. Only the key
// holder appends. Other processes replicate the feeds from peers,
// verifying every head signature and every block hash, and may hold the
// content sparsely.
package archive

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bureau-foundation/drive/lib/archivestore"
	"github.com/bureau-foundation/drive/lib/clock"
	"github.com/bureau-foundation/drive/lib/codec"
)

// BlockSize is the content feed block size.
const BlockSize = 64 * 1024

// DefaultTimeout bounds reads that wait for data from peers.
const DefaultTimeout = 5 * time.Second

// NoWait as a ReadOptions timeout reads only what is already local.
const NoWait time.Duration = -1

// Config describes an archive to open.
type Config struct {
	// Dir holds the archive's feeds. It is created if missing.
	Dir string

	Key Key

	// Signer is the private half of Key. Nil opens the archive
	// read-only.
	Signer ed25519.PrivateKey

	// DefaultQuota applies when the user settings leave BytesAllowed
	// unset.
	DefaultQuota uint64

	Clock  clock.Clock
	Logger *slog.Logger
}

// SwarmState is the archive's network participation, maintained by the
// swarm manager.
type SwarmState struct {
	IsSwarming bool `cbor:"isSwarming" json:"isSwarming"`
	PeerCount  int  `cbor:"peerCount" json:"peerCount"`
}

// Archive is one open drive. It is safe for concurrent use; writes are
// serialized internally.
type Archive struct {
	key          Key
	discoveryKey DiscoveryKey
	signer       ed25519.PrivateKey
	dir          string
	defaultQuota uint64
	clock        clock.Clock
	logger       *slog.Logger

	metadata *Feed
	content  *Feed

	// writeMu orders appends: content blocks, then the metadata record
	// that references them.
	writeMu sync.Mutex

	indexMu sync.Mutex
	index   *tree

	stateMu  sync.RWMutex
	settings archivestore.UserSettings
	swarm    SwarmState

	changedMu sync.Mutex
	changed   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens or creates the archive stored in cfg.Dir.
func Open(cfg Config) (*Archive, error) {
	if cfg.Key.IsZero() {
		return nil, fmt.Errorf("archive: Key is required")
	}
	if cfg.Signer != nil {
		public, ok := cfg.Signer.Public().(ed25519.PublicKey)
		if !ok || Key(public) != cfg.Key {
			return nil, fmt.Errorf("archive: signer does not match key %s", cfg.Key)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("archive: creating %s: %w", cfg.Dir, err)
	}

	a := &Archive{
		key:          cfg.Key,
		discoveryKey: cfg.Key.Discovery(),
		signer:       cfg.Signer,
		dir:          cfg.Dir,
		defaultQuota: cfg.DefaultQuota,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With("key", cfg.Key.String()),
		index:        newTree(),
		settings:     archivestore.UserSettings{Key: cfg.Key.String()},
		changed:      make(chan struct{}),
		closed:       make(chan struct{}),
	}

	var err error
	a.metadata, err = openFeed(feedConfig{
		name:     MetadataFeed,
		dir:      filepath.Join(cfg.Dir, MetadataFeed),
		key:      cfg.Key,
		signer:   cfg.Signer,
		eager:    true,
		onChange: a.notify,
		logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.content, err = openFeed(feedConfig{
		name:     ContentFeed,
		dir:      filepath.Join(cfg.Dir, ContentFeed),
		key:      cfg.Key,
		signer:   cfg.Signer,
		onChange: a.notify,
		logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Key is the archive's public key.
func (a *Archive) Key() Key { return a.key }

// DiscoveryKey is the hash of Key that peers announce and look up.
func (a *Archive) DiscoveryKey() DiscoveryKey { return a.discoveryKey }

// Dir is the directory holding both feeds.
func (a *Archive) Dir() string { return a.dir }

// Metadata is the feed of entry records.
func (a *Archive) Metadata() *Feed { return a.metadata }

// Content is the feed of file blocks.
func (a *Archive) Content() *Feed { return a.content }

// IsOwner reports whether this process holds the signing key.
func (a *Archive) IsOwner() bool { return a.signer != nil }

// UserSettings returns the settings last attached by the registry.
func (a *Archive) UserSettings() archivestore.UserSettings {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.settings
}

// SetUserSettings attaches new settings and returns the previous ones.
func (a *Archive) SetUserSettings(settings archivestore.UserSettings) archivestore.UserSettings {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	previous := a.settings
	a.settings = settings
	return previous
}

// Swarm returns the current network participation.
func (a *Archive) Swarm() SwarmState {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.swarm
}

// SetSwarm records network participation. Only the swarm manager
// calls it.
func (a *Archive) SetSwarm(state SwarmState) {
	a.stateMu.Lock()
	a.swarm = state
	a.stateMu.Unlock()
	a.notify()
}

// Uploading reports whether peers may download from this archive. An
// unsaved archive never uploads.
func (a *Archive) Uploading() bool {
	return a.UserSettings().IsSaved
}

// EffectiveQuota is BytesAllowed, or the default when unset.
func (a *Archive) EffectiveQuota() uint64 {
	if allowed := a.UserSettings().BytesAllowed; allowed != 0 {
		return allowed
	}
	return a.defaultQuota
}

// ByteSize is the total size of the content feed, which is every byte
// any version of any file has referenced.
func (a *Archive) ByteSize() uint64 { return a.content.ByteLength() }

// MetaSize is the total size of the metadata feed.
func (a *Archive) MetaSize() uint64 { return a.metadata.ByteLength() }

// Changed returns a channel closed at the next change to either feed
// or to the swarm state.
func (a *Archive) Changed() <-chan struct{} {
	a.changedMu.Lock()
	defer a.changedMu.Unlock()
	return a.changed
}

func (a *Archive) notify() {
	a.changedMu.Lock()
	close(a.changed)
	a.changed = make(chan struct{})
	a.changedMu.Unlock()
}

// Close releases the archive. Pending reads fail with ErrClosed.
func (a *Archive) Close() error {
	a.closeOnce.Do(func() { close(a.closed) })
	return nil
}

// Done is closed when the archive is closed.
func (a *Archive) Done() <-chan struct{} { return a.closed }

// refreshIndex applies every local metadata block not yet indexed.
func (a *Archive) refreshIndex() {
	length := a.metadata.Length()

	a.indexMu.Lock()
	defer a.indexMu.Unlock()
	for seq := a.index.prefix; seq < length; seq++ {
		if a.index.isApplied(seq) || !a.metadata.Has(seq) {
			continue
		}
		data, err := a.metadata.Get(seq)
		if err != nil {
			a.logger.Warn("metadata block unreadable", "index", seq, "error", err)
			continue
		}
		var rec record
		if err := codec.Unmarshal(data, &rec); err != nil || rec.Entry.Name == "" {
			a.logger.Warn("metadata record malformed, skipping", "index", seq, "error", err)
			a.index.apply(seq, nil)
			continue
		}
		rec.Entry.Name = CleanPath(rec.Entry.Name)
		a.index.apply(seq, &rec)
	}
}

func (a *Archive) lookup(name string) (Entry, bool) {
	a.refreshIndex()
	a.indexMu.Lock()
	defer a.indexMu.Unlock()
	return a.index.lookup(name)
}
