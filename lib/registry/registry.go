// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the open archives of a daemon.
//
// At most one *archive.Archive exists per key for the life of a
// Registry: concurrent loads of one key share a single in-flight open.
// The registry also applies user settings to the network (saved
// archives upload, unsaved ones only download) and keeps each
// archive's cached metadata in the archive store current.
package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/archivestore"
	"github.com/bureau-foundation/drive/lib/clock"
	"github.com/bureau-foundation/drive/lib/keystore"
)

// DefaultMetaDebounce is the quiet period after an archive change
// before its cached metadata is refreshed.
const DefaultMetaDebounce = time.Second

// DefaultQuota is the per-archive byte quota when Config leaves it
// unset.
const DefaultQuota = 100 << 20

// ErrClosed is returned by loads after Close.
var ErrClosed = errors.New("registry: closed")

// Swarm is the network side of the registry. *swarm.Manager implements
// it.
type Swarm interface {
	Join(a *archive.Archive, upload bool) error
	Leave(a *archive.Archive) error
	Reconfigure(ctx context.Context, a *archive.Archive, upload bool) error
	IsSwarming(a *archive.Archive) bool
}

// Config configures a Registry.
type Config struct {
	// Root holds one directory per archive, named by hex key.
	Root string

	Store    *archivestore.Store
	Keystore *keystore.Keystore
	Swarm    Swarm

	// DefaultQuota applies to archives whose settings leave the quota
	// unset. Zero means the package DefaultQuota.
	DefaultQuota uint64

	MetaDebounce time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// LoadOptions adjusts GetOrLoad.
type LoadOptions struct {
	// NoSwarm opens the archive without joining its swarm.
	NoSwarm bool
}

// Registry maps keys and discovery keys to open archives.
type Registry struct {
	root         string
	store        *archivestore.Store
	keys         *keystore.Keystore
	swarm        Swarm
	defaultQuota uint64
	metaDebounce time.Duration
	clock        clock.Clock
	logger       *slog.Logger

	mu          sync.RWMutex
	archives    map[archive.Key]*archive.Archive
	byDiscovery map[archive.DiscoveryKey]*archive.Archive
	loading     map[archive.Key]*pendingLoad
	closed      bool

	watchers sync.WaitGroup

	subscribersMu sync.Mutex
	subscribers   map[*subscriber]struct{}
}

// pendingLoad is the linearization point for concurrent loads of one
// key. done closes once archive or err is set.
type pendingLoad struct {
	done    chan struct{}
	archive *archive.Archive
	err     error
}

// New creates a Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Root == "" || cfg.Store == nil || cfg.Keystore == nil || cfg.Swarm == nil {
		return nil, fmt.Errorf("registry: Root, Store, Keystore and Swarm are required")
	}
	if cfg.MetaDebounce <= 0 {
		cfg.MetaDebounce = DefaultMetaDebounce
	}
	if cfg.DefaultQuota == 0 {
		cfg.DefaultQuota = DefaultQuota
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		root:         cfg.Root,
		store:        cfg.Store,
		keys:         cfg.Keystore,
		swarm:        cfg.Swarm,
		defaultQuota: cfg.DefaultQuota,
		metaDebounce: cfg.MetaDebounce,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		archives:     make(map[archive.Key]*archive.Archive),
		byDiscovery:  make(map[archive.DiscoveryKey]*archive.Archive),
		loading:      make(map[archive.Key]*pendingLoad),
		subscribers:  make(map[*subscriber]struct{}),
	}, nil
}

// Get returns the open archive for key, or nil.
func (r *Registry) Get(key archive.Key) *archive.Archive {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.archives[key]
}

// GetByDiscoveryKey returns the open archive whose discovery key is
// key, or nil.
func (r *Registry) GetByDiscoveryKey(key archive.DiscoveryKey) *archive.Archive {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byDiscovery[key]
}

// Active returns every open archive, ordered by key.
func (r *Registry) Active() []*archive.Archive {
	r.mu.RLock()
	active := make([]*archive.Archive, 0, len(r.archives))
	for _, a := range r.archives {
		active = append(active, a)
	}
	r.mu.RUnlock()
	slices.SortFunc(active, func(x, y *archive.Archive) int {
		return compareKeys(x.Key(), y.Key())
	})
	return active
}

func compareKeys(x, y archive.Key) int {
	for i := range x {
		if x[i] != y[i] {
			return int(x[i]) - int(y[i])
		}
	}
	return 0
}

// GetOrLoad returns the open archive for key, opening it if needed.
// Concurrent calls for one key open it once and all receive the same
// instance; a caller whose shared open failed only because another
// caller's context ended tries again. Unless opts.NoSwarm is set, an
// archive this call opened or waited for joins its swarm with the
// upload policy of its stored settings.
func (r *Registry) GetOrLoad(ctx context.Context, key archive.Key, opts LoadOptions) (*archive.Archive, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		if a, ok := r.archives[key]; ok {
			r.mu.Unlock()
			return a, nil
		}
		pending, waiting := r.loading[key]
		if !waiting {
			pending = &pendingLoad{done: make(chan struct{})}
			r.loading[key] = pending
		}
		r.mu.Unlock()

		if waiting {
			select {
			case <-pending.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// The loader's own context ending says nothing about ours.
			if isContextError(pending.err) {
				continue
			}
			if pending.err != nil {
				return nil, pending.err
			}
			r.join(pending.archive, opts)
			return pending.archive, nil
		}

		a, err := r.open(ctx, key)
		r.finishLoad(key, pending, a, err)
		if err != nil {
			return nil, err
		}
		r.join(a, opts)
		return a, nil
	}
}

func (r *Registry) join(a *archive.Archive, opts LoadOptions) {
	if opts.NoSwarm {
		return
	}
	if err := r.swarm.Join(a, a.Uploading()); err != nil {
		r.logger.Warn("joining swarm failed", "key", a.Key().String(), "error", err)
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Create generates a key pair, seals the signing key and opens the new
// archive as its owner.
func (r *Registry) Create(ctx context.Context, opts LoadOptions) (*archive.Archive, error) {
	pair, err := archive.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := r.keys.Put(pair); err != nil {
		return nil, err
	}
	a, err := r.GetOrLoad(ctx, pair.Public, opts)
	if err != nil {
		return nil, err
	}
	r.logger.Info("archive created", "key", pair.Public.String())
	return a, nil
}

func (r *Registry) open(ctx context.Context, key archive.Key) (*archive.Archive, error) {
	signer, err := r.keys.Get(key)
	if err != nil {
		return nil, err
	}
	settings, err := r.store.GetUserSettings(ctx, key.String())
	if err != nil {
		return nil, err
	}
	a, err := archive.Open(archive.Config{
		Dir:          filepath.Join(r.root, key.String()),
		Key:          key,
		Signer:       signer,
		DefaultQuota: r.defaultQuota,
		Clock:        r.clock,
		Logger:       r.logger,
	})
	if err != nil {
		return nil, err
	}
	a.SetUserSettings(settings)
	return a, nil
}

func (r *Registry) finishLoad(key archive.Key, pending *pendingLoad, a *archive.Archive, err error) {
	r.mu.Lock()
	delete(r.loading, key)
	if err == nil && r.closed {
		a.Close()
		a, err = nil, ErrClosed
	}
	if err == nil {
		r.archives[key] = a
		r.byDiscovery[a.DiscoveryKey()] = a
		changed := a.Changed()
		r.watchers.Go(func() { r.watch(a, changed) })
	}
	r.mu.Unlock()

	pending.archive, pending.err = a, err
	close(pending.done)

	if err != nil {
		r.logger.Warn("loading archive failed", "key", key.String(), "error", err)
		return
	}
	r.logger.Info("archive loaded", "key", key.String(), "owner", a.IsOwner())
	r.publish(Event{Kind: EventLoaded, Key: key})
}

// Unload leaves the archive's swarm, closes it and forgets it.
// Unloading a key that is not open does nothing.
func (r *Registry) Unload(ctx context.Context, key archive.Key) error {
	r.mu.Lock()
	a, ok := r.archives[key]
	if ok {
		delete(r.archives, key)
		delete(r.byDiscovery, a.DiscoveryKey())
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := r.swarm.Leave(a)
	a.Close()
	r.logger.Info("archive unloaded", "key", key.String())
	r.publish(Event{Kind: EventUnloaded, Key: key})
	return err
}

// JoinSwarm loads the archive if needed and puts it on the network
// with the upload policy of its current settings.
func (r *Registry) JoinSwarm(ctx context.Context, key archive.Key) (*archive.Archive, error) {
	a, err := r.GetOrLoad(ctx, key, LoadOptions{NoSwarm: true})
	if err != nil {
		return nil, err
	}
	return a, r.swarm.Join(a, a.Uploading())
}

// LeaveSwarm takes an open archive off the network. The archive stays
// loaded.
func (r *Registry) LeaveSwarm(key archive.Key) error {
	a := r.Get(key)
	if a == nil {
		return nil
	}
	return r.swarm.Leave(a)
}

// Configure attaches settings to the archive, loading it if needed,
// and applies them to the network: an archive that is not swarming
// joins; a swarming archive whose upload policy changed renegotiates
// its streams.
func (r *Registry) Configure(ctx context.Context, key archive.Key, settings archivestore.UserSettings) error {
	a, err := r.GetOrLoad(ctx, key, LoadOptions{NoSwarm: true})
	if err != nil {
		return err
	}
	upload := settings.IsSaved
	previous := a.SetUserSettings(settings)
	r.publish(Event{Kind: EventUpdateArchive, Key: key, IsUploading: upload, IsDownloading: true})

	if !r.swarm.IsSwarming(a) {
		return r.swarm.Join(a, upload)
	}
	if previous.IsSaved != upload {
		r.logger.Info("upload policy changed", "key", key.String(), "upload", upload)
		return r.swarm.Reconfigure(ctx, a, upload)
	}
	return nil
}

// Setup configures every saved archive. A failure for one archive is
// logged and does not stop the others; the failures are returned
// joined.
func (r *Registry) Setup(ctx context.Context) error {
	saved := true
	records, err := r.store.QueryUserSettings(ctx, archivestore.Filter{IsSaved: &saved}, false)
	if err != nil {
		return fmt.Errorf("registry: listing saved archives: %w", err)
	}
	var errs []error
	for _, record := range records {
		key, err := archive.ParseKey(record.Key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.Configure(ctx, key, record.UserSettings); err != nil {
			r.logger.Error("configuring saved archive failed", "key", record.Key, "error", err)
			errs = append(errs, err)
		}
	}
	r.logger.Info("saved archives configured", "count", len(records), "failed", len(errs))
	return errors.Join(errs...)
}

// Run applies settings changes from the archive store until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	changes, cancel := r.store.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change := <-changes:
			key, err := archive.ParseKey(change.Key)
			if err != nil {
				r.logger.Warn("ignoring settings change for malformed key", "key", change.Key, "error", err)
				continue
			}
			settings := change.Settings
			r.publish(Event{Kind: EventUpdateUserSettings, Key: key, Settings: &settings})
			if err := r.Configure(ctx, key, settings); err != nil {
				r.logger.Error("applying settings change failed", "key", change.Key, "error", err)
			}
		}
	}
}

// Close unloads every archive. Loads fail afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	keys := make([]archive.Key, 0, len(r.archives))
	for key := range r.archives {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if err := r.Unload(context.Background(), key); err != nil {
			errs = append(errs, err)
		}
	}
	r.watchers.Wait()
	return errors.Join(errs...)
}
