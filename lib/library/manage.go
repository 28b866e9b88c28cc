// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package library

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/archivestore"
	"github.com/bureau-foundation/drive/lib/permission"
	"github.com/bureau-foundation/drive/lib/registry"
)

// downloadConcurrency bounds the entries DownloadArchive waits on at
// once.
const downloadConcurrency = 8

// CreateNewArchive creates a saved, owned archive whose manifest is
// manifest plus its URL and the creating origin. A non-operator origin
// must be allowed to create archives and is granted write access to
// the new one. It returns the archive URL.
func (l *Library) CreateNewArchive(ctx context.Context, origin string, manifest archive.Manifest) (string, error) {
	if err := l.gateway.AuthorizeCreate(ctx, origin, manifest.Title); err != nil {
		return "", err
	}
	a, err := l.create(ctx, origin, manifest)
	if err != nil {
		return "", err
	}
	return a.Key().URL(), nil
}

func (l *Library) create(ctx context.Context, origin string, manifest archive.Manifest) (*archive.Archive, error) {
	createdBy, err := l.createdBy(ctx, origin)
	if err != nil {
		return nil, err
	}
	a, err := l.registry.Create(ctx, registry.LoadOptions{NoSwarm: true})
	if err != nil {
		return nil, err
	}
	key := a.Key()
	manifest.URL = key.URL()
	manifest.CreatedBy = createdBy
	if err := a.WriteManifest(ctx, manifest); err != nil {
		return nil, err
	}

	saved := true
	settings, err := l.store.SetUserSettings(ctx, key.String(), archivestore.SettingsUpdate{IsSaved: &saved})
	if err != nil {
		return nil, err
	}
	if err := l.registry.Configure(ctx, key, settings); err != nil {
		return nil, err
	}
	if origin != permission.OperatorOrigin {
		if err := l.gateway.Grant(ctx, permission.ModifyKey(key), origin); err != nil {
			return nil, err
		}
	}
	if _, err := l.registry.Refresh(ctx, a); err != nil {
		l.logger.Warn("recording new archive metadata failed", "key", key.String(), "error", err)
	}
	l.logger.Info("archive created", "key", key.String(), "origin", origin, "title", manifest.Title)
	return a, nil
}

// createdBy describes origin for a new manifest. An origin that is
// itself an archive is named by that archive's cached title.
func (l *Library) createdBy(ctx context.Context, origin string) (*archivestore.CreatedBy, error) {
	if origin == permission.OperatorOrigin {
		return nil, nil
	}
	createdBy := &archivestore.CreatedBy{URL: origin}
	if strings.HasPrefix(origin, archive.Scheme+"://") {
		if key, err := archive.KeyFromString(origin); err == nil {
			meta, err := l.store.GetMeta(ctx, key.String())
			if err != nil {
				return nil, err
			}
			createdBy.Title = meta.Title
		}
	}
	return createdBy, nil
}

// ForkArchive creates a new archive from src. Title and description
// default to the source's; the fork's lineage is the source's lineage
// plus the source URL. Every file of src already held locally is
// copied; the manifest is not. It returns the new archive URL.
func (l *Library) ForkArchive(ctx context.Context, origin, srcURL string, manifest archive.Manifest) (string, error) {
	srcKey, err := archive.KeyFromString(srcURL)
	if err != nil {
		return "", err
	}
	if err := l.gateway.AuthorizeCreate(ctx, origin, manifest.Title); err != nil {
		return "", err
	}
	src, err := l.registry.GetOrLoad(ctx, srcKey, registry.LoadOptions{})
	if err != nil {
		return "", err
	}
	meta, err := l.store.GetMeta(ctx, srcKey.String())
	if err != nil {
		return "", err
	}

	forked := archive.Manifest{
		Title:       manifest.Title,
		Description: manifest.Description,
		ForkOf:      append(append([]string(nil), meta.ForkOf...), srcKey.URL()),
	}
	if forked.Title == "" {
		forked.Title = meta.Title
	}
	if forked.Description == "" {
		forked.Description = meta.Description
	}

	dst, err := l.create(ctx, origin, forked)
	if err != nil {
		return "", err
	}
	copied, err := archive.CopyDownloaded(ctx, src, dst, archive.ManifestPath)
	if err != nil {
		return "", fmt.Errorf("library: forking %s: %w", srcKey, err)
	}
	l.logger.Info("archive forked", "source", srcKey.String(), "fork", dst.Key().String(), "files_copied", copied)
	return dst.Key().URL(), nil
}

// DownloadOptions adjusts DownloadArchive.
type DownloadOptions struct {
	// Wait blocks until every file's content is local or ctx ends.
	Wait bool `cbor:"wait,omitempty" json:"wait,omitempty"`
}

// DownloadResult counts what DownloadArchive requested.
type DownloadResult struct {
	Files  int    `cbor:"files" json:"files"`
	Blocks uint64 `cbor:"blocks" json:"blocks"`
}

// DownloadArchive requests the content of every current file from
// peers. It returns once every request is made, or with opts.Wait
// once every file is local. Delivery is up to the swarm.
func (l *Library) DownloadArchive(ctx context.Context, key archive.Key, opts DownloadOptions) (DownloadResult, error) {
	a, err := l.registry.GetOrLoad(ctx, key, registry.LoadOptions{})
	if err != nil {
		return DownloadResult{}, err
	}
	entries, err := a.Entries(ctx, archive.ReadOptions{})
	if err != nil {
		return DownloadResult{}, err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(downloadConcurrency)
	var result DownloadResult
	for _, entry := range entries {
		if entry.Blocks == 0 {
			continue
		}
		result.Files++
		result.Blocks += entry.Blocks
		a.Download(entry)
		if opts.Wait {
			group.Go(func() error { return waitDownloaded(groupCtx, a, entry) })
		}
	}
	if err := group.Wait(); err != nil {
		return result, err
	}
	l.logger.Info("archive download requested", "key", key.String(), "files", result.Files, "blocks", result.Blocks, "waited", opts.Wait)
	return result, nil
}

func waitDownloaded(ctx context.Context, a *archive.Archive, entry archive.Entry) error {
	for {
		changed := a.Content().Changed()
		if a.Downloaded(entry) {
			return nil
		}
		select {
		case <-changed:
		case <-a.Done():
			return archive.ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("library: waiting for %s: %w", entry.Name, ctx.Err())
		}
	}
}

// SetArchiveUserSettings stores new settings and applies them to the
// archive, loading it if needed.
func (l *Library) SetArchiveUserSettings(ctx context.Context, key archive.Key, update archivestore.SettingsUpdate) (archivestore.UserSettings, error) {
	settings, err := l.store.SetUserSettings(ctx, key.String(), update)
	if err != nil {
		return archivestore.UserSettings{}, err
	}
	if err := l.registry.Configure(ctx, key, settings); err != nil {
		return settings, err
	}
	return settings, nil
}

// UpdateArchiveManifest merges update into the archive's manifest on
// behalf of origin.
func (l *Library) UpdateArchiveManifest(ctx context.Context, origin string, key archive.Key, update archive.ManifestUpdate) (archive.Manifest, error) {
	a, err := l.registry.GetOrLoad(ctx, key, registry.LoadOptions{})
	if err != nil {
		return archive.Manifest{}, err
	}
	if err := l.gateway.AuthorizeWrite(ctx, a, origin); err != nil {
		return archive.Manifest{}, err
	}
	manifest, err := a.UpdateManifest(ctx, update)
	if err != nil {
		return archive.Manifest{}, err
	}
	if _, err := l.registry.Refresh(ctx, a); err != nil {
		l.logger.Warn("recording manifest update failed", "key", key.String(), "error", err)
	}
	return manifest, nil
}

// LoadArchive opens the archive without joining its swarm, keeping it
// available to later calls.
func (l *Library) LoadArchive(ctx context.Context, key archive.Key) error {
	_, err := l.registry.GetOrLoad(ctx, key, registry.LoadOptions{NoSwarm: true})
	return err
}

// Swarm puts the archive on the network and returns its state.
func (l *Library) Swarm(ctx context.Context, key archive.Key) (archive.SwarmState, error) {
	a, err := l.registry.JoinSwarm(ctx, key)
	if err != nil {
		return archive.SwarmState{}, err
	}
	return a.Swarm(), nil
}

// Unswarm takes the archive off the network.
func (l *Library) Unswarm(key archive.Key) error {
	return l.registry.LeaveSwarm(key)
}
