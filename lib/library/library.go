// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package library is the operation surface of the drive daemon. It
// composes the registry, the archive store and the permission gateway
// into the queries and mutations management clients and origins call,
// and names the errors they can see.
package library

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/archivestore"
	"github.com/bureau-foundation/drive/lib/permission"
	"github.com/bureau-foundation/drive/lib/registry"
	"github.com/bureau-foundation/drive/lib/version"
)

// Config configures a Library.
type Config struct {
	Registry *registry.Registry
	Store    *archivestore.Store
	Gateway  *permission.Gateway

	// Resolver turns human names into keys. Defaults to a KeyResolver
	// with no names.
	Resolver NameResolver

	// MinimumClientVersion is the oldest version Hello accepts.
	MinimumClientVersion string

	Logger *slog.Logger
}

// Library implements every archive query and mutation.
type Library struct {
	registry      *registry.Registry
	store         *archivestore.Store
	gateway       *permission.Gateway
	resolver      NameResolver
	minimumClient string
	logger        *slog.Logger
}

// New creates a Library.
func New(cfg Config) (*Library, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.Gateway == nil {
		return nil, fmt.Errorf("library: Registry, Store and Gateway are required")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = KeyResolver{}
	}
	if cfg.MinimumClientVersion == "" {
		cfg.MinimumClientVersion = version.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Library{
		registry:      cfg.Registry,
		store:         cfg.Store,
		gateway:       cfg.Gateway,
		resolver:      cfg.Resolver,
		minimumClient: cfg.MinimumClientVersion,
		logger:        cfg.Logger,
	}, nil
}

// HelloResponse identifies the daemon to a client that passed the
// version gate.
type HelloResponse struct {
	Version              string `cbor:"version" json:"version"`
	MinimumClientVersion string `cbor:"minimumClientVersion" json:"minimumClientVersion"`
}

// Hello checks clientVersion against the minimum. An old or malformed
// version fails with a *version.ClientError.
func (l *Library) Hello(clientVersion string) (HelloResponse, error) {
	if err := version.CheckClient(clientVersion, l.minimumClient); err != nil {
		l.logger.Info("rejected management client", "client_version", clientVersion, "minimum", l.minimumClient)
		return HelloResponse{}, err
	}
	return HelloResponse{Version: version.Version, MinimumClientVersion: l.minimumClient}, nil
}

// Registry returns the registry the library operates on.
func (l *Library) Registry() *registry.Registry { return l.registry }

// open returns the archive for url, loading it and joining its swarm
// if needed, together with the file path the URL names.
func (l *Library) open(ctx context.Context, url string) (*archive.Archive, string, error) {
	key, filePath, err := archive.ParseURL(url)
	if err != nil {
		return nil, "", err
	}
	a, err := l.registry.GetOrLoad(ctx, key, registry.LoadOptions{})
	if err != nil {
		return nil, "", err
	}
	return a, filePath, nil
}
