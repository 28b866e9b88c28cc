// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package permission mediates every mutating call an origin makes
// against an archive.
//
// Three gates apply, in order: ownership (only the key holder can
// write), a per-origin grant for the archive, and the archive's byte
// quota. Grants are decided once by a [Prompter] and persisted in the
// archive store; an allowed grant is reused for the life of the store.
// A denial is recorded but not sticky: the next write from the same
// origin asks again.
//
// The empty origin is the local operator, who needs no grant.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/archivestore"
)

// ErrUserDenied is returned when the prompter refuses a request.
var ErrUserDenied = errors.New("user denied permission")

// OperatorOrigin identifies requests made by the local operator.
const OperatorOrigin = ""

// CreateKey is the permission key for creating new archives.
const CreateKey = "createDat"

// ModifyKey is the permission key for writing to the archive.
func ModifyKey(key archive.Key) string {
	return "modifyDat:" + key.String()
}

// Config configures a Gateway.
type Config struct {
	Store    *archivestore.Store
	Prompter Prompter
	Logger   *slog.Logger
}

// Gateway authorizes writes and archive creation for origins.
type Gateway struct {
	store    *archivestore.Store
	prompter Prompter
	logger   *slog.Logger

	// promptMu serializes prompts so that concurrent requests from
	// one origin produce a single question.
	promptMu sync.Mutex
}

// New returns a Gateway. A nil Prompter denies every undecided request.
func New(cfg Config) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("permission: Store is required")
	}
	if cfg.Prompter == nil {
		cfg.Prompter = StaticPrompter{Allow: false}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		store:    cfg.Store,
		prompter: cfg.Prompter,
		logger:   cfg.Logger,
	}, nil
}

// AuthorizeWrite checks that origin may mutate a. An archive opened
// without its signing key fails with archive.ErrArchiveNotWritable
// before any prompt is shown.
func (g *Gateway) AuthorizeWrite(ctx context.Context, a *archive.Archive, origin string) error {
	if !a.IsOwner() {
		return fmt.Errorf("%w: %s", archive.ErrArchiveNotWritable, a.Key())
	}
	if origin == OperatorOrigin {
		return nil
	}
	meta, err := g.store.GetMeta(ctx, a.Key().String())
	if err != nil {
		return err
	}
	return g.authorize(ctx, ModifyKey(a.Key()), origin, Context{Title: meta.Title})
}

// CheckQuota checks that payloadSize more content bytes fit in a's
// effective quota.
func (g *Gateway) CheckQuota(ctx context.Context, a *archive.Archive, payloadSize uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.CheckQuota(payloadSize)
}

// AuthorizeCreate checks that origin may create an archive titled
// title.
func (g *Gateway) AuthorizeCreate(ctx context.Context, origin, title string) error {
	if origin == OperatorOrigin {
		return nil
	}
	return g.authorize(ctx, CreateKey, origin, Context{Title: title})
}

// Grant records an allowed decision without prompting. Creating an
// archive grants its creator write access.
func (g *Gateway) Grant(ctx context.Context, permKey, origin string) error {
	return g.store.SetPermission(ctx, permKey, origin, true)
}

func (g *Gateway) authorize(ctx context.Context, permKey, origin string, details Context) error {
	allowed, _, err := g.store.QueryPermission(ctx, permKey, origin)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	g.promptMu.Lock()
	defer g.promptMu.Unlock()

	// Another caller may have been granted while this one waited.
	allowed, _, err = g.store.QueryPermission(ctx, permKey, origin)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	allowed, err = g.prompter.RequestPermission(ctx, permKey, origin, details)
	if err != nil {
		return fmt.Errorf("permission: requesting %s for %s: %w", permKey, origin, err)
	}
	if err := g.store.SetPermission(ctx, permKey, origin, allowed); err != nil {
		return err
	}
	if !allowed {
		g.logger.Info("permission denied", "perm_key", permKey, "origin", origin)
		return fmt.Errorf("%w: %s for %s", ErrUserDenied, permKey, origin)
	}
	return nil
}
