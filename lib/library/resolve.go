// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package library

import (
	"context"
	"fmt"
	"strings"

	"github.com/bureau-foundation/drive/lib/archive"
)

// NameResolver turns a human-readable archive name into a key.
type NameResolver interface {
	ResolveName(ctx context.Context, name string) (archive.Key, error)
}

// KeyResolver resolves hex keys, archive URLs and a fixed set of
// names. Anything else fails with archive.ErrInvalidURL.
type KeyResolver struct {
	Names map[string]archive.Key
}

func (r KeyResolver) ResolveName(_ context.Context, name string) (archive.Key, error) {
	name = strings.TrimSpace(name)
	if key, ok := r.Names[name]; ok {
		return key, nil
	}
	if archive.IsKeyString(name) || strings.Contains(name, "://") {
		return archive.KeyFromString(name)
	}
	return archive.Key{}, fmt.Errorf("%w: cannot resolve name %q", archive.ErrInvalidURL, name)
}

// ResolveName resolves name with the configured resolver.
func (l *Library) ResolveName(ctx context.Context, name string) (archive.Key, error) {
	return l.resolver.ResolveName(ctx, name)
}
