// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/drive/lib/archivestore"
)

// Manifest is the content of /dat.json.
type Manifest struct {
	URL         string                  `json:"url,omitempty"`
	Title       string                  `json:"title,omitempty"`
	Description string                  `json:"description,omitempty"`
	Author      string                  `json:"author,omitempty"`
	Version     string                  `json:"version,omitempty"`
	ForkOf      []string                `json:"forkOf,omitempty"`
	CreatedBy   *archivestore.CreatedBy `json:"createdBy,omitempty"`
}

// ManifestUpdate changes the non-nil fields of a manifest.
type ManifestUpdate struct {
	Title       *string `cbor:"title,omitempty" json:"title,omitempty"`
	Description *string `cbor:"description,omitempty" json:"description,omitempty"`
	Author      *string `cbor:"author,omitempty" json:"author,omitempty"`
	Version     *string `cbor:"version,omitempty" json:"version,omitempty"`
}

// ParseManifest decodes a manifest, tolerating comments and trailing
// commas as hand-edited manifests often contain them.
func ParseManifest(data []byte) (Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &manifest); err != nil {
		return Manifest{}, fmt.Errorf("archive: parsing manifest: %w", err)
	}
	return manifest, nil
}

// ReadManifest reads /dat.json. An archive without one has the zero
// manifest.
func (a *Archive) ReadManifest(ctx context.Context, opts ReadOptions) (Manifest, error) {
	data, err := a.ReadFile(ctx, ManifestPath, opts)
	if errors.Is(err, ErrFileNotFound) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(data)
}

// WriteManifest replaces /dat.json. It is the only way to write the
// manifest and is not subject to the quota.
func (a *Archive) WriteManifest(ctx context.Context, manifest Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encoding manifest: %w", err)
	}
	return a.writeFile(ctx, ManifestPath, data, writeMode{allowProtected: true, skipQuota: true})
}

// UpdateManifest merges update into the current manifest.
func (a *Archive) UpdateManifest(ctx context.Context, update ManifestUpdate) (Manifest, error) {
	manifest, err := a.ReadManifest(ctx, ReadOptions{Timeout: NoWait})
	if err != nil {
		return Manifest{}, err
	}
	for _, field := range []struct {
		target *string
		value  *string
	}{
		{&manifest.Title, update.Title},
		{&manifest.Description, update.Description},
		{&manifest.Author, update.Author},
		{&manifest.Version, update.Version},
	} {
		if field.value != nil {
			*field.target = *field.value
		}
	}
	if err := a.WriteManifest(ctx, manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}
