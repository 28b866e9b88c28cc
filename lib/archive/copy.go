// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// CopyDownloaded copies every entry of src whose content is fully
// local into dst, skipping the names in ignore. Files whose content
// has not been downloaded are left out rather than fetched. It returns
// the number of files copied. When the copied content would not fit
// dst's quota, nothing is copied and ErrQuotaExceeded is returned.
func CopyDownloaded(ctx context.Context, src, dst *Archive, ignore ...string) (int, error) {
	entries, err := src.Entries(ctx, ReadOptions{Timeout: NoWait})
	if err != nil {
		return 0, fmt.Errorf("archive: listing %s: %w", src.Key(), err)
	}

	var total uint64
	for _, entry := range entries {
		if !entry.IsDirectory() && !slices.Contains(ignore, entry.Name) && src.Downloaded(entry) {
			total += entry.Length
		}
	}
	if err := dst.CheckQuota(total); err != nil {
		return 0, fmt.Errorf("archive: copying %s: %w", src.Key(), err)
	}

	copied := 0
	for _, entry := range entries {
		if slices.Contains(ignore, entry.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		if entry.IsDirectory() {
			err := dst.CreateDirectory(ctx, entry.Name)
			if err != nil && !errors.Is(err, ErrEntryAlreadyExists) {
				return copied, fmt.Errorf("archive: copying directory %s: %w", entry.Name, err)
			}
			continue
		}
		if !src.Downloaded(entry) {
			src.logger.Debug("skipping undownloaded file during copy", "name", entry.Name)
			continue
		}
		data, err := src.ReadFile(ctx, entry.Name, ReadOptions{Timeout: NoWait})
		if err != nil {
			return copied, fmt.Errorf("archive: reading %s: %w", entry.Name, err)
		}
		if err := dst.WriteFile(ctx, entry.Name, data); err != nil {
			return copied, fmt.Errorf("archive: copying %s: %w", entry.Name, err)
		}
		copied++
	}
	return copied, nil
}
