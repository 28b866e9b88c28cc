// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/drive/lib/codec"
)

// writeMode selects which write checks an internal caller may skip.
type writeMode struct {
	allowProtected bool
	skipQuota      bool
}

// WriteFile stores data at file path p, replacing an earlier file of
// the same name. Checks run in this order, and all of them before
// anything is appended: ownership, path grammar, protected paths, type
// conflicts, parent existence, quota.
func (a *Archive) WriteFile(ctx context.Context, p string, data []byte) error {
	return a.writeFile(ctx, p, data, writeMode{})
}

func (a *Archive) writeFile(ctx context.Context, p string, data []byte, mode writeMode) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if !a.IsOwner() {
		return fmt.Errorf("%w: %s", ErrArchiveNotWritable, a.key)
	}
	if err := ValidatePath(p, true); err != nil {
		return err
	}
	name := CleanPath(p)
	if IsProtected(name) && !mode.allowProtected {
		return fmt.Errorf("%w: %s", ErrProtectedFileNotWritable, name)
	}
	if existing, ok := a.lookup(name); ok && existing.IsDirectory() {
		return fmt.Errorf("%w: %s is a directory", ErrEntryAlreadyExists, name)
	}
	if err := a.requireParent(name); err != nil {
		return err
	}
	if !mode.skipQuota {
		if err := a.CheckQuota(uint64(len(data))); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	blocks := splitBlocks(data)
	offset := a.content.Length()
	if len(blocks) > 0 {
		var err error
		if offset, err = a.content.Append(blocks...); err != nil {
			return err
		}
	}
	return a.appendRecord(record{Op: opPut, Entry: Entry{
		Name:        name,
		Type:        TypeFile,
		Length:      uint64(len(data)),
		BlockOffset: offset,
		Blocks:      uint64(len(blocks)),
		Mtime:       a.clock.Now().UTC(),
	}})
}

// CreateDirectory records a new empty directory at p.
func (a *Archive) CreateDirectory(ctx context.Context, p string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if !a.IsOwner() {
		return fmt.Errorf("%w: %s", ErrArchiveNotWritable, a.key)
	}
	if err := ValidatePath(p, false); err != nil {
		return err
	}
	name := CleanPath(p)
	if IsProtected(name) {
		return fmt.Errorf("%w: %s", ErrProtectedFileNotWritable, name)
	}
	if _, ok := a.lookup(name); ok {
		return fmt.Errorf("%w: %s", ErrEntryAlreadyExists, name)
	}
	if err := a.requireParent(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.appendRecord(record{Op: opPut, Entry: Entry{
		Name:  name,
		Type:  TypeDirectory,
		Mtime: a.clock.Now().UTC(),
	}})
}

// DeleteFile records the removal of file p. Its content stays in the
// content feed.
func (a *Archive) DeleteFile(ctx context.Context, p string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if !a.IsOwner() {
		return fmt.Errorf("%w: %s", ErrArchiveNotWritable, a.key)
	}
	if err := ValidatePath(p, true); err != nil {
		return err
	}
	name := CleanPath(p)
	if IsProtected(name) {
		return fmt.Errorf("%w: %s", ErrProtectedFileNotWritable, name)
	}
	entry, ok := a.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if entry.IsDirectory() {
		return fmt.Errorf("%w: %s is a directory", ErrNotAFile, name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.appendRecord(record{Op: opDelete, Entry: Entry{Name: name, Type: TypeFile, Mtime: a.clock.Now().UTC()}})
}

// DeleteDirectory records the removal of empty directory p.
func (a *Archive) DeleteDirectory(ctx context.Context, p string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if !a.IsOwner() {
		return fmt.Errorf("%w: %s", ErrArchiveNotWritable, a.key)
	}
	if err := ValidatePath(p, false); err != nil {
		return err
	}
	name := CleanPath(p)
	if name == "/" {
		return fmt.Errorf("%w: the root directory can not be deleted", ErrInvalidPath)
	}
	entry, ok := a.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if !entry.IsDirectory() {
		return fmt.Errorf("%w: %s", ErrNotADirectory, name)
	}
	a.indexMu.Lock()
	nonEmpty := a.index.hasChildren(name)
	a.indexMu.Unlock()
	if nonEmpty {
		return fmt.Errorf("%w: %s", ErrDirectoryNotEmpty, name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.appendRecord(record{Op: opDelete, Entry: Entry{Name: name, Type: TypeDirectory, Mtime: a.clock.Now().UTC()}})
}

func (a *Archive) requireParent(name string) error {
	parent := parentOf(name)
	entry, ok := a.lookup(parent)
	if !ok || !entry.IsDirectory() {
		return fmt.Errorf("%w: %s", ErrParentFolderDoesntExist, parent)
	}
	return nil
}

// CheckQuota reports whether adding size content bytes would exceed
// the effective quota.
func (a *Archive) CheckQuota(size uint64) error {
	quota := a.EffectiveQuota()
	if current := a.ByteSize(); current+size > quota {
		return fmt.Errorf("%w: %d bytes stored plus %d exceeds %d allowed",
			ErrQuotaExceeded, current, size, quota)
	}
	return nil
}

func (a *Archive) appendRecord(rec record) error {
	data, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: encoding metadata record: %w", err)
	}
	if _, err := a.metadata.Append(data); err != nil {
		return err
	}
	a.logger.Debug("metadata appended", "op", string(rec.Op), "name", rec.Entry.Name, "type", string(rec.Entry.Type))
	return nil
}

func splitBlocks(data []byte) [][]byte {
	var blocks [][]byte
	for len(data) > 0 {
		n := min(len(data), BlockSize)
		blocks = append(blocks, data[:n])
		data = data[n:]
	}
	return blocks
}
