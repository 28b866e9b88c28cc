// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package drivefs exposes open archives as a read-only FUSE
// filesystem. The mount root holds one directory per archive, named by
// its hex key; looking up any valid key loads that archive and joins
// its swarm so reads can fetch missing blocks from peers.
package drivefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/registry"
)

// Options configures the mount.
type Options struct {
	// Mountpoint is created if it does not exist.
	Mountpoint string

	Registry *registry.Registry

	// ReadTimeout bounds how long a lookup or read waits for data
	// from peers. Zero uses archive.DefaultTimeout.
	ReadTimeout time.Duration

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	Logger *slog.Logger
}

// Mount mounts the filesystem. The caller must Unmount the returned
// server.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("drivefs: mountpoint is required")
	}
	if options.Registry == nil {
		return nil, fmt.Errorf("drivefs: registry is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("drivefs: creating mountpoint %s: %w", options.Mountpoint, err)
	}

	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond
	server, err := gofuse.Mount(options.Mountpoint, &rootNode{options: &options}, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "drive",
			Name:       "drive",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("drivefs: mounting at %s: %w", options.Mountpoint, err)
	}
	options.Logger.Info("archive filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

func (o *Options) readOptions() archive.ReadOptions {
	return archive.ReadOptions{Timeout: o.ReadTimeout}
}

// errno maps archive errors onto the closest system error.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, archive.ErrFileNotFound), errors.Is(err, archive.ErrInvalidPath):
		return syscall.ENOENT
	case errors.Is(err, archive.ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, archive.ErrNotAFile):
		return syscall.EISDIR
	case errors.Is(err, archive.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	}
	return syscall.EIO
}

type rootNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	key, err := archive.ParseKey(name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	a, err := r.options.Registry.GetOrLoad(ctx, key, registry.LoadOptions{})
	if err != nil {
		r.options.Logger.Warn("loading archive for mount failed", "key", name, "error", err)
		return nil, syscall.EIO
	}
	out.Mode = syscall.S_IFDIR | 0o555
	child := r.NewInode(ctx, &dirNode{options: r.options, archive: a, path: "/"}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
	return child, 0
}

func (r *rootNode) Readdir(context.Context) (gofuse.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	for _, a := range r.options.Registry.Active() {
		entries = append(entries, fuse.DirEntry{Name: a.Key().String(), Mode: syscall.S_IFDIR})
	}
	return gofuse.NewListDirStream(entries), 0
}

type dirNode struct {
	gofuse.Inode
	options *Options
	archive *archive.Archive
	path    string
}

var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

func (d *dirNode) Getattr(_ context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0o555
	return 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	entry, err := d.archive.Stat(ctx, path.Join(d.path, name), d.options.readOptions())
	if err != nil {
		return nil, errno(err)
	}
	if entry.IsDirectory() {
		out.Mode = syscall.S_IFDIR | 0o555
		child := &dirNode{options: d.options, archive: d.archive, path: entry.Name}
		return d.NewInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
	}
	fillFileAttr(entry, &out.Attr)
	child := &fileNode{options: d.options, archive: d.archive, entry: entry}
	return d.NewInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFREG}), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	children, err := d.archive.List(ctx, d.path, d.options.readOptions())
	if err != nil {
		return nil, errno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, child := range children {
		mode := uint32(syscall.S_IFREG)
		if child.IsDirectory() {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: path.Base(child.Name), Mode: mode})
	}
	return gofuse.NewListDirStream(entries), 0
}

func fillFileAttr(entry archive.Entry, out *fuse.Attr) {
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = entry.Length
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = archive.BlockSize
	if !entry.Mtime.IsZero() {
		out.SetTimes(nil, &entry.Mtime, &entry.Mtime)
	}
}

// fileNode is one file as of its lookup. A later write to the archive
// produces a new node on the next lookup.
type fileNode struct {
	gofuse.Inode
	options *Options
	archive *archive.Archive
	entry   archive.Entry
}

var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)

func (f *fileNode) Getattr(_ context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillFileAttr(f.entry, &out.Attr)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	data, err := f.archive.ReadFile(ctx, f.entry.Name, f.options.readOptions())
	if err != nil {
		f.options.Logger.Debug("reading file for mount failed", "path", f.entry.Name, "error", err)
		return nil, 0, errno(err)
	}
	return &fileHandle{data: data}, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(_ context.Context, fh gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	if off >= int64(len(handle.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := min(off+int64(len(dest)), int64(len(handle.data)))
	return fuse.ReadResultData(handle.data[off:end]), 0
}

// fileHandle holds the file's bytes, read once at open.
type fileHandle struct {
	data []byte
}
