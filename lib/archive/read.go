// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"context"
	"fmt"
	"time"
)

// ReadOptions tune reads that may need data from peers.
type ReadOptions struct {
	// Timeout bounds the wait for missing data. Zero means
	// DefaultTimeout; NoWait reads only local data.
	Timeout time.Duration

	// DownloadedBlocks asks Stat to fill Entry.DownloadedBlocks.
	DownloadedBlocks bool
}

func (o ReadOptions) timeout() time.Duration {
	if o.Timeout == 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// waiter bounds one operation's total wait across every step.
type waiter struct {
	archive  *Archive
	ctx      context.Context
	deadline <-chan time.Time
	noWait   bool
}

func (a *Archive) newWaiter(ctx context.Context, opts ReadOptions) *waiter {
	w := &waiter{archive: a, ctx: ctx}
	if opts.Timeout < 0 {
		w.noWait = true
	} else {
		w.deadline = a.clock.After(opts.timeout())
	}
	return w
}

// until blocks until ready holds, re-checking at every change to feed.
// Data can only arrive while swarming, so an archive off the network
// fails at once with ErrTimeout.
func (w *waiter) until(feed *Feed, what string, ready func() bool) error {
	for {
		changed := feed.Changed()
		if ready() {
			return nil
		}
		if w.noWait {
			return fmt.Errorf("%w: %s not available locally", ErrTimeout, what)
		}
		if !w.archive.Swarm().IsSwarming {
			return fmt.Errorf("%w: %s not available and archive is not swarming", ErrTimeout, what)
		}
		select {
		case <-changed:
		case <-w.deadline:
			return fmt.Errorf("%w: %s", ErrTimeout, what)
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-w.archive.closed:
			return ErrClosed
		}
	}
}

// metadataReady waits until the whole metadata feed is local.
func (w *waiter) metadataReady() error {
	err := w.until(w.archive.metadata, "archive metadata", w.archive.metadata.Complete)
	if err != nil {
		return err
	}
	w.archive.refreshIndex()
	return nil
}

// Stat returns the entry at p.
func (a *Archive) Stat(ctx context.Context, p string, opts ReadOptions) (Entry, error) {
	w := a.newWaiter(ctx, opts)
	if err := w.metadataReady(); err != nil {
		return Entry{}, err
	}
	entry, ok := a.lookup(CleanPath(p))
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrFileNotFound, CleanPath(p))
	}
	if opts.DownloadedBlocks {
		count := a.CountDownloadedBlocks(entry)
		entry.DownloadedBlocks = &count
	}
	return entry, nil
}

// List returns the direct children of directory p, one entry per name.
func (a *Archive) List(ctx context.Context, p string, opts ReadOptions) ([]Entry, error) {
	w := a.newWaiter(ctx, opts)
	if err := w.metadataReady(); err != nil {
		return nil, err
	}
	name := CleanPath(p)
	a.indexMu.Lock()
	defer a.indexMu.Unlock()
	entry, ok := a.index.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if !entry.IsDirectory() {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, name)
	}
	return a.index.children(name), nil
}

// Entries returns every live recorded entry in name order.
func (a *Archive) Entries(ctx context.Context, opts ReadOptions) ([]Entry, error) {
	w := a.newWaiter(ctx, opts)
	if err := w.metadataReady(); err != nil && !w.noWait {
		return nil, err
	}
	a.refreshIndex()
	a.indexMu.Lock()
	defer a.indexMu.Unlock()
	return a.index.live(), nil
}

// ReadFile returns the contents of file p. Missing content blocks are
// requested from peers; if they do not arrive before the timeout the
// read fails with ErrTimeout and the blocks stay requested.
func (a *Archive) ReadFile(ctx context.Context, p string, opts ReadOptions) ([]byte, error) {
	w := a.newWaiter(ctx, opts)
	if err := w.metadataReady(); err != nil {
		return nil, err
	}
	name := CleanPath(p)
	entry, ok := a.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if entry.IsDirectory() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotAFile, name)
	}

	end := entry.BlockOffset + entry.Blocks
	a.content.Want(entry.BlockOffset, end)
	err := w.until(a.content, "content of "+name, func() bool {
		return a.content.Downloaded(entry.BlockOffset, end) == entry.Blocks
	})
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, entry.Length)
	for index := entry.BlockOffset; index < end; index++ {
		block, err := a.content.Get(index)
		if err != nil {
			return nil, err
		}
		data = append(data, block...)
	}
	if uint64(len(data)) != entry.Length {
		return nil, fmt.Errorf("%w: %s has %d bytes in its blocks, entry says %d",
			ErrBlockCorrupt, name, len(data), entry.Length)
	}
	return data, nil
}

// CountDownloadedBlocks is the number of the entry's content blocks
// held locally.
func (a *Archive) CountDownloadedBlocks(entry Entry) uint64 {
	if entry.Blocks == 0 {
		return 0
	}
	return a.content.Downloaded(entry.BlockOffset, entry.BlockOffset+entry.Blocks)
}

// Download requests every missing content block of entry from peers
// and returns without waiting for them.
func (a *Archive) Download(entry Entry) {
	if entry.Blocks > 0 {
		a.content.Want(entry.BlockOffset, entry.BlockOffset+entry.Blocks)
	}
}

// Downloaded reports whether all of entry's content is local.
func (a *Archive) Downloaded(entry Entry) bool {
	return a.CountDownloadedBlocks(entry) == entry.Blocks
}
