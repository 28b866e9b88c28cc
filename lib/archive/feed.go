// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/google/renameio"

	"github.com/bureau-foundation/drive/lib/codec"
)

// Feed names. Each archive has exactly these two feeds.
const (
	MetadataFeed = "metadata"
	ContentFeed  = "content"
)

// Head is a signed snapshot of a feed: the hash and size of every block
// so far, and the archive key's signature over the Merkle root. A
// reader holding a verified head can verify any block independently.
type Head struct {
	Feed      string   `cbor:"feed"`
	Length    uint64   `cbor:"length"`
	Hashes    []Hash   `cbor:"hashes"`
	Sizes     []uint32 `cbor:"sizes"`
	Signature []byte   `cbor:"signature"`
}

// Root is the Merkle root over the head's block hashes.
func (h Head) Root() Hash { return MerkleRoot(h.Hashes) }

type signedHead struct {
	Feed   string `cbor:"feed"`
	Length uint64 `cbor:"length"`
	Root   Hash   `cbor:"root"`
}

func (h Head) signable() []byte {
	data, err := codec.Marshal(signedHead{Feed: h.Feed, Length: h.Length, Root: h.Root()})
	if err != nil {
		panic("archive: encoding signed head: " + err.Error())
	}
	return data
}

// Verify checks the head's shape and its signature under key.
func (h Head) Verify(key Key) error {
	if uint64(len(h.Hashes)) != h.Length || uint64(len(h.Sizes)) != h.Length {
		return fmt.Errorf("%w: %s head length %d with %d hashes and %d sizes",
			ErrInvalidSignature, h.Feed, h.Length, len(h.Hashes), len(h.Sizes))
	}
	if !ed25519.Verify(ed25519.PublicKey(key[:]), h.signable(), h.Signature) {
		return fmt.Errorf("%w: %s head at length %d", ErrInvalidSignature, h.Feed, h.Length)
	}
	return nil
}

func (h Head) clone() Head {
	h.Hashes = slices.Clone(h.Hashes)
	h.Sizes = slices.Clone(h.Sizes)
	h.Signature = slices.Clone(h.Signature)
	return h
}

var errNotDownloaded = errors.New("block not downloaded")

// Feed is an append-only, signed log of blocks stored one file per
// block under its directory. Only the key holder appends; everyone
// else extends the feed with verified heads and blocks from peers.
// Blocks may be held sparsely.
type Feed struct {
	name     string
	dir      string
	key      Key
	signer   ed25519.PrivateKey
	onChange func()
	logger   *slog.Logger

	mu         sync.Mutex
	head       Head
	known      bool
	have       []bool
	haveCount  uint64
	byteLength uint64
	wants      map[uint64]struct{}
	eager      bool
	changed    chan struct{}
}

type feedConfig struct {
	name     string
	dir      string
	key      Key
	signer   ed25519.PrivateKey
	eager    bool
	onChange func()
	logger   *slog.Logger
}

func openFeed(cfg feedConfig) (*Feed, error) {
	if err := os.MkdirAll(filepath.Join(cfg.dir, "blocks"), 0o700); err != nil {
		return nil, fmt.Errorf("archive: creating %s feed directory: %w", cfg.name, err)
	}
	f := &Feed{
		name:     cfg.name,
		dir:      cfg.dir,
		key:      cfg.key,
		signer:   cfg.signer,
		onChange: cfg.onChange,
		logger:   cfg.logger,
		head:     Head{Feed: cfg.name},
		wants:    make(map[uint64]struct{}),
		eager:    cfg.eager,
		changed:  make(chan struct{}),
	}

	data, err := os.ReadFile(f.headPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("archive: reading %s head: %w", cfg.name, err)
	default:
		var head Head
		if err := codec.Unmarshal(data, &head); err != nil {
			return nil, fmt.Errorf("archive: decoding %s head: %w", cfg.name, err)
		}
		if head.Feed != cfg.name {
			return nil, fmt.Errorf("archive: %s head is for feed %q", cfg.name, head.Feed)
		}
		if err := head.Verify(cfg.key); err != nil {
			return nil, fmt.Errorf("archive: stored %s head: %w", cfg.name, err)
		}
		f.head = head
		f.known = true
	}
	if f.signer != nil {
		f.known = true
		if f.head.Signature == nil {
			f.head.Signature = ed25519.Sign(f.signer, f.head.signable())
		}
	}

	f.have = make([]bool, f.head.Length)
	for i := range f.head.Length {
		f.byteLength += uint64(f.head.Sizes[i])
		if _, err := os.Stat(f.blockPath(i)); err == nil {
			f.have[i] = true
			f.haveCount++
		} else if f.eager {
			f.wants[i] = struct{}{}
		}
	}
	return f, nil
}

func (f *Feed) headPath() string { return filepath.Join(f.dir, "head.cbor") }

func (f *Feed) blockPath(index uint64) string {
	return filepath.Join(f.dir, "blocks", strconv.FormatUint(index, 10))
}

// Name returns MetadataFeed or ContentFeed.
func (f *Feed) Name() string { return f.name }

// Writable reports whether this process can append.
func (f *Feed) Writable() bool { return f.signer != nil }

// Length is the number of blocks in the newest known head.
func (f *Feed) Length() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head.Length
}

// ByteLength is the total uncompressed size of every block in the
// newest known head, downloaded or not.
func (f *Feed) ByteLength() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byteLength
}

// Known reports whether any verified head is available, even an empty
// one. A feed of a remote archive that no peer has described yet is
// not known.
func (f *Feed) Known() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known
}

// Head returns a copy of the newest known head.
func (f *Feed) Head() Head {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head.clone()
}

// Has reports whether block index is stored locally.
func (f *Feed) Has(index uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return index < uint64(len(f.have)) && f.have[index]
}

// Complete reports whether every block of the known head is local.
func (f *Feed) Complete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known && f.haveCount == f.head.Length
}

// Downloaded counts local blocks in [start, end).
func (f *Feed) Downloaded(start, end uint64) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	end = min(end, uint64(len(f.have)))
	var count uint64
	for i := start; i < end; i++ {
		if f.have[i] {
			count++
		}
	}
	return count
}

// DownloadedTotal counts every local block.
func (f *Feed) DownloadedTotal() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.haveCount
}

// Bitfield returns block availability, most significant bit first.
func (f *Feed) Bitfield() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	bits := make([]byte, (len(f.have)+7)/8)
	for i, have := range f.have {
		if have {
			bits[i/8] |= 0x80 >> (i % 8)
		}
	}
	return bits
}

// Changed returns a channel closed at the next change to the feed: a
// new head, a new block, or a new want.
func (f *Feed) Changed() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changed
}

// notifyLocked wakes waiters. The caller runs f.onChange after
// releasing the lock.
func (f *Feed) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *Feed) afterChange() {
	if f.onChange != nil {
		f.onChange()
	}
}

// Append writes blocks to the end of the feed and signs the new head.
// It returns the index of the first appended block.
func (f *Feed) Append(blocks ...[]byte) (uint64, error) {
	if f.signer == nil {
		return 0, fmt.Errorf("%w: %s feed has no signing key", ErrArchiveNotWritable, f.name)
	}
	f.mu.Lock()
	start := f.head.Length
	next := f.head.clone()
	for i, block := range blocks {
		index := start + uint64(i)
		if err := renameio.WriteFile(f.blockPath(index), encodeBlock(block), 0o600); err != nil {
			f.mu.Unlock()
			return 0, fmt.Errorf("archive: writing %s block %d: %w", f.name, index, err)
		}
		next.Hashes = append(next.Hashes, HashBlock(block))
		next.Sizes = append(next.Sizes, uint32(len(block)))
	}
	next.Length = start + uint64(len(blocks))
	next.Signature = ed25519.Sign(f.signer, next.signable())
	if err := f.persistHeadLocked(next); err != nil {
		f.mu.Unlock()
		return 0, err
	}
	f.head = next
	for _, block := range blocks {
		f.have = append(f.have, true)
		f.haveCount++
		f.byteLength += uint64(len(block))
	}
	f.notifyLocked()
	f.mu.Unlock()

	f.afterChange()
	return start, nil
}

func (f *Feed) persistHeadLocked(head Head) error {
	data, err := codec.Marshal(head)
	if err != nil {
		return fmt.Errorf("archive: encoding %s head: %w", f.name, err)
	}
	if err := renameio.WriteFile(f.headPath(), data, 0o600); err != nil {
		return fmt.Errorf("archive: writing %s head: %w", f.name, err)
	}
	return nil
}

// Get returns a local block. A block that is not stored locally fails
// with an error; use Wait to fetch from peers.
func (f *Feed) Get(index uint64) ([]byte, error) {
	f.mu.Lock()
	if index >= uint64(len(f.have)) || !f.have[index] {
		f.mu.Unlock()
		return nil, fmt.Errorf("archive: %s block %d: %w", f.name, index, errNotDownloaded)
	}
	size := int(f.head.Sizes[index])
	hash := f.head.Hashes[index]
	f.mu.Unlock()

	stored, err := os.ReadFile(f.blockPath(index))
	if err != nil {
		return nil, fmt.Errorf("archive: reading %s block %d: %w", f.name, index, err)
	}
	data, err := decodeBlock(stored, size)
	if err != nil {
		return nil, fmt.Errorf("archive: %s block %d: %w", f.name, index, err)
	}
	if HashBlock(data) != hash {
		return nil, fmt.Errorf("archive: %s block %d: %w", f.name, index, ErrBlockCorrupt)
	}
	return data, nil
}

// Want marks blocks in [start, end) for download. Blocks already held
// are skipped. Wants survive until the block arrives.
func (f *Feed) Want(start, end uint64) {
	f.mu.Lock()
	added := false
	for i := start; i < end; i++ {
		if i < uint64(len(f.have)) && f.have[i] {
			continue
		}
		if _, ok := f.wants[i]; !ok {
			f.wants[i] = struct{}{}
			added = true
		}
	}
	if added {
		f.notifyLocked()
	}
	f.mu.Unlock()
	if added {
		f.afterChange()
	}
}

// Wants returns up to limit wanted block indices covered by the known
// head, lowest first.
func (f *Feed) Wants(limit int) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	wants := make([]uint64, 0, len(f.wants))
	for index := range f.wants {
		if index < f.head.Length {
			wants = append(wants, index)
		}
	}
	slices.Sort(wants)
	if len(wants) > limit {
		wants = wants[:limit]
	}
	return wants
}

// ApplyHead adopts a peer's head if it is validly signed and extends
// the local one. A shorter or equal head is ignored. A head that
// rewrites history fails with ErrFeedConflict. It reports whether the
// feed grew.
func (f *Feed) ApplyHead(head Head) (bool, error) {
	if head.Feed != f.name {
		return false, fmt.Errorf("%w: %s feed offered a %q head", ErrFeedConflict, f.name, head.Feed)
	}
	if err := head.Verify(f.key); err != nil {
		return false, err
	}

	f.mu.Lock()
	shared := min(head.Length, f.head.Length)
	for i := range shared {
		if head.Hashes[i] != f.head.Hashes[i] {
			f.mu.Unlock()
			return false, fmt.Errorf("%w: %s block %d differs", ErrFeedConflict, f.name, i)
		}
	}
	wasKnown := f.known
	if f.signer != nil || (wasKnown && head.Length <= f.head.Length) {
		f.mu.Unlock()
		return false, nil
	}
	if err := f.persistHeadLocked(head); err != nil {
		f.mu.Unlock()
		return false, err
	}
	previous := f.head.Length
	f.head = head.clone()
	f.known = true
	for i := previous; i < head.Length; i++ {
		f.have = append(f.have, false)
		f.byteLength += uint64(head.Sizes[i])
		if f.eager {
			f.wants[i] = struct{}{}
		}
	}
	f.notifyLocked()
	f.mu.Unlock()

	f.afterChange()
	return head.Length > previous, nil
}

// PutBlock stores a block received from a peer after checking it
// against the head.
func (f *Feed) PutBlock(index uint64, data []byte) error {
	f.mu.Lock()
	if index >= f.head.Length {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s block %d beyond head length %d", ErrBlockCorrupt, f.name, index, f.head.Length)
	}
	if f.have[index] {
		f.mu.Unlock()
		return nil
	}
	if uint32(len(data)) != f.head.Sizes[index] || HashBlock(data) != f.head.Hashes[index] {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s block %d", ErrBlockCorrupt, f.name, index)
	}
	if err := renameio.WriteFile(f.blockPath(index), encodeBlock(data), 0o600); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("archive: writing %s block %d: %w", f.name, index, err)
	}
	f.have[index] = true
	f.haveCount++
	delete(f.wants, index)
	f.notifyLocked()
	f.mu.Unlock()

	f.afterChange()
	return nil
}
