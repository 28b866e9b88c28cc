// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"slices"
	"strings"
	"time"
)

// EntryType distinguishes files from directories.
type EntryType string

const (
	TypeFile      EntryType = "file"
	TypeDirectory EntryType = "directory"
)

// Entry describes one node of the file tree.
type Entry struct {
	// Name is the slash-rooted path, e.g. "/subdir/hello.txt".
	Name string    `cbor:"name" json:"name"`
	Type EntryType `cbor:"type" json:"type"`

	// Length is the file size in bytes. Zero for directories.
	Length uint64 `cbor:"length" json:"length"`

	// BlockOffset and Blocks locate the file in the content feed.
	BlockOffset uint64 `cbor:"blockOffset" json:"blockOffset"`
	Blocks      uint64 `cbor:"blocks" json:"blocks"`

	Mtime time.Time `cbor:"mtime" json:"mtime"`

	// DownloadedBlocks is filled only when requested from Stat.
	DownloadedBlocks *uint64 `cbor:"downloadedBlocks,omitempty" json:"downloadedBlocks,omitempty"`
}

// IsDirectory reports whether the entry is a directory.
func (e Entry) IsDirectory() bool { return e.Type == TypeDirectory }

type recordOp string

const (
	opPut    recordOp = "put"
	opDelete recordOp = "delete"
)

// record is one block of the metadata feed.
type record struct {
	Op    recordOp `cbor:"op"`
	Entry Entry    `cbor:"entry"`
}

type treeNode struct {
	seq     uint64
	deleted bool
	entry   Entry
}

// tree indexes the metadata feed. For each name it keeps only the
// record with the highest feed index, so records may be applied in any
// order and the last write for a name wins.
type tree struct {
	nodes   map[string]treeNode
	applied []bool
	// prefix is the count of leading feed indices all applied.
	prefix uint64
}

func newTree() *tree {
	return &tree{nodes: make(map[string]treeNode)}
}

func (t *tree) isApplied(seq uint64) bool {
	return seq < uint64(len(t.applied)) && t.applied[seq]
}

func (t *tree) apply(seq uint64, rec *record) {
	for uint64(len(t.applied)) <= seq {
		t.applied = append(t.applied, false)
	}
	t.applied[seq] = true
	for t.prefix < uint64(len(t.applied)) && t.applied[t.prefix] {
		t.prefix++
	}
	if rec == nil {
		return
	}
	name := rec.Entry.Name
	if existing, ok := t.nodes[name]; ok && existing.seq > seq {
		return
	}
	t.nodes[name] = treeNode{seq: seq, deleted: rec.Op == opDelete, entry: rec.Entry}
}

var rootEntry = Entry{Name: "/", Type: TypeDirectory}

// lookup finds a live entry. Directories that only exist as the parent
// of a live entry are synthesized.
func (t *tree) lookup(name string) (Entry, bool) {
	if name == "/" {
		return rootEntry, true
	}
	if node, ok := t.nodes[name]; ok && !node.deleted {
		return node.entry, true
	}
	if t.hasChildren(name) {
		return Entry{Name: name, Type: TypeDirectory}, true
	}
	return Entry{}, false
}

func (t *tree) hasChildren(dir string) bool {
	for name, node := range t.nodes {
		if !node.deleted && isUnder(name, dir) {
			return true
		}
	}
	return false
}

// children lists the direct children of dir, sorted by name.
func (t *tree) children(dir string) []Entry {
	seen := make(map[string]Entry)
	for name, node := range t.nodes {
		if node.deleted || !isUnder(name, dir) {
			continue
		}
		rest := strings.TrimPrefix(name, dir)
		rest = strings.TrimPrefix(rest, "/")
		child, _, nested := strings.Cut(rest, "/")
		childName := strings.TrimSuffix(dir, "/") + "/" + child
		if !nested {
			seen[childName] = node.entry
		} else if _, ok := seen[childName]; !ok {
			seen[childName] = Entry{Name: childName, Type: TypeDirectory}
		}
	}
	// An explicit record beats the synthesized directory.
	for childName := range seen {
		if node, ok := t.nodes[childName]; ok && !node.deleted {
			seen[childName] = node.entry
		}
	}
	return sortedEntries(seen)
}

// live returns every live recorded entry, sorted by name, so parents
// precede their children.
func (t *tree) live() []Entry {
	entries := make(map[string]Entry, len(t.nodes))
	for name, node := range t.nodes {
		if !node.deleted {
			entries[name] = node.entry
		}
	}
	return sortedEntries(entries)
}

func sortedEntries(entries map[string]Entry) []Entry {
	sorted := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		sorted = append(sorted, entry)
	}
	slices.SortFunc(sorted, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return sorted
}
