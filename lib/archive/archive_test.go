// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/drive/lib/archivestore"
	"github.com/bureau-foundation/drive/lib/clock"
	"github.com/bureau-foundation/drive/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testQuota = 100 << 20

func newOwned(t *testing.T) (*Archive, KeyPair) {
	t.Helper()
	pair, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	a, err := Open(Config{
		Dir:          filepath.Join(t.TempDir(), pair.Public.String()),
		Key:          pair.Public,
		Signer:       pair.Private,
		DefaultQuota: testQuota,
		Clock:        clock.Fake(epoch),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, pair
}

func newReplica(t *testing.T, key Key, clk clock.Clock) *Archive {
	t.Helper()
	if clk == nil {
		clk = clock.Fake(epoch)
	}
	a, err := Open(Config{
		Dir:          filepath.Join(t.TempDir(), key.String()),
		Key:          key,
		DefaultQuota: testQuota,
		Clock:        clk,
	})
	if err != nil {
		t.Fatalf("Open replica: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// replicateFeed copies a head and the chosen blocks the way a
// replication stream would.
func replicateFeed(t *testing.T, from, to *Feed, blocks bool) {
	t.Helper()
	if _, err := to.ApplyHead(from.Head()); err != nil {
		t.Fatalf("ApplyHead(%s): %v", from.Name(), err)
	}
	if !blocks {
		return
	}
	for index := range from.Length() {
		data, err := from.Get(index)
		if err != nil {
			t.Fatalf("Get(%s, %d): %v", from.Name(), index, err)
		}
		if err := to.PutBlock(index, data); err != nil {
			t.Fatalf("PutBlock(%s, %d): %v", from.Name(), index, err)
		}
	}
}

func local() ReadOptions { return ReadOptions{Timeout: NoWait} }

func TestWriteAndReadFile(t *testing.T) {
	a, _ := newOwned(t)
	ctx := t.Context()

	large := bytes.Repeat([]byte("0123456789abcdef"), BlockSize/8)
	for name, data := range map[string][]byte{
		"/hello.txt": []byte("hello world"),
		"/empty":     nil,
		"/large.bin": large,
	} {
		if err := a.WriteFile(ctx, name, data); err != nil {
			t.Fatalf("WriteFile(%s): %v", name, err)
		}
		got, err := a.ReadFile(ctx, name, local())
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", name, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("ReadFile(%s) returned %d bytes, want %d", name, len(got), len(data))
		}
	}

	entry, err := a.Stat(ctx, "large.bin", ReadOptions{DownloadedBlocks: true})
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if entry.Blocks != 2 || entry.Length != uint64(len(large)) {
		t.Errorf("large.bin blocks=%d length=%d, want 2 blocks of %d bytes", entry.Blocks, entry.Length, len(large))
	}
	if entry.DownloadedBlocks == nil || *entry.DownloadedBlocks != 2 {
		t.Errorf("DownloadedBlocks = %v, want 2", entry.DownloadedBlocks)
	}
	if !entry.Mtime.Equal(epoch) {
		t.Errorf("Mtime = %v, want %v", entry.Mtime, epoch)
	}
	if got := a.ByteSize(); got != uint64(len(large))+11 {
		t.Errorf("ByteSize = %d", got)
	}
}

func TestInvalidPathLeavesLogUnchanged(t *testing.T) {
	a, _ := newOwned(t)
	ctx := t.Context()

	for _, p := range []string{"/bad<name>.txt", "/dir/", "/tab\x00"} {
		before := a.Metadata().Length()
		err := a.WriteFile(ctx, p, []byte("x"))
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("WriteFile(%q) = %v, want ErrInvalidPath", p, err)
		}
		if after := a.Metadata().Length(); after != before {
			t.Errorf("WriteFile(%q) grew the metadata log from %d to %d", p, before, after)
		}
	}
	if err := a.CreateDirectory(ctx, "/what?"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("CreateDirectory(/what?) = %v, want ErrInvalidPath", err)
	}
	if a.ByteSize() != 0 {
		t.Errorf("ByteSize = %d after rejected writes", a.ByteSize())
	}
}

func TestStatIsIdempotent(t *testing.T) {
	a, _ := newOwned(t)
	ctx := t.Context()
	if err := a.WriteFile(ctx, "/a.txt", []byte("abc")); err != nil {
		t.Fatal(err)
	}
	first, err := a.Stat(ctx, "/a.txt", local())
	if err != nil {
		t.Fatal(err)
	}
	length := a.Metadata().Length()
	second, err := a.Stat(ctx, "a.txt", local())
	if err != nil {
		t.Fatal(err)
	}
	if first.Name != second.Name || first.Length != second.Length || !first.Mtime.Equal(second.Mtime) {
		t.Errorf("Stat changed between calls: %+v then %+v", first, second)
	}
	if a.Metadata().Length() != length {
		t.Error("Stat appended to the metadata log")
	}
}

func TestQuotaBoundary(t *testing.T) {
	ctx := t.Context()

	a, _ := newOwned(t)
	a.SetUserSettings(archivestore.UserSettings{Key: a.Key().String(), BytesAllowed: 10240})
	if err := a.WriteFile(ctx, "/over", make([]byte, 10241)); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("writing 10241 bytes under a 10240 quota = %v, want ErrQuotaExceeded", err)
	}
	if a.Metadata().Length() != 0 {
		t.Error("rejected write reached the metadata log")
	}
	if err := a.WriteFile(ctx, "/exact", make([]byte, 10240)); err != nil {
		t.Fatalf("writing exactly the quota: %v", err)
	}
	if err := a.WriteFile(ctx, "/one-more", []byte{1}); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("writing past a full quota = %v, want ErrQuotaExceeded", err)
	}

	// Unset BytesAllowed falls back to the archive default.
	b, _ := newOwned(t)
	if got := b.EffectiveQuota(); got != testQuota {
		t.Errorf("EffectiveQuota = %d, want default %d", got, testQuota)
	}
}

func TestManifestIsProtected(t *testing.T) {
	a, _ := newOwned(t)
	ctx := t.Context()

	for _, p := range []string{"/dat.json", "dat.json", "//dat.json", "/sub/../dat.json"} {
		if err := a.WriteFile(ctx, p, []byte("{}")); !errors.Is(err, ErrProtectedFileNotWritable) {
			t.Errorf("WriteFile(%q) = %v, want ErrProtectedFileNotWritable", p, err)
		}
	}
	if err := a.DeleteFile(ctx, "/dat.json"); !errors.Is(err, ErrProtectedFileNotWritable) {
		t.Errorf("DeleteFile(/dat.json) = %v, want ErrProtectedFileNotWritable", err)
	}

	a.SetUserSettings(archivestore.UserSettings{Key: a.Key().String(), BytesAllowed: 1})
	if err := a.WriteManifest(ctx, Manifest{URL: a.Key().URL(), Title: "Photos"}); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	description := "vacation"
	manifest, err := a.UpdateManifest(ctx, ManifestUpdate{Description: &description})
	if err != nil {
		t.Fatalf("UpdateManifest: %v", err)
	}
	if manifest.Title != "Photos" || manifest.Description != "vacation" {
		t.Errorf("manifest = %+v", manifest)
	}
	reread, err := a.ReadManifest(ctx, local())
	if err != nil {
		t.Fatal(err)
	}
	if reread.Title != "Photos" || reread.URL != a.Key().URL() {
		t.Errorf("ReadManifest = %+v", reread)
	}
}

func TestParseManifestIsLenient(t *testing.T) {
	manifest, err := ParseManifest([]byte(`{
		// edited by hand
		"title": "Notes",
		"forkOf": ["dat://` + string(bytes.Repeat([]byte("a"), 64)) + `/"],
	}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if manifest.Title != "Notes" || len(manifest.ForkOf) != 1 {
		t.Errorf("manifest = %+v", manifest)
	}
}

func TestUnownedArchiveRejectsWrites(t *testing.T) {
	owner, _ := newOwned(t)
	replica := newReplica(t, owner.Key(), nil)
	ctx := t.Context()

	checks := map[string]error{
		"WriteFile":       replica.WriteFile(ctx, "/x", []byte("x")),
		"CreateDirectory": replica.CreateDirectory(ctx, "/d"),
		"DeleteFile":      replica.DeleteFile(ctx, "/x"),
		"DeleteDirectory": replica.DeleteDirectory(ctx, "/d"),
		"WriteManifest":   replica.WriteManifest(ctx, Manifest{}),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrArchiveNotWritable) {
			t.Errorf("%s = %v, want ErrArchiveNotWritable", name, err)
		}
	}
	if replica.IsOwner() {
		t.Error("replica reports ownership")
	}
}

func TestDirectories(t *testing.T) {
	a, _ := newOwned(t)
	ctx := t.Context()

	if err := a.WriteFile(ctx, "/missing/file.txt", []byte("x")); !errors.Is(err, ErrParentFolderDoesntExist) {
		t.Errorf("write into missing directory = %v, want ErrParentFolderDoesntExist", err)
	}
	if err := a.CreateDirectory(ctx, "/docs"); err != nil {
		t.Fatal(err)
	}
	if err := a.CreateDirectory(ctx, "/docs"); !errors.Is(err, ErrEntryAlreadyExists) {
		t.Errorf("second CreateDirectory = %v, want ErrEntryAlreadyExists", err)
	}
	if err := a.WriteFile(ctx, "/docs/readme.md", []byte("# hi")); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteFile(ctx, "/docs", []byte("x")); !errors.Is(err, ErrEntryAlreadyExists) {
		t.Errorf("file over directory = %v, want ErrEntryAlreadyExists", err)
	}

	entries, err := a.List(ctx, "/", local())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "/docs" || !entries[0].IsDirectory() {
		t.Errorf("List(/) = %+v", entries)
	}
	if _, err := a.List(ctx, "/docs/readme.md", local()); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("List(file) = %v, want ErrNotADirectory", err)
	}
	if _, err := a.ReadFile(ctx, "/docs", local()); !errors.Is(err, ErrNotAFile) {
		t.Errorf("ReadFile(dir) = %v, want ErrNotAFile", err)
	}

	if err := a.DeleteDirectory(ctx, "/"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("DeleteDirectory(/) = %v, want ErrInvalidPath", err)
	}
	if err := a.DeleteDirectory(ctx, "/docs"); !errors.Is(err, ErrDirectoryNotEmpty) {
		t.Errorf("DeleteDirectory(non-empty) = %v, want ErrDirectoryNotEmpty", err)
	}
	if err := a.DeleteFile(ctx, "/docs/readme.md"); err != nil {
		t.Fatal(err)
	}
	if err := a.DeleteFile(ctx, "/docs/readme.md"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("second DeleteFile = %v, want ErrFileNotFound", err)
	}
	if err := a.DeleteDirectory(ctx, "/docs"); err != nil {
		t.Fatalf("DeleteDirectory(empty): %v", err)
	}
	if _, err := a.Stat(ctx, "/docs", local()); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Stat(deleted dir) = %v, want ErrFileNotFound", err)
	}
}

func TestLastWriteWins(t *testing.T) {
	a, _ := newOwned(t)
	ctx := t.Context()
	for _, version := range []string{"one", "two", "three"} {
		if err := a.WriteFile(ctx, "/v.txt", []byte(version)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := a.ReadFile(ctx, "/v.txt", local())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "three" {
		t.Errorf("ReadFile = %q, want three", got)
	}
	// Every version stays in the content feed.
	if a.ByteSize() != uint64(len("one")+len("two")+len("three")) {
		t.Errorf("ByteSize = %d", a.ByteSize())
	}
}

func TestTreeAppliesOutOfOrder(t *testing.T) {
	tr := newTree()
	newer := &record{Op: opPut, Entry: Entry{Name: "/f", Type: TypeFile, Length: 2}}
	older := &record{Op: opPut, Entry: Entry{Name: "/f", Type: TypeFile, Length: 1}}
	tr.apply(5, newer)
	tr.apply(2, older)
	entry, ok := tr.lookup("/f")
	if !ok || entry.Length != 2 {
		t.Errorf("lookup after out-of-order apply = %+v, %v; want the seq 5 record", entry, ok)
	}
	tr.apply(7, &record{Op: opDelete, Entry: Entry{Name: "/f", Type: TypeFile}})
	if _, ok := tr.lookup("/f"); ok {
		t.Error("deleted entry is still visible")
	}
	if tr.prefix != 0 {
		t.Errorf("prefix = %d with gaps from 0", tr.prefix)
	}
}

func TestReplicaReadsReplicatedFeeds(t *testing.T) {
	owner, _ := newOwned(t)
	ctx := t.Context()
	if err := owner.CreateDirectory(ctx, "/sub"); err != nil {
		t.Fatal(err)
	}
	if err := owner.WriteFile(ctx, "/sub/a.txt", []byte("alpha")); err != nil {
		t.Fatal(err)
	}

	replica := newReplica(t, owner.Key(), nil)
	if _, err := replica.Stat(ctx, "/sub", ReadOptions{}); !errors.Is(err, ErrTimeout) {
		t.Errorf("Stat before any head, not swarming = %v, want ErrTimeout", err)
	}

	replicateFeed(t, owner.Metadata(), replica.Metadata(), true)
	replicateFeed(t, owner.Content(), replica.Content(), false)

	entry, err := replica.Stat(ctx, "/sub/a.txt", ReadOptions{DownloadedBlocks: true})
	if err != nil {
		t.Fatalf("Stat on replica: %v", err)
	}
	if entry.DownloadedBlocks == nil || *entry.DownloadedBlocks != 0 {
		t.Errorf("DownloadedBlocks = %v, want 0 before content arrives", entry.DownloadedBlocks)
	}
	if replica.ByteSize() != owner.ByteSize() {
		t.Errorf("replica ByteSize %d != owner %d", replica.ByteSize(), owner.ByteSize())
	}
	if _, err := replica.ReadFile(ctx, "/sub/a.txt", local()); !errors.Is(err, ErrTimeout) {
		t.Errorf("local read of missing content = %v, want ErrTimeout", err)
	}
	if wants := replica.Content().Wants(10); len(wants) != 1 || wants[0] != 0 {
		t.Errorf("content wants = %v, want [0]", wants)
	}

	replicateFeed(t, owner.Content(), replica.Content(), true)
	got, err := replica.ReadFile(ctx, "/sub/a.txt", local())
	if err != nil {
		t.Fatalf("ReadFile after replication: %v", err)
	}
	if string(got) != "alpha" {
		t.Errorf("ReadFile = %q", got)
	}
	if len(replica.Content().Wants(10)) != 0 {
		t.Error("satisfied wants remain")
	}
}

func TestReadWaitsWhileSwarming(t *testing.T) {
	owner, _ := newOwned(t)
	ctx := t.Context()
	if err := owner.WriteFile(ctx, "/a.txt", []byte("alpha")); err != nil {
		t.Fatal(err)
	}

	fake := clock.Fake(epoch)
	replica := newReplica(t, owner.Key(), fake)
	replicateFeed(t, owner.Metadata(), replica.Metadata(), true)
	replicateFeed(t, owner.Content(), replica.Content(), false)
	replica.SetSwarm(SwarmState{IsSwarming: true, PeerCount: 1})

	type result struct {
		data []byte
		err  error
	}
	read := func() <-chan result {
		done := make(chan result, 1)
		go func() {
			data, err := replica.ReadFile(ctx, "/a.txt", ReadOptions{})
			done <- result{data, err}
		}()
		return done
	}

	// Nothing arrives: the default timeout expires.
	pending := read()
	fake.WaitForTimers(1)
	fake.Advance(DefaultTimeout)
	if got := testutil.RequireReceive(t, pending, 5*time.Second, "timed out read"); !errors.Is(got.err, ErrTimeout) {
		t.Fatalf("ReadFile with no data = %v, want ErrTimeout", got.err)
	}

	// The block arrives while the read waits.
	pending = read()
	fake.WaitForTimers(1)
	replicateFeed(t, owner.Content(), replica.Content(), true)
	got := testutil.RequireReceive(t, pending, 5*time.Second, "satisfied read")
	if got.err != nil || string(got.data) != "alpha" {
		t.Errorf("ReadFile = %q, %v", got.data, got.err)
	}
}

func TestFeedRejectsForgeries(t *testing.T) {
	owner, _ := newOwned(t)
	ctx := t.Context()
	if err := owner.WriteFile(ctx, "/a.txt", []byte("alpha")); err != nil {
		t.Fatal(err)
	}
	replica := newReplica(t, owner.Key(), nil)

	forged := owner.Content().Head()
	forged.Hashes[0][0] ^= 0xff
	if _, err := replica.Content().ApplyHead(forged); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("ApplyHead(forged) = %v, want ErrInvalidSignature", err)
	}

	if _, err := replica.Content().ApplyHead(owner.Content().Head()); err != nil {
		t.Fatal(err)
	}
	if err := replica.Content().PutBlock(0, []byte("omega")); !errors.Is(err, ErrBlockCorrupt) {
		t.Errorf("PutBlock(wrong data) = %v, want ErrBlockCorrupt", err)
	}

	other, _ := newOwned(t)
	if _, err := replica.Metadata().ApplyHead(other.Metadata().Head()); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("ApplyHead(other key) = %v, want ErrInvalidSignature", err)
	}
}

func TestReopenKeepsState(t *testing.T) {
	pair, err := GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	open := func() *Archive {
		a, err := Open(Config{Dir: dir, Key: pair.Public, Signer: pair.Private, DefaultQuota: testQuota})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return a
	}
	a := open()
	if err := a.WriteFile(t.Context(), "/kept.txt", []byte("still here")); err != nil {
		t.Fatal(err)
	}
	a.Close()

	b := open()
	defer b.Close()
	got, err := b.ReadFile(t.Context(), "/kept.txt", local())
	if err != nil || string(got) != "still here" {
		t.Errorf("ReadFile after reopen = %q, %v", got, err)
	}
}

func TestCopyDownloaded(t *testing.T) {
	owner, _ := newOwned(t)
	ctx := t.Context()
	if err := owner.WriteManifest(ctx, Manifest{Title: "source"}); err != nil {
		t.Fatal(err)
	}
	if err := owner.CreateDirectory(ctx, "/dir"); err != nil {
		t.Fatal(err)
	}
	for name, data := range map[string]string{"/dir/a.txt": "a", "/b.txt": "b"} {
		if err := owner.WriteFile(ctx, name, []byte(data)); err != nil {
			t.Fatal(err)
		}
	}

	// The replica has every record but only the content of /b.txt.
	replica := newReplica(t, owner.Key(), nil)
	replicateFeed(t, owner.Metadata(), replica.Metadata(), true)
	replicateFeed(t, owner.Content(), replica.Content(), false)
	bEntry, err := owner.Stat(ctx, "/b.txt", local())
	if err != nil {
		t.Fatal(err)
	}
	data, _ := owner.Content().Get(bEntry.BlockOffset)
	if err := replica.Content().PutBlock(bEntry.BlockOffset, data); err != nil {
		t.Fatal(err)
	}

	fork, _ := newOwned(t)
	copied, err := CopyDownloaded(context.Background(), replica, fork, ManifestPath)
	if err != nil {
		t.Fatalf("CopyDownloaded: %v", err)
	}
	if copied != 1 {
		t.Errorf("copied %d files, want 1", copied)
	}
	if _, err := fork.Stat(ctx, "/dir", local()); err != nil {
		t.Errorf("directory not copied: %v", err)
	}
	if _, err := fork.Stat(ctx, "/dir/a.txt", local()); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("undownloaded file copied: %v", err)
	}
	if _, err := fork.Stat(ctx, ManifestPath, local()); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("ignored manifest copied: %v", err)
	}
}

func TestCopyDownloadedChecksQuota(t *testing.T) {
	ctx := t.Context()
	src, _ := newOwned(t)
	if err := src.WriteFile(ctx, "/large.bin", make([]byte, 3*BlockSize)); err != nil {
		t.Fatal(err)
	}

	fork, _ := newOwned(t)
	fork.SetUserSettings(archivestore.UserSettings{Key: fork.Key().String(), BytesAllowed: 2 * BlockSize})
	copied, err := CopyDownloaded(ctx, src, fork)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("CopyDownloaded over quota = %d, %v, want ErrQuotaExceeded", copied, err)
	}
	if fork.Metadata().Length() != 0 || fork.ByteSize() != 0 {
		t.Errorf("rejected copy stored %d records and %d bytes", fork.Metadata().Length(), fork.ByteSize())
	}
}

func TestConcurrentWritesStayWithinQuota(t *testing.T) {
	const (
		writers = 16
		size    = 4096
	)
	a, _ := newOwned(t)
	a.SetUserSettings(archivestore.UserSettings{Key: a.Key().String(), BytesAllowed: 5 * size})

	var wg sync.WaitGroup
	results := make([]error, writers)
	for i := range writers {
		wg.Go(func() {
			data := bytes.Repeat([]byte{byte(i)}, size)
			results[i] = a.WriteFile(context.Background(), fmt.Sprintf("/file-%02d", i), data)
		})
	}
	wg.Wait()

	accepted := 0
	for i, err := range results {
		name := fmt.Sprintf("/file-%02d", i)
		switch {
		case err == nil:
			accepted++
			data, err := a.ReadFile(t.Context(), name, local())
			if err != nil {
				t.Errorf("ReadFile(%s): %v", name, err)
				continue
			}
			if !bytes.Equal(data, bytes.Repeat([]byte{byte(i)}, size)) {
				t.Errorf("%s holds another writer's content", name)
			}
		case errors.Is(err, ErrQuotaExceeded):
			if _, err := a.Stat(t.Context(), name, local()); !errors.Is(err, ErrFileNotFound) {
				t.Errorf("rejected %s is visible: %v", name, err)
			}
		default:
			t.Errorf("WriteFile(%s): %v", name, err)
		}
	}
	if accepted != 5 {
		t.Errorf("accepted %d writes, want 5", accepted)
	}
	if got := a.Metadata().Length(); got != uint64(accepted) {
		t.Errorf("metadata log has %d records for %d accepted writes", got, accepted)
	}
	if a.ByteSize() > a.EffectiveQuota() {
		t.Errorf("ByteSize %d exceeds quota %d", a.ByteSize(), a.EffectiveQuota())
	}
}
