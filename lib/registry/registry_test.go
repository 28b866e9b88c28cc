// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/archivestore"
	"github.com/bureau-foundation/drive/lib/clock"
	"github.com/bureau-foundation/drive/lib/keystore"
	"github.com/bureau-foundation/drive/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingSwarm tracks swarm membership and upload policy without
// touching the network.
type recordingSwarm struct {
	mu           sync.Mutex
	joined       map[archive.Key]bool
	joins        int
	reconfigures int
}

func newRecordingSwarm() *recordingSwarm {
	return &recordingSwarm{joined: make(map[archive.Key]bool)}
}

func (s *recordingSwarm) Join(a *archive.Archive, upload bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.joined[a.Key()]; ok {
		return nil
	}
	s.joined[a.Key()] = upload
	s.joins++
	return nil
}

func (s *recordingSwarm) Leave(a *archive.Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joined, a.Key())
	return nil
}

func (s *recordingSwarm) Reconfigure(_ context.Context, a *archive.Archive, upload bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.joined[a.Key()]; ok {
		s.joined[a.Key()] = upload
		s.reconfigures++
	}
	return nil
}

func (s *recordingSwarm) IsSwarming(a *archive.Archive) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[a.Key()]
	return ok
}

// state returns (swarming, upload) for key.
func (s *recordingSwarm) state(key archive.Key) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	upload, ok := s.joined[key]
	return ok, upload
}

type fixture struct {
	registry *Registry
	store    *archivestore.Store
	keys     *keystore.Keystore
	swarm    *recordingSwarm
	clock    *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	fake := clock.Fake(epoch)
	store, err := archivestore.Open(t.Context(), archivestore.Config{
		Path:  filepath.Join(root, "drive.db"),
		Clock: fake,
	})
	if err != nil {
		t.Fatalf("archivestore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	keys, err := keystore.Open(filepath.Join(root, "keys"), nil)
	if err != nil {
		t.Fatalf("keystore.Open: %v", err)
	}
	swarm := newRecordingSwarm()
	registry, err := New(Config{
		Root:         filepath.Join(root, "archives"),
		Store:        store,
		Keystore:     keys,
		Swarm:        swarm,
		DefaultQuota: 1 << 20,
		Clock:        fake,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { registry.Close() })
	return &fixture{registry: registry, store: store, keys: keys, swarm: swarm, clock: fake}
}

func randomKey(t *testing.T) archive.Key {
	t.Helper()
	pair, err := archive.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return pair.Public
}

func TestConcurrentLoadsShareOneInstance(t *testing.T) {
	f := newFixture(t)
	key := randomKey(t)
	events, cancel := f.registry.Subscribe()
	defer cancel()

	const callers = 16
	results := make([]*archive.Archive, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			a, err := f.registry.GetOrLoad(t.Context(), key, LoadOptions{})
			if err != nil {
				t.Errorf("GetOrLoad: %v", err)
			}
			results[i] = a
		})
	}
	wg.Wait()

	for i, a := range results {
		if a == nil || a != results[0] {
			t.Fatalf("caller %d received %p, want %p", i, a, results[0])
		}
	}
	if f.registry.Get(key) != results[0] {
		t.Error("Get does not return the loaded instance")
	}
	if f.registry.GetByDiscoveryKey(key.Discovery()) != results[0] {
		t.Error("GetByDiscoveryKey does not return the loaded instance")
	}
	if f.swarm.joins != 1 {
		t.Errorf("joined %d times, want 1", f.swarm.joins)
	}

	event := testutil.RequireReceive(t, events, time.Second, "loaded event")
	if event.Kind != EventLoaded || event.Key != key {
		t.Errorf("event = %+v, want loaded %s", event, key)
	}
	select {
	case extra := <-events:
		t.Errorf("unexpected second event %+v", extra)
	default:
	}
}

func TestWaiterRetriesAfterLoaderCancels(t *testing.T) {
	f := newFixture(t)
	key := randomKey(t)

	// Another caller holds the load and gives up on its own context.
	pending := &pendingLoad{done: make(chan struct{})}
	f.registry.mu.Lock()
	f.registry.loading[key] = pending
	f.registry.mu.Unlock()

	type result struct {
		archive *archive.Archive
		err     error
	}
	results := make(chan result, 1)
	go func() {
		a, err := f.registry.GetOrLoad(t.Context(), key, LoadOptions{})
		results <- result{a, err}
	}()
	f.registry.finishLoad(key, pending, nil, context.Canceled)

	got := testutil.RequireReceive(t, results, 5*time.Second, "waiter result")
	if got.err != nil {
		t.Fatalf("GetOrLoad after the loader cancelled = %v", got.err)
	}
	if got.archive == nil || f.registry.Get(key) != got.archive {
		t.Fatal("waiter did not load the archive itself")
	}
	if swarming, _ := f.swarm.state(key); !swarming {
		t.Error("archive loaded without NoSwarm did not join its swarm")
	}
}

func TestLoadHonoursNoSwarmAndSavedSettings(t *testing.T) {
	f := newFixture(t)
	quiet := randomKey(t)
	if _, err := f.registry.GetOrLoad(t.Context(), quiet, LoadOptions{NoSwarm: true}); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if swarming, _ := f.swarm.state(quiet); swarming {
		t.Error("NoSwarm load joined the swarm")
	}

	saved := randomKey(t)
	isSaved := true
	if _, err := f.store.SetUserSettings(t.Context(), saved.String(), archivestore.SettingsUpdate{IsSaved: &isSaved}); err != nil {
		t.Fatalf("SetUserSettings: %v", err)
	}
	a, err := f.registry.GetOrLoad(t.Context(), saved, LoadOptions{})
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if !a.UserSettings().IsSaved {
		t.Error("settings not attached at load")
	}
	if swarming, upload := f.swarm.state(saved); !swarming || !upload {
		t.Errorf("saved archive swarm state = (%v, %v), want joined uploading", swarming, upload)
	}
}

func TestCreateOpensOwnerArchive(t *testing.T) {
	f := newFixture(t)
	a, err := f.registry.Create(t.Context(), LoadOptions{NoSwarm: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !a.IsOwner() {
		t.Fatal("created archive is not owned")
	}
	if err := a.WriteFile(t.Context(), "/hello.txt", []byte("hi")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	key := a.Key()
	if err := f.registry.Unload(t.Context(), key); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if f.registry.Get(key) != nil {
		t.Fatal("archive still registered after Unload")
	}
	testutil.RequireClosed(t, a.Done(), time.Second, "unloaded archive closed")

	reopened, err := f.registry.GetOrLoad(t.Context(), key, LoadOptions{NoSwarm: true})
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if reopened == a {
		t.Fatal("reload returned the closed instance")
	}
	if !reopened.IsOwner() {
		t.Error("reloaded archive lost its signing key")
	}
	data, err := reopened.ReadFile(t.Context(), "/hello.txt", archive.ReadOptions{Timeout: archive.NoWait})
	if err != nil || string(data) != "hi" {
		t.Errorf("ReadFile after reload = %q, %v", data, err)
	}
}

func TestConfigureAppliesUploadPolicy(t *testing.T) {
	f := newFixture(t)
	key := randomKey(t)

	if err := f.registry.Configure(t.Context(), key, archivestore.UserSettings{Key: key.String()}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if swarming, upload := f.swarm.state(key); !swarming || upload {
		t.Fatalf("after first Configure = (%v, %v), want joined without upload", swarming, upload)
	}

	if err := f.registry.Configure(t.Context(), key, archivestore.UserSettings{Key: key.String(), IsSaved: true}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if _, upload := f.swarm.state(key); !upload {
		t.Error("saving did not enable upload")
	}
	if f.swarm.reconfigures != 1 {
		t.Errorf("reconfigures = %d, want 1", f.swarm.reconfigures)
	}

	// Unchanged policy leaves the streams alone.
	if err := f.registry.Configure(t.Context(), key, archivestore.UserSettings{Key: key.String(), IsSaved: true, BytesAllowed: 42}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if f.swarm.reconfigures != 1 {
		t.Errorf("reconfigures = %d after a quota-only change, want 1", f.swarm.reconfigures)
	}
	if got := f.registry.Get(key).EffectiveQuota(); got != 42 {
		t.Errorf("EffectiveQuota = %d, want 42", got)
	}
}

func TestRunFollowsStoreChanges(t *testing.T) {
	f := newFixture(t)
	key := randomKey(t)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.registry.Run(ctx) }()

	// Run subscribes asynchronously; keep saving until the change lands.
	isSaved := true
	testutil.RequireEventually(t, 5*time.Second, "saved archive configured", func() bool {
		if _, err := f.store.SetUserSettings(t.Context(), key.String(), archivestore.SettingsUpdate{IsSaved: &isSaved}); err != nil {
			t.Fatalf("SetUserSettings: %v", err)
		}
		_, upload := f.swarm.state(key)
		return upload
	})
	if a := f.registry.Get(key); a == nil || !a.UserSettings().IsSaved {
		t.Error("settings change not attached to the archive")
	}

	cancel()
	testutil.RequireReceive(t, done, time.Second, "Run returns after cancel")
}

func TestSetupConfiguresSavedArchives(t *testing.T) {
	f := newFixture(t)
	saved, unsaved := randomKey(t), randomKey(t)
	yes, no := true, false
	for key, value := range map[archive.Key]*bool{saved: &yes, unsaved: &no} {
		if _, err := f.store.SetUserSettings(t.Context(), key.String(), archivestore.SettingsUpdate{IsSaved: value}); err != nil {
			t.Fatalf("SetUserSettings: %v", err)
		}
	}

	if err := f.registry.Setup(t.Context()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if swarming, upload := f.swarm.state(saved); !swarming || !upload {
		t.Errorf("saved archive = (%v, %v), want joined uploading", swarming, upload)
	}
	if f.registry.Get(unsaved) != nil {
		t.Error("Setup loaded an unsaved archive")
	}
}

func TestMetadataRefreshIsDebounced(t *testing.T) {
	f := newFixture(t)
	a, err := f.registry.Create(t.Context(), LoadOptions{NoSwarm: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := a.WriteManifest(t.Context(), archive.Manifest{Title: "Notes", URL: a.Key().URL()}); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	f.clock.WaitForTimers(1)
	f.clock.Advance(DefaultMetaDebounce / 2)
	meta, err := f.store.GetMeta(t.Context(), a.Key().String())
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if meta.Title != "" {
		t.Fatalf("metadata refreshed before the quiet period: %+v", meta)
	}

	testutil.RequireEventually(t, 5*time.Second, "metadata refreshed", func() bool {
		f.clock.Advance(DefaultMetaDebounce)
		meta, err := f.store.GetMeta(t.Context(), a.Key().String())
		return err == nil && meta.Title == "Notes"
	})
	meta, _ = f.store.GetMeta(t.Context(), a.Key().String())
	if !meta.IsOwner || meta.Size != int64(a.ByteSize()) || !meta.Mtime.After(epoch) {
		t.Errorf("refreshed meta = %+v", meta)
	}
}

func TestCloseRejectsLoads(t *testing.T) {
	f := newFixture(t)
	a, err := f.registry.GetOrLoad(t.Context(), randomKey(t), LoadOptions{})
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if err := f.registry.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	testutil.RequireClosed(t, a.Done(), time.Second, "archive closed by registry Close")
	if swarming, _ := f.swarm.state(a.Key()); swarming {
		t.Error("archive still swarming after Close")
	}
	if _, err := f.registry.GetOrLoad(t.Context(), randomKey(t), LoadOptions{}); err != ErrClosed {
		t.Errorf("GetOrLoad after Close = %v, want ErrClosed", err)
	}
}

func TestJoinAndLeaveSwarm(t *testing.T) {
	f := newFixture(t)
	key := randomKey(t)

	a, err := f.registry.JoinSwarm(t.Context(), key)
	if err != nil {
		t.Fatalf("JoinSwarm: %v", err)
	}
	if swarming, upload := f.swarm.state(key); !swarming || upload {
		t.Errorf("after JoinSwarm = (%v, %v), want joined without upload", swarming, upload)
	}
	if err := f.registry.LeaveSwarm(key); err != nil {
		t.Fatalf("LeaveSwarm: %v", err)
	}
	if swarming, _ := f.swarm.state(key); swarming {
		t.Error("still swarming after LeaveSwarm")
	}
	if f.registry.Get(key) != a {
		t.Error("LeaveSwarm unloaded the archive")
	}
}
