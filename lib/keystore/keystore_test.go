// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/drive/lib/archive"
)

func TestPutGetAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pair, err := archive.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(pair); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sealed, err := os.ReadFile(filepath.Join(dir, pair.Public.String()+".age"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, pair.Private.Seed()) {
		t.Fatal("seed stored in the clear")
	}

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Recipient() != store.Recipient() {
		t.Error("identity changed across reopen")
	}
	private, err := reopened.Get(pair.Public)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !private.Equal(pair.Private) {
		t.Error("Get returned a different key")
	}

	keys, err := reopened.Keys()
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != pair.Public {
		t.Errorf("Keys = %v, want [%s]", keys, pair.Public)
	}
}

func TestGetUnknownKey(t *testing.T) {
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	private, err := store.Get(archive.Key{1})
	if err != nil || private != nil {
		t.Errorf("Get(unknown) = %v, %v; want nil, nil", private, err)
	}
}

func TestOtherIdentityCannotUnseal(t *testing.T) {
	first, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	pair, _ := archive.GenerateKeyPair(rand.Reader)
	if err := first.Put(pair); err != nil {
		t.Fatal(err)
	}

	otherDir := t.TempDir()
	second, err := Open(otherDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	sealed, _ := os.ReadFile(first.path(pair.Public))
	if err := os.WriteFile(second.path(pair.Public), sealed, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := second.Get(pair.Public); err == nil {
		t.Error("a different identity unsealed the key")
	}
}
