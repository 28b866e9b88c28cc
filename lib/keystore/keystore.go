// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore keeps the signing keys of archives this daemon
// created. Each key's ed25519 seed is age-encrypted to the daemon's
// X25519 identity and stored in its own file, so the archive
// directories can be copied or backed up without exposing write
// access.
package keystore

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/google/renameio"

	"github.com/bureau-foundation/drive/lib/archive"
)

const (
	identityFile = "identity.txt"
	sealedSuffix = ".age"
)

// Keystore stores archive signing keys sealed to one age identity.
type Keystore struct {
	dir      string
	identity *age.X25519Identity
	logger   *slog.Logger

	mu sync.Mutex
}

// Open loads the identity in dir, generating one on first use.
func Open(dir string, logger *slog.Logger) (*Keystore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: creating %s: %w", dir, err)
	}

	identityPath := filepath.Join(dir, identityFile)
	data, err := os.ReadFile(identityPath)
	var identity *age.X25519Identity
	switch {
	case errors.Is(err, fs.ErrNotExist):
		identity, err = age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("keystore: generating identity: %w", err)
		}
		if err := renameio.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("keystore: writing identity: %w", err)
		}
		logger.Info("generated keystore identity", "recipient", identity.Recipient().String())
	case err != nil:
		return nil, fmt.Errorf("keystore: reading identity: %w", err)
	default:
		identity, err = age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("keystore: parsing identity in %s: %w", identityPath, err)
		}
	}
	return &Keystore{dir: dir, identity: identity, logger: logger}, nil
}

// Recipient is the age public key signing keys are sealed to.
func (k *Keystore) Recipient() string {
	return k.identity.Recipient().String()
}

func (k *Keystore) path(key archive.Key) string {
	return filepath.Join(k.dir, key.String()+sealedSuffix)
}

// Put seals the pair's private key.
func (k *Keystore) Put(pair archive.KeyPair) error {
	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, k.identity.Recipient())
	if err != nil {
		return fmt.Errorf("keystore: creating encryptor: %w", err)
	}
	if _, err := writer.Write(pair.Private.Seed()); err != nil {
		return fmt.Errorf("keystore: sealing %s: %w", pair.Public, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("keystore: sealing %s: %w", pair.Public, err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := renameio.WriteFile(k.path(pair.Public), sealed.Bytes(), 0o600); err != nil {
		return fmt.Errorf("keystore: writing %s: %w", pair.Public, err)
	}
	k.logger.Debug("signing key stored", "key", pair.Public.String())
	return nil
}

// Get returns the private key for key. A key this daemon does not hold
// returns nil without error.
func (k *Keystore) Get(key archive.Key) (ed25519.PrivateKey, error) {
	k.mu.Lock()
	sealed, err := os.ReadFile(k.path(key))
	k.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: reading %s: %w", key, err)
	}

	reader, err := age.Decrypt(bytes.NewReader(sealed), k.identity)
	if err != nil {
		return nil, fmt.Errorf("keystore: unsealing %s: %w", key, err)
	}
	seed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("keystore: unsealing %s: %w", key, err)
	}
	pair, err := archive.KeyPairFromSeed(seed)
	clear(seed)
	if err != nil {
		return nil, fmt.Errorf("keystore: %s: %w", key, err)
	}
	if pair.Public != key {
		return nil, fmt.Errorf("keystore: sealed key in %s belongs to %s", k.path(key), pair.Public)
	}
	return pair.Private, nil
}

// Keys lists every archive key held.
func (k *Keystore) Keys() ([]archive.Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	names, err := os.ReadDir(k.dir)
	if err != nil {
		return nil, fmt.Errorf("keystore: listing %s: %w", k.dir, err)
	}
	var keys []archive.Key
	for _, entry := range names {
		name, ok := strings.CutSuffix(entry.Name(), sealedSuffix)
		if !ok || !archive.IsKeyString(name) {
			continue
		}
		key, err := archive.ParseKey(name)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
