// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"

	"golang.org/x/crypto/blake2b"
)

// Key is an archive's ed25519 public key. It names the archive and
// verifies every feed head.
type Key [32]byte

// DiscoveryKey is the public rendezvous identifier for an archive. It
// is derived one-way from the Key, so peers can find each other without
// disclosing the key on the wire.
type DiscoveryKey [32]byte

var hashPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// IsKeyString reports whether s is a 64-character hex key.
func IsKeyString(s string) bool { return hashPattern.MatchString(s) }

// ParseKey decodes a 64-character hex key.
func ParseKey(s string) (Key, error) {
	var key Key
	if !IsKeyString(s) {
		return key, fmt.Errorf("%w: %q is not a 64-character hex key", ErrInvalidURL, s)
	}
	hex.Decode(key[:], []byte(s))
	return key, nil
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// MarshalText encodes the key as hex.
func (k Key) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a 64-character hex key.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// URL returns the canonical root URL of the archive.
func (k Key) URL() string { return Scheme + "://" + k.String() + "/" }

// Discovery derives the discovery key: BLAKE2b-256 of the string
// "hypercore", keyed with the public key.
func (k Key) Discovery() DiscoveryKey {
	hasher, err := blake2b.New256(k[:])
	if err != nil {
		panic("archive: blake2b keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte("hypercore"))
	var discovery DiscoveryKey
	copy(discovery[:], hasher.Sum(nil))
	return discovery
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool { return k == Key{} }

func (d DiscoveryKey) String() string { return hex.EncodeToString(d[:]) }

// Short abbreviates a discovery key for log lines.
func (d DiscoveryKey) Short() string {
	s := d.String()
	return s[:6] + ".." + s[len(s)-2:]
}

// KeyPair is an archive identity together with its signing capability.
// Holding the private key is what makes a process the archive owner.
type KeyPair struct {
	Public  Key
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh identity from random. A nil random
// uses crypto/rand.
func GenerateKeyPair(random io.Reader) (KeyPair, error) {
	if random == nil {
		random = rand.Reader
	}
	public, private, err := ed25519.GenerateKey(random)
	if err != nil {
		return KeyPair{}, fmt.Errorf("archive: generating key pair: %w", err)
	}
	var pair KeyPair
	copy(pair.Public[:], public)
	pair.Private = private
	return pair, nil
}

// KeyPairFromSeed rebuilds a key pair from its 32-byte ed25519 seed.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("archive: seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed)
	var pair KeyPair
	copy(pair.Public[:], private.Public().(ed25519.PublicKey))
	pair.Private = private
	return pair, nil
}
