// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash is a BLAKE3 digest of a feed block or tree node.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Domain keys keep block hashes and tree node hashes from colliding.
// They are ASCII names zero-padded to 32 bytes; changing them
// invalidates every stored feed.
var (
	blockDomain = [32]byte{
		'd', 'r', 'i', 'v', 'e', '.', 'f', 'e', 'e', 'd', '.', 'b', 'l', 'o', 'c', 'k',
	}
	treeDomain = [32]byte{
		'd', 'r', 'i', 'v', 'e', '.', 'f', 'e', 'e', 'd', '.', 't', 'r', 'e', 'e',
	}
)

// HashBlock hashes one uncompressed block.
func HashBlock(data []byte) Hash {
	return keyedHash(blockDomain, data)
}

// MerkleRoot folds block hashes pairwise into a single root. An odd
// node at the end of a level is promoted unchanged rather than
// duplicated. The root of an empty feed is the zero hash.
func MerkleRoot(hashes []Hash) Hash {
	if len(hashes) == 0 {
		return Hash{}
	}
	level := append([]Hash(nil), hashes...)
	var pair [64]byte
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			copy(pair[:32], level[i][:])
			copy(pair[32:], level[i+1][:])
			next = append(next, keyedHash(treeDomain, pair[:]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0]
}

func keyedHash(key [32]byte, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("archive: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
