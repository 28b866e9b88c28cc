// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/blake2b"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/transport"
)

var errCapability = errors.New("capability proof does not match the archive key")

// Capability authenticates peers by their knowledge of the archive
// public key. Discovery announces only the discovery key, so a peer
// that merely observed announcements can not pass.
type Capability struct {
	key archive.Key
}

var _ transport.Authenticator = Capability{}

// NewCapability returns the authenticator for key.
func NewCapability(key archive.Key) Capability {
	return Capability{key: key}
}

func (c Capability) Prove(message []byte) []byte {
	mac, err := blake2b.New256(c.key[:])
	if err != nil {
		panic("replication: blake2b keyed hash initialization failed: " + err.Error())
	}
	mac.Write([]byte("drive.capability"))
	mac.Write(message)
	return mac.Sum(nil)
}

func (c Capability) Verify(_ string, message, proof []byte) error {
	if subtle.ConstantTimeCompare(c.Prove(message), proof) != 1 {
		return errCapability
	}
	return nil
}
