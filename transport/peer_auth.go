// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/rand"
	"fmt"
	"io"
)

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// ProofSize is the size of an Authenticator proof in bytes.
const ProofSize = 32

// Authenticator proves and checks knowledge of a secret shared by the
// two ends of a connection.
type Authenticator interface {
	// Prove answers a challenge. The result must be ProofSize bytes.
	Prove(message []byte) []byte

	// Verify checks a proof from the peer identified by peerID.
	Verify(peerID string, message, proof []byte) error
}

// Authenticate runs the mutual challenge-response on channel. Both
// peers run it at the same time. The protocol is:
//
//  1. Send a 32-byte random nonce
//  2. Read the peer's nonce
//  3. Prove (peerNonce || peerID), binding the answer to the
//     challenger's identity
//  4. Send the proof
//  5. Read the peer's proof
//  6. Verify it against (ownNonce || localID)
//
// Binding the identity stops a proof given to peer A being replayed
// against peer B.
//
// Writes happen on a background goroutine so that synchronous channels
// such as net.Pipe, where Write blocks until the peer reads, do not
// deadlock with both sides writing first.
//
// The caller is responsible for closing the channel on failure.
func Authenticate(channel io.ReadWriter, authenticator Authenticator, localID, peerID string) error {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("transport: generating auth nonce: %w", err)
	}

	writeErrors := make(chan error, 1)
	proofToSend := make(chan []byte, 1)
	go func() {
		if _, err := channel.Write(nonce); err != nil {
			writeErrors <- fmt.Errorf("transport: sending auth nonce: %w", err)
			return
		}
		proof, ok := <-proofToSend
		if !ok {
			writeErrors <- nil
			return
		}
		if _, err := channel.Write(proof); err != nil {
			writeErrors <- fmt.Errorf("transport: sending auth proof: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peerNonce := make([]byte, authNonceSize)
	if _, err := io.ReadFull(channel, peerNonce); err != nil {
		close(proofToSend)
		return fmt.Errorf("transport: reading peer nonce: %w", err)
	}

	challenge := make([]byte, 0, authNonceSize+len(peerID))
	challenge = append(challenge, peerNonce...)
	challenge = append(challenge, peerID...)
	proof := authenticator.Prove(challenge)
	if len(proof) != ProofSize {
		close(proofToSend)
		return fmt.Errorf("transport: authenticator produced a %d-byte proof, want %d", len(proof), ProofSize)
	}
	proofToSend <- proof

	peerProof := make([]byte, ProofSize)
	if _, err := io.ReadFull(channel, peerProof); err != nil {
		return fmt.Errorf("transport: reading peer proof: %w", err)
	}
	if err := <-writeErrors; err != nil {
		return err
	}

	expected := make([]byte, 0, authNonceSize+len(localID))
	expected = append(expected, nonce...)
	expected = append(expected, localID...)
	if err := authenticator.Verify(peerID, expected, peerProof); err != nil {
		return fmt.Errorf("transport: peer %s failed authentication: %w", peerID, err)
	}
	return nil
}
