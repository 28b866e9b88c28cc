// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"net"
	"testing"
)

// testAuthenticator proves knowledge of secret with HMAC-SHA256.
type testAuthenticator struct {
	secret []byte
}

func (a testAuthenticator) Prove(message []byte) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(message)
	return mac.Sum(nil)
}

func (a testAuthenticator) Verify(peerID string, message, proof []byte) error {
	if !hmac.Equal(a.Prove(message), proof) {
		return errors.New("proof mismatch")
	}
	return nil
}

func runPair(t *testing.T, alpha, beta Authenticator, alphaClaimsBeta string) (alphaErr, betaErr error) {
	t.Helper()
	connectionAlpha, connectionBeta := net.Pipe()

	alphaDone := make(chan error, 1)
	betaDone := make(chan error, 1)
	go func() {
		alphaDone <- Authenticate(connectionAlpha, alpha, "peer-alpha", alphaClaimsBeta)
		connectionAlpha.Close()
	}()
	go func() {
		betaDone <- Authenticate(connectionBeta, beta, "peer-beta", "peer-alpha")
		connectionBeta.Close()
	}()
	return <-alphaDone, <-betaDone
}

func TestAuthenticate_MutualSuccess(t *testing.T) {
	shared := testAuthenticator{secret: []byte("archive key")}
	alphaErr, betaErr := runPair(t, shared, shared, "peer-beta")
	if alphaErr != nil || betaErr != nil {
		t.Fatalf("authentication failed: alpha=%v beta=%v", alphaErr, betaErr)
	}
}

// A peer that only knows a different secret (for swarms: one that saw
// the discovery key but not the archive key) is rejected.
func TestAuthenticate_WrongSecret(t *testing.T) {
	alphaErr, betaErr := runPair(t,
		testAuthenticator{secret: []byte("archive key")},
		testAuthenticator{secret: []byte("guess")},
		"peer-beta")
	if alphaErr == nil && betaErr == nil {
		t.Fatal("expected at least one authentication failure, got none")
	}
}

// The proof is bound to the challenger's identity: alpha expecting a
// different peer identity than beta presents fails.
func TestAuthenticate_IdentityBinding(t *testing.T) {
	shared := testAuthenticator{secret: []byte("archive key")}
	alphaErr, betaErr := runPair(t, shared, shared, "peer-gamma")
	if alphaErr == nil && betaErr == nil {
		t.Fatal("expected a failure when the peer identity does not match")
	}
}

func TestAuthenticate_BrokenChannel(t *testing.T) {
	connectionAlpha, connectionBeta := net.Pipe()
	connectionBeta.Close()

	err := Authenticate(connectionAlpha, testAuthenticator{secret: []byte("k")}, "peer-alpha", "peer-beta")
	if err == nil {
		t.Fatal("expected error from broken channel, got nil")
	}
}
