// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package replication synchronizes an archive's feeds with one peer
// over a byte stream.
//
// Both ends exchange a [Handshake] naming the archive's discovery key
// and their upload and download intent. After that, an uploading side
// announces signed feed heads as they grow and answers block wants; a
// downloading side applies heads it can verify, requests the blocks its
// feeds want, and stores the blocks that match the head hashes. Every
// message is one CBOR frame (see lib/codec).
//
// Upload intent can change mid-stream: [Stream.Renegotiate] sends a
// reset carrying the new intent and returns once the peer acknowledges
// it, at which point the peer has discarded any state that depended on
// the old intent.
package replication
