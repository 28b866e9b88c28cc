// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import "github.com/bureau-foundation/drive/lib/archive"

// Handshake is the first message on every stream.
type Handshake struct {
	DiscoveryKey archive.DiscoveryKey `cbor:"discoveryKey"`

	// ID identifies the sending daemon for the lifetime of its
	// process.
	ID string `cbor:"id"`

	Upload   bool `cbor:"upload"`
	Download bool `cbor:"download"`
}

type messageType string

const (
	typeHandshake messageType = "handshake"
	typeHead      messageType = "head"
	typeWant      messageType = "want"
	typeData      messageType = "data"
	typeReset     messageType = "reset"
	typeResetAck  messageType = "reset-ack"
)

// message is the single wire envelope. Which fields are set depends
// on Type:
//
//	handshake  Handshake
//	head       Head
//	want       Feed, Indices
//	data       Feed, Index, Data
//	reset      Upload, Seq
//	reset-ack  Seq
type message struct {
	Type      messageType   `cbor:"type"`
	Handshake *Handshake    `cbor:"handshake,omitempty"`
	Head      *archive.Head `cbor:"head,omitempty"`
	Feed      string        `cbor:"feed,omitempty"`
	Indices   []uint64      `cbor:"indices,omitempty"`
	Index     uint64        `cbor:"index,omitempty"`
	Data      []byte        `cbor:"data,omitempty"`
	Upload    bool          `cbor:"upload,omitempty"`
	Seq       uint64        `cbor:"seq,omitempty"`
}
