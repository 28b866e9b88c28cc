// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single framed message. It must hold one content
// block plus its envelope.
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge is returned by ReadFrame when the peer announces a
// frame above MaxFrameSize.
var ErrFrameTooLarge = errors.New("codec: frame exceeds maximum size")

// WriteFrame encodes v and writes it as one frame: a 4-byte big-endian
// length followed by the CBOR bytes. The frame is written with a single
// Write call so concurrent writers serialized by a mutex never
// interleave partial frames.
func WriteFrame(w io.Writer, v any) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: encoding frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	buffer := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buffer, uint32(len(data)))
	copy(buffer[4:], data)
	if _, err := w.Write(buffer); err != nil {
		return fmt.Errorf("codec: writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame and decodes it into v.
// A clean end of stream before the length prefix returns io.EOF.
func ReadFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("codec: reading frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("codec: reading frame body: %w", err)
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: decoding frame: %w", err)
	}
	return nil
}
