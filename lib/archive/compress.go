// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Stored blocks begin with one tag byte naming the compression.
const (
	compressionNone byte = 0
	compressionLZ4  byte = 1
	compressionZstd byte = 2
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	errIncompressible = errors.New("incompressible")
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBlock compresses a block for storage. Text compresses with
// zstd, anything else with lz4, and data neither shrinks is stored raw.
func encodeBlock(data []byte) []byte {
	tag := compressionLZ4
	if utf8.Valid(data) {
		tag = compressionZstd
	}
	var compressed []byte
	var err error
	switch tag {
	case compressionZstd:
		compressed, err = compressZstd(data)
	default:
		compressed, err = compressLZ4(data)
	}
	if err != nil {
		tag, compressed = compressionNone, data
	}
	stored := make([]byte, 1+len(compressed))
	stored[0] = tag
	copy(stored[1:], compressed)
	return stored
}

// decodeBlock reverses encodeBlock. size is the uncompressed length
// recorded in the feed head.
func decodeBlock(stored []byte, size int) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("%w: empty block file", ErrBlockCorrupt)
	}
	payload := stored[1:]
	switch stored[0] {
	case compressionNone:
		if len(payload) != size {
			return nil, fmt.Errorf("%w: stored %d bytes, want %d", ErrBlockCorrupt, len(payload), size)
		}
		return payload, nil
	case compressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil || n != size {
			return nil, fmt.Errorf("%w: lz4 decoded %d of %d bytes: %v", ErrBlockCorrupt, n, size, err)
		}
		return out, nil
	case compressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil || len(out) != size {
			return nil, fmt.Errorf("%w: zstd decoded %d of %d bytes: %v", ErrBlockCorrupt, len(out), size, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression tag %d", ErrBlockCorrupt, stored[0])
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	out := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, out, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return out[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}
