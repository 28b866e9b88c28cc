// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Encoding names how file data is represented to callers.
type Encoding string

const (
	UTF8   Encoding = "utf8"
	Hex    Encoding = "hex"
	Base64 Encoding = "base64"
	Binary Encoding = "binary"
)

// ParseEncoding accepts the encoding names clients send. Empty means
// utf8.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "", "utf8", "utf-8":
		return UTF8, nil
	case "hex":
		return Hex, nil
	case "base64":
		return Base64, nil
	case "binary", "buffer":
		return Binary, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEncoding, name)
}

// Encode renders file bytes in enc.
func Encode(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case UTF8, Binary:
		return data, nil
	case Hex:
		out := make([]byte, hex.EncodedLen(len(data)))
		hex.Encode(out, data)
		return out, nil
	case Base64:
		out := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
		base64.StdEncoding.Encode(out, data)
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidEncoding, enc)
}

// Decode turns caller data in enc back into file bytes.
func Decode(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case UTF8, Binary:
		return data, nil
	case Hex:
		out := make([]byte, hex.DecodedLen(len(data)))
		if _, err := hex.Decode(out, data); err != nil {
			return nil, fmt.Errorf("%w: hex: %v", ErrInvalidEncoding, err)
		}
		return out, nil
	case Base64:
		out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(out, data)
		if err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrInvalidEncoding, err)
		}
		return out[:n], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidEncoding, enc)
}
