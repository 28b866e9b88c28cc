// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Scheme is the URL scheme of archive URLs.
const Scheme = "dat"

var leadingSlashes = regexp.MustCompile(`^/+`)

// ParseURL splits "dat://<64 hex>/<path>" into the archive key and the
// file path. A bare 64-character hex key addresses the archive root.
// Repeated leading slashes in the path are collapsed.
func ParseURL(raw string) (Key, string, error) {
	if IsKeyString(raw) {
		key, err := ParseKey(raw)
		return key, "/", err
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return Key{}, "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != Scheme {
		return Key{}, "", fmt.Errorf("%w: URL must use the %s: scheme", ErrInvalidURL, Scheme)
	}
	if !IsKeyString(parsed.Host) {
		return Key{}, "", fmt.Errorf("%w: hostname %q is not a valid key", ErrInvalidURL, parsed.Host)
	}
	key, err := ParseKey(parsed.Host)
	if err != nil {
		return Key{}, "", err
	}
	filePath := parsed.Path
	if filePath == "" {
		filePath = "/"
	}
	return key, leadingSlashes.ReplaceAllString(filePath, "/"), nil
}

// KeyFromString accepts a bare hex key or any archive URL and returns
// the key.
func KeyFromString(s string) (Key, error) {
	key, _, err := ParseURL(strings.TrimSpace(s))
	return key, err
}
