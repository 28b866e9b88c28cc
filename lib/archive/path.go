// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ManifestPath is the archive's manifest. Callers may read it but only
// the daemon writes it.
const ManifestPath = "/dat.json"

var validPath = regexp.MustCompile(`^[a-zA-Z0-9\-._~!$&'()*+,;=:@/\s]+$`)

// CleanPath turns a caller path into the slash-rooted form stored in the
// metadata log. It does not validate.
func CleanPath(p string) string {
	return path.Clean("/" + p)
}

// ValidatePath checks a directory or file path against the path
// grammar. File writes additionally reject a trailing slash.
func ValidatePath(p string, isFile bool) error {
	if isFile && strings.HasSuffix(p, "/") {
		return fmt.Errorf("%w: files can not have a trailing slash: %q", ErrInvalidPath, p)
	}
	if !validPath.MatchString(p) {
		return fmt.Errorf("%w: path contains invalid characters: %q", ErrInvalidPath, p)
	}
	return nil
}

// IsProtected reports whether a cleaned path names a daemon-managed file.
func IsProtected(cleaned string) bool {
	return cleaned == ManifestPath
}

func parentOf(name string) string {
	return path.Dir(name)
}

// isUnder reports whether name lies strictly inside directory dir.
func isUnder(name, dir string) bool {
	if dir == "/" {
		return name != "/"
	}
	return strings.HasPrefix(name, dir+"/")
}
