// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for drive binaries and
// gates management clients on a minimum semantic version.
//
// Build information is injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/drive/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/mod/semver"
)

// Set via -ldflags at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns the one-line string printed by --version.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full adds toolchain and platform details to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// CodeClientTooOld is the status code carried by a rejected client
// handshake.
const CodeClientTooOld = 400

// ClientError is the structured rejection returned to a management
// client whose version does not satisfy the minimum.
type ClientError struct {
	Code    int    `cbor:"code" json:"code"`
	Message string `cbor:"message" json:"message"`
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Valid reports whether v is a complete MAJOR.MINOR.PATCH semantic
// version, with or without a leading "v".
func Valid(v string) bool {
	canonical := normalize(v)
	if !semver.IsValid(canonical) {
		return false
	}
	// x/mod accepts "v1" and "v1.2" as shorthands; clients must send
	// all three components.
	core, _, _ := strings.Cut(canonical, "+")
	return semver.Canonical(canonical) == core
}

// CheckClient compares a client's reported version against minimum.
// It returns a *ClientError when the client version is malformed or
// older than minimum, and nil otherwise.
func CheckClient(clientVersion, minimum string) error {
	if !Valid(clientVersion) || semver.Compare(normalize(clientVersion), normalize(minimum)) < 0 {
		return &ClientError{
			Code: CodeClientTooOld,
			Message: fmt.Sprintf("client version is %s and minimum required is %s, please update the client",
				clientVersion, minimum),
		}
	}
	return nil
}

func normalize(v string) string {
	return "v" + strings.TrimPrefix(strings.TrimSpace(v), "v")
}
