// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/library"
)

func TestRootHelpListsCommands(t *testing.T) {
	var buffer bytes.Buffer
	root().PrintHelp(&buffer)
	for _, name := range []string{"create", "fork", "cat", "write", "download", "quota", "manifest"} {
		if !strings.Contains(buffer.String(), "  "+name) {
			t.Errorf("help is missing %q:\n%s", name, buffer.String())
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	err := root().Execute([]string{"teleport"})
	if err == nil || !strings.Contains(err.Error(), `unknown command "teleport"`) {
		t.Fatalf("Execute(teleport) = %v", err)
	}
}

func TestArgumentCountIsChecked(t *testing.T) {
	err := root().Execute([]string{"cat", "--socket", "/nonexistent.sock"})
	if err == nil || !strings.Contains(err.Error(), "usage: drive cat <url>") {
		t.Fatalf("Execute(cat) = %v, want usage error", err)
	}
}

func TestUnknownFlag(t *testing.T) {
	err := root().Execute([]string{"ls", "--sorted"})
	if err == nil || !strings.Contains(err.Error(), "unknown flag") {
		t.Fatalf("Execute(ls --sorted) = %v", err)
	}
}

func TestDaemonUnreachable(t *testing.T) {
	err := root().Execute([]string{"ls", "--socket", t.TempDir() + "/missing.sock"})
	if err == nil || !strings.Contains(err.Error(), "is the drive daemon running?") {
		t.Fatalf("Execute(ls) = %v, want connection hint", err)
	}
}

func TestPrintArchives(t *testing.T) {
	var buffer bytes.Buffer
	printArchives(&buffer, []library.ArchiveInfo{{
		Key:     strings.Repeat("ab", 32),
		Title:   "Photos",
		Size:    2048,
		IsSaved: true,
		Mtime:   time.Now().Add(-time.Hour),
	}})
	output := buffer.String()
	for _, want := range []string{"KEY", "Photos", "2.0 KiB", "hour ago"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestPrintEntries(t *testing.T) {
	var buffer bytes.Buffer
	printEntries(&buffer, []archive.Entry{
		{Name: "/docs", Type: archive.TypeDirectory},
		{Name: "/docs/a.txt", Type: archive.TypeFile, Length: 10},
	})
	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], "-") || !strings.Contains(lines[1], "10 B") {
		t.Errorf("entries = %q", lines)
	}
}

func TestTimeoutMillis(t *testing.T) {
	if got := timeoutMillis(-time.Second); got != -1 {
		t.Errorf("negative timeout = %d, want -1", got)
	}
	if got := timeoutMillis(1500 * time.Millisecond); got != 1500 {
		t.Errorf("1.5s = %d, want 1500", got)
	}
}
