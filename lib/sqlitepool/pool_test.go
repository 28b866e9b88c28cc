// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/drive/lib/sqlitepool"
)

var testMigrations = []string{
	`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL);`,
	`ALTER TABLE notes ADD COLUMN author TEXT NOT NULL DEFAULT '';`,
}

func queryInt(t *testing.T, conn *sqlite.Conn, query string) int {
	t.Helper()
	var value int
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return value
}

func TestOpenAppliesMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	pool, err := sqlitepool.Open(t.Context(), sqlitepool.Config{Path: path, PoolSize: 2, Migrations: testMigrations})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(t.Context())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)

	if got := queryInt(t, conn, "PRAGMA user_version"); got != 2 {
		t.Errorf("user_version = %d, want 2", got)
	}
	err = sqlitex.Execute(conn, "INSERT INTO notes (body, author) VALUES (?, ?)",
		&sqlitex.ExecOptions{Args: []any{"hello", "tester"}})
	if err != nil {
		t.Fatalf("insert into migrated table: %v", err)
	}

	var journalMode string
	err = sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			journalMode = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil || journalMode != "wal" {
		t.Errorf("journal_mode = %q (%v), want wal", journalMode, err)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for range 2 {
		pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{Path: path, Migrations: testMigrations})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := pool.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	pool, err := sqlitepool.Open(t.Context(), sqlitepool.Config{Path: path, Migrations: testMigrations})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pool.Close()

	_, err = sqlitepool.Open(t.Context(), sqlitepool.Config{Path: path, Migrations: testMigrations[:1]})
	if err == nil || !strings.Contains(err.Error(), "newer") {
		t.Fatalf("Open with fewer migrations = %v, want schema version error", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlitepool.Open(t.Context(), sqlitepool.Config{}); err == nil {
		t.Fatal("Open without a path succeeded")
	}
}
