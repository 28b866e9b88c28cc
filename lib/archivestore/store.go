// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package archivestore persists everything the drive daemon knows about
// archives outside the archives themselves: per-archive user settings
// (saved flag and quota), the cached metadata snapshot shown to
// clients, permission grants, and global settings.
//
// Settings changes are published to subscribers so the registry can
// reconfigure live swarm state.
package archivestore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/drive/lib/clock"
	"github.com/bureau-foundation/drive/lib/sqlitepool"
)

var migrations = []string{
	`
	CREATE TABLE archive_user_settings (
		key           TEXT PRIMARY KEY,
		is_saved      INTEGER NOT NULL DEFAULT 0,
		bytes_allowed INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	);
	CREATE TABLE archive_meta (
		key         TEXT PRIMARY KEY,
		title       TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		author      TEXT NOT NULL DEFAULT '',
		version     TEXT NOT NULL DEFAULT '',
		fork_of     BLOB,
		created_by  BLOB,
		mtime       INTEGER NOT NULL DEFAULT 0,
		size        INTEGER NOT NULL DEFAULT 0,
		meta_size   INTEGER NOT NULL DEFAULT 0,
		is_owner    INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE permissions (
		perm_key TEXT NOT NULL,
		origin   TEXT NOT NULL,
		allowed  INTEGER NOT NULL,
		decided  INTEGER NOT NULL,
		PRIMARY KEY (perm_key, origin)
	);
	CREATE TABLE global_settings (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`,
}

// Config describes a Store.
type Config struct {
	// Path is the SQLite database file. Its directory must exist.
	Path     string
	PoolSize int
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Store is the durable archive record store. It is safe for concurrent
// use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	subscribersMu sync.Mutex
	subscribers   map[*subscription]struct{}
}

// Open opens (creating if needed) the store at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       cfg.Path,
		PoolSize:   cfg.PoolSize,
		Migrations: migrations,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("archivestore: %w", err)
	}
	return &Store{
		pool:        pool,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		subscribers: make(map[*subscription]struct{}),
	}, nil
}

// Close closes the database. Subscriptions stay open until cancelled.
func (s *Store) Close() error {
	return s.pool.Close()
}

// withConn runs fn on a pooled connection.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("archivestore: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// withTransaction runs fn inside an IMMEDIATE transaction, so
// read-modify-write sequences do not race other writers.
func (s *Store) withTransaction(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("archivestore: begin transaction: %w", err)
		}
		defer endFn(&err)
		return fn(conn)
	})
}

// GetGlobalSetting returns the named setting and whether it was set.
func (s *Store) GetGlobalSetting(ctx context.Context, name string) (value string, found bool, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT value FROM global_settings WHERE name = ?`, &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("archivestore: reading global setting %q: %w", name, err)
	}
	return value, found, nil
}

// SetGlobalSetting stores a named setting, replacing any earlier value.
func (s *Store) SetGlobalSetting(ctx context.Context, name, value string) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO global_settings (name, value) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
			&sqlitex.ExecOptions{Args: []any{name, value}})
	})
	if err != nil {
		return fmt.Errorf("archivestore: writing global setting %q: %w", name, err)
	}
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
