// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archivestore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// QueryPermission returns the recorded decision for (permKey, origin).
// decided is false when no decision has been recorded.
func (s *Store) QueryPermission(ctx context.Context, permKey, origin string) (allowed, decided bool, err error) {
	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT allowed FROM permissions WHERE perm_key = ? AND origin = ?`,
			&sqlitex.ExecOptions{
				Args: []any{permKey, origin},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					allowed = stmt.ColumnInt64(0) != 0
					decided = true
					return nil
				},
			})
	})
	if err != nil {
		return false, false, fmt.Errorf("archivestore: reading permission %s for %s: %w", permKey, origin, err)
	}
	return allowed, decided, nil
}

// SetPermission records a decision for (permKey, origin), replacing any
// earlier one.
func (s *Store) SetPermission(ctx context.Context, permKey, origin string, allowed bool) error {
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO permissions (perm_key, origin, allowed, decided) VALUES (?, ?, ?, ?)
			ON CONFLICT (perm_key, origin) DO UPDATE SET
				allowed = excluded.allowed,
				decided = excluded.decided`,
			&sqlitex.ExecOptions{Args: []any{permKey, origin, boolInt(allowed), s.clock.Now().UnixMilli()}})
	})
	if err != nil {
		return fmt.Errorf("archivestore: writing permission %s for %s: %w", permKey, origin, err)
	}
	s.logger.Info("permission decision recorded", "perm_key", permKey, "origin", origin, "allowed", allowed)
	return nil
}
