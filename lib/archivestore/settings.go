// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archivestore

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// UserSettings are the operator's choices for one archive.
type UserSettings struct {
	Key     string `cbor:"key" json:"key"`
	IsSaved bool   `cbor:"isSaved" json:"isSaved"`

	// BytesAllowed is the archive's quota. Zero means unset: the
	// process-wide default applies.
	BytesAllowed uint64 `cbor:"bytesAllowed" json:"bytesAllowed"`
}

// SettingsUpdate changes only the fields that are non-nil.
type SettingsUpdate struct {
	IsSaved      *bool   `cbor:"isSaved,omitempty" json:"isSaved,omitempty"`
	BytesAllowed *uint64 `cbor:"bytesAllowed,omitempty" json:"bytesAllowed,omitempty"`
}

// Filter selects archives in QueryUserSettings. Nil fields match
// everything.
type Filter struct {
	IsSaved *bool `cbor:"isSaved,omitempty" json:"isSaved,omitempty"`
	IsOwner *bool `cbor:"isOwner,omitempty" json:"isOwner,omitempty"`
}

// Record is one QueryUserSettings result. Meta is nil unless requested.
type Record struct {
	UserSettings
	Meta *Meta `cbor:"meta,omitempty" json:"meta,omitempty"`
}

// GetUserSettings returns the settings for key. An archive with no row
// has zero settings: unsaved, quota unset.
func (s *Store) GetUserSettings(ctx context.Context, key string) (UserSettings, error) {
	settings := UserSettings{Key: key}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return readUserSettings(conn, key, &settings)
	})
	if err != nil {
		return UserSettings{}, fmt.Errorf("archivestore: reading settings for %s: %w", key, err)
	}
	return settings, nil
}

func readUserSettings(conn *sqlite.Conn, key string, settings *UserSettings) error {
	return sqlitex.Execute(conn,
		`SELECT is_saved, bytes_allowed FROM archive_user_settings WHERE key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				settings.IsSaved = stmt.ColumnInt64(0) != 0
				settings.BytesAllowed = uint64(stmt.ColumnInt64(1))
				return nil
			},
		})
}

// SetUserSettings applies update to the stored settings for key and
// publishes the merged result to subscribers. It returns the merged
// settings.
func (s *Store) SetUserSettings(ctx context.Context, key string, update SettingsUpdate) (UserSettings, error) {
	settings := UserSettings{Key: key}
	err := s.withTransaction(ctx, func(conn *sqlite.Conn) error {
		if err := readUserSettings(conn, key, &settings); err != nil {
			return err
		}
		if update.IsSaved != nil {
			settings.IsSaved = *update.IsSaved
		}
		if update.BytesAllowed != nil {
			settings.BytesAllowed = *update.BytesAllowed
		}
		return sqlitex.Execute(conn, `
			INSERT INTO archive_user_settings (key, is_saved, bytes_allowed, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				is_saved = excluded.is_saved,
				bytes_allowed = excluded.bytes_allowed`,
			&sqlitex.ExecOptions{Args: []any{
				key,
				boolInt(settings.IsSaved),
				int64(settings.BytesAllowed),
				s.clock.Now().UnixMilli(),
			}})
	})
	if err != nil {
		return UserSettings{}, fmt.Errorf("archivestore: writing settings for %s: %w", key, err)
	}

	s.logger.Debug("archive user settings updated",
		"key", key,
		"is_saved", settings.IsSaved,
		"bytes_allowed", settings.BytesAllowed,
	)
	s.publish(ctx, Change{Key: key, Settings: settings})
	return settings, nil
}

// QueryUserSettings lists archives with a settings row matching filter,
// in creation order. With includeMeta each record carries the cached
// metadata snapshot.
func (s *Store) QueryUserSettings(ctx context.Context, filter Filter, includeMeta bool) ([]Record, error) {
	var conditions []string
	var args []any
	if filter.IsSaved != nil {
		conditions = append(conditions, "s.is_saved = ?")
		args = append(args, boolInt(*filter.IsSaved))
	}
	if filter.IsOwner != nil {
		conditions = append(conditions, "COALESCE(m.is_owner, 0) = ?")
		args = append(args, boolInt(*filter.IsOwner))
	}
	query := `SELECT s.key, s.is_saved, s.bytes_allowed, ` + metaColumns + `
		FROM archive_user_settings s
		LEFT JOIN archive_meta m ON m.key = s.key`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY s.created_at, s.key"

	var records []Record
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record := Record{UserSettings: UserSettings{
					Key:          stmt.ColumnText(0),
					IsSaved:      stmt.ColumnInt64(1) != 0,
					BytesAllowed: uint64(stmt.ColumnInt64(2)),
				}}
				if includeMeta {
					meta, err := scanMeta(stmt, 3)
					if err != nil {
						return err
					}
					meta.Key = record.Key
					record.Meta = &meta
				}
				records = append(records, record)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("archivestore: querying settings: %w", err)
	}
	return records, nil
}
