// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archivestore

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/drive/lib/codec"
)

// CreatedBy identifies the origin that created an archive.
type CreatedBy struct {
	URL   string `cbor:"url" json:"url"`
	Title string `cbor:"title,omitempty" json:"title,omitempty"`
}

// Meta is the cached snapshot of an archive's manifest and size. It is
// refreshed after the archive changes and read by queries that must not
// touch the archive itself.
type Meta struct {
	Key         string     `cbor:"key" json:"key"`
	Title       string     `cbor:"title" json:"title"`
	Description string     `cbor:"description" json:"description"`
	Author      string     `cbor:"author,omitempty" json:"author,omitempty"`
	Version     string     `cbor:"version,omitempty" json:"version,omitempty"`
	ForkOf      []string   `cbor:"forkOf,omitempty" json:"forkOf,omitempty"`
	CreatedBy   *CreatedBy `cbor:"createdBy,omitempty" json:"createdBy,omitempty"`

	// Mtime is the local time of the last refresh.
	Mtime time.Time `cbor:"mtime" json:"mtime"`

	// Size is the content byte size; MetaSize the metadata log size.
	Size     int64 `cbor:"size" json:"size"`
	MetaSize int64 `cbor:"metaSize" json:"metaSize"`
	IsOwner  bool  `cbor:"isOwner" json:"isOwner"`
}

const metaColumns = `m.title, m.description, m.author, m.version, m.fork_of, m.created_by,
	m.mtime, m.size, m.meta_size, m.is_owner`

// scanMeta reads metaColumns starting at column first. A NULL title
// means the LEFT JOIN found no row; the zero Meta is returned.
func scanMeta(stmt *sqlite.Stmt, first int) (Meta, error) {
	var meta Meta
	if stmt.ColumnType(first) == sqlite.TypeNull {
		return meta, nil
	}
	meta.Title = stmt.ColumnText(first)
	meta.Description = stmt.ColumnText(first + 1)
	meta.Author = stmt.ColumnText(first + 2)
	meta.Version = stmt.ColumnText(first + 3)
	if forkOf := columnBytes(stmt, first+4); len(forkOf) > 0 {
		if err := codec.Unmarshal(forkOf, &meta.ForkOf); err != nil {
			return Meta{}, fmt.Errorf("decoding fork_of: %w", err)
		}
	}
	if createdBy := columnBytes(stmt, first+5); len(createdBy) > 0 {
		meta.CreatedBy = new(CreatedBy)
		if err := codec.Unmarshal(createdBy, meta.CreatedBy); err != nil {
			return Meta{}, fmt.Errorf("decoding created_by: %w", err)
		}
	}
	if mtime := stmt.ColumnInt64(first + 6); mtime != 0 {
		meta.Mtime = time.UnixMilli(mtime).UTC()
	}
	meta.Size = stmt.ColumnInt64(first + 7)
	meta.MetaSize = stmt.ColumnInt64(first + 8)
	meta.IsOwner = stmt.ColumnInt64(first+9) != 0
	return meta, nil
}

func columnBytes(stmt *sqlite.Stmt, column int) []byte {
	if stmt.ColumnType(column) == sqlite.TypeNull {
		return nil
	}
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}

// GetMeta returns the cached metadata for key, or the zero Meta (with
// Key set) when nothing has been cached yet.
func (s *Store) GetMeta(ctx context.Context, key string) (Meta, error) {
	meta := Meta{Key: key}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+metaColumns+` FROM archive_meta m WHERE m.key = ?`,
			&sqlitex.ExecOptions{
				Args: []any{key},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					scanned, err := scanMeta(stmt, 0)
					if err != nil {
						return err
					}
					scanned.Key = key
					meta = scanned
					return nil
				},
			})
	})
	if err != nil {
		return Meta{}, fmt.Errorf("archivestore: reading meta for %s: %w", key, err)
	}
	return meta, nil
}

// SetMeta replaces the cached metadata for key.
func (s *Store) SetMeta(ctx context.Context, key string, meta Meta) error {
	var forkOf, createdBy []byte
	var err error
	if len(meta.ForkOf) > 0 {
		if forkOf, err = codec.Marshal(meta.ForkOf); err != nil {
			return fmt.Errorf("archivestore: encoding fork_of: %w", err)
		}
	}
	if meta.CreatedBy != nil {
		if createdBy, err = codec.Marshal(meta.CreatedBy); err != nil {
			return fmt.Errorf("archivestore: encoding created_by: %w", err)
		}
	}
	var mtime int64
	if !meta.Mtime.IsZero() {
		mtime = meta.Mtime.UnixMilli()
	}

	err = s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO archive_meta
				(key, title, description, author, version, fork_of, created_by, mtime, size, meta_size, is_owner)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				author = excluded.author,
				version = excluded.version,
				fork_of = excluded.fork_of,
				created_by = excluded.created_by,
				mtime = excluded.mtime,
				size = excluded.size,
				meta_size = excluded.meta_size,
				is_owner = excluded.is_owner`,
			&sqlitex.ExecOptions{Args: []any{
				key, meta.Title, meta.Description, meta.Author, meta.Version,
				forkOf, createdBy, mtime, meta.Size, meta.MetaSize, boolInt(meta.IsOwner),
			}})
	})
	if err != nil {
		return fmt.Errorf("archivestore: writing meta for %s: %w", key, err)
	}
	return nil
}
