// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import "errors"

// Caller-visible failures. Operations wrap these with detail; test
// with errors.Is.
var (
	ErrInvalidURL               = errors.New("invalid archive URL")
	ErrInvalidPath              = errors.New("invalid path")
	ErrInvalidEncoding          = errors.New("invalid encoding")
	ErrFileNotFound             = errors.New("file not found")
	ErrNotAFile                 = errors.New("not a file")
	ErrNotADirectory            = errors.New("not a directory")
	ErrEntryAlreadyExists       = errors.New("entry already exists")
	ErrParentFolderDoesntExist  = errors.New("parent folder does not exist")
	ErrDirectoryNotEmpty        = errors.New("directory not empty")
	ErrArchiveNotWritable       = errors.New("archive not writable")
	ErrProtectedFileNotWritable = errors.New("protected file not writable")
	ErrQuotaExceeded            = errors.New("quota exceeded")

	// ErrTimeout means the data was not available in time. The
	// download continues; retrying is safe.
	ErrTimeout = errors.New("timed out waiting for archive data")

	ErrClosed = errors.New("archive closed")
)

// Replication integrity failures. Peers sending these are dropped.
var (
	ErrInvalidSignature = errors.New("feed head signature invalid")
	ErrBlockCorrupt     = errors.New("block does not match feed hash")
	ErrFeedConflict     = errors.New("feed head conflicts with local history")
)
