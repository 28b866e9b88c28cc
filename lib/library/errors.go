// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package library

import (
	"errors"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/permission"
)

// errorNames are the stable names errors carry across the control
// socket. Order matters only for errors that wrap more than one.
var errorNames = []struct {
	err  error
	name string
}{
	{archive.ErrInvalidURL, "InvalidURLError"},
	{archive.ErrInvalidPath, "InvalidPathError"},
	{archive.ErrInvalidEncoding, "InvalidEncodingError"},
	{archive.ErrFileNotFound, "FileNotFoundError"},
	{archive.ErrNotAFile, "NotAFileError"},
	{archive.ErrNotADirectory, "NotAFolderError"},
	{archive.ErrEntryAlreadyExists, "EntryAlreadyExistsError"},
	{archive.ErrParentFolderDoesntExist, "ParentFolderDoesntExistError"},
	{archive.ErrDirectoryNotEmpty, "DestDirectoryNotEmpty"},
	{archive.ErrArchiveNotWritable, "ArchiveNotWritableError"},
	{archive.ErrProtectedFileNotWritable, "ProtectedFileNotWritableError"},
	{archive.ErrQuotaExceeded, "QuotaExceededError"},
	{archive.ErrTimeout, "TimeoutError"},
	{permission.ErrUserDenied, "UserDeniedError"},
}

// ErrorName returns the stable name of err, or "" when err is not one
// of the caller-visible kinds.
func ErrorName(err error) string {
	for _, entry := range errorNames {
		if errors.Is(err, entry.err) {
			return entry.name
		}
	}
	return ""
}

// ErrorFromName rebuilds an error received under name. The result
// prints as message and matches the named sentinel with errors.Is.
func ErrorFromName(name, message string) error {
	for _, entry := range errorNames {
		if entry.name == name {
			return &namedError{sentinel: entry.err, message: message}
		}
	}
	return errors.New(message)
}

type namedError struct {
	sentinel error
	message  string
}

func (e *namedError) Error() string { return e.message }
func (e *namedError) Unwrap() error { return e.sentinel }
