// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package library

import (
	"context"

	"github.com/bureau-foundation/drive/lib/archive"
)

// Stat returns the entry a URL names.
func (l *Library) Stat(ctx context.Context, url string, opts archive.ReadOptions) (archive.Entry, error) {
	a, filePath, err := l.open(ctx, url)
	if err != nil {
		return archive.Entry{}, err
	}
	return a.Stat(ctx, filePath, opts)
}

// ReadFile returns the file a URL names, encoded with enc.
func (l *Library) ReadFile(ctx context.Context, url string, enc archive.Encoding, opts archive.ReadOptions) ([]byte, error) {
	a, filePath, err := l.open(ctx, url)
	if err != nil {
		return nil, err
	}
	data, err := a.ReadFile(ctx, filePath, opts)
	if err != nil {
		return nil, err
	}
	return archive.Encode(data, enc)
}

// ListFiles returns the children of the directory a URL names.
func (l *Library) ListFiles(ctx context.Context, url string, opts archive.ReadOptions) ([]archive.Entry, error) {
	a, filePath, err := l.open(ctx, url)
	if err != nil {
		return nil, err
	}
	return a.List(ctx, filePath, opts)
}

// WriteFile writes data, given in encoding enc, to the file a URL
// names on behalf of origin.
func (l *Library) WriteFile(ctx context.Context, origin, url string, data []byte, enc archive.Encoding) error {
	a, filePath, err := l.open(ctx, url)
	if err != nil {
		return err
	}
	decoded, err := archive.Decode(data, enc)
	if err != nil {
		return err
	}
	if err := l.gateway.AuthorizeWrite(ctx, a, origin); err != nil {
		return err
	}
	if err := l.gateway.CheckQuota(ctx, a, uint64(len(decoded))); err != nil {
		return err
	}
	return a.WriteFile(ctx, filePath, decoded)
}

// CreateDirectory creates the directory a URL names on behalf of
// origin.
func (l *Library) CreateDirectory(ctx context.Context, origin, url string) error {
	a, filePath, err := l.authorized(ctx, origin, url)
	if err != nil {
		return err
	}
	return a.CreateDirectory(ctx, filePath)
}

// DeleteFile removes the file a URL names on behalf of origin.
func (l *Library) DeleteFile(ctx context.Context, origin, url string) error {
	a, filePath, err := l.authorized(ctx, origin, url)
	if err != nil {
		return err
	}
	return a.DeleteFile(ctx, filePath)
}

// DeleteDirectory removes the empty directory a URL names on behalf of
// origin.
func (l *Library) DeleteDirectory(ctx context.Context, origin, url string) error {
	a, filePath, err := l.authorized(ctx, origin, url)
	if err != nil {
		return err
	}
	return a.DeleteDirectory(ctx, filePath)
}

func (l *Library) authorized(ctx context.Context, origin, url string) (*archive.Archive, string, error) {
	a, filePath, err := l.open(ctx, url)
	if err != nil {
		return nil, "", err
	}
	if err := l.gateway.AuthorizeWrite(ctx, a, origin); err != nil {
		return nil, "", err
	}
	return a, filePath, nil
}
