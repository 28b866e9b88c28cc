// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/archivestore"
	"github.com/bureau-foundation/drive/lib/codec"
	"github.com/bureau-foundation/drive/lib/library"
)

// Action names.
const (
	ActionHello                  = "hello"
	ActionQueryArchives          = "query-archives"
	ActionGetArchiveDetails      = "get-archive-details"
	ActionGetArchiveStats        = "get-archive-stats"
	ActionResolveName            = "resolve-name"
	ActionCreateArchive          = "create-archive"
	ActionForkArchive            = "fork-archive"
	ActionDownloadArchive        = "download-archive"
	ActionSetArchiveUserSettings = "set-archive-user-settings"
	ActionUpdateManifest         = "update-manifest"
	ActionLoadArchive            = "load-archive"
	ActionSwarm                  = "swarm"
	ActionUnswarm                = "unswarm"
	ActionStat                   = "stat"
	ActionReadFile               = "read-file"
	ActionWriteFile              = "write-file"
	ActionDeleteFile             = "delete-file"
	ActionListFiles              = "list-files"
	ActionCreateDirectory        = "create-directory"
	ActionDeleteDirectory        = "delete-directory"
)

// Requests. Origin is the application on whose behalf a mutating call
// is made; empty is the local operator.

// HelloRequest carries the client version checked by ActionHello.
type HelloRequest struct {
	Version string `cbor:"version"`
}

// KeyRequest names one archive by key or URL.
type KeyRequest struct {
	Key string `cbor:"key"`
}

// QueryRequest filters the archive list.
type QueryRequest struct {
	archivestore.Filter
}

// DetailsRequest names an archive by URL, key or DNS name.
type DetailsRequest struct {
	Name string `cbor:"name"`
	library.DetailsOptions
}

// ManifestFields are the manifest values a client may set at creation.
type ManifestFields struct {
	Title       string `cbor:"title,omitempty"`
	Description string `cbor:"description,omitempty"`
	Author      string `cbor:"author,omitempty"`
	Version     string `cbor:"version,omitempty"`
}

func (f ManifestFields) manifest() archive.Manifest {
	return archive.Manifest{Title: f.Title, Description: f.Description, Author: f.Author, Version: f.Version}
}

// CreateRequest asks for a new owned archive.
type CreateRequest struct {
	Origin string `cbor:"origin,omitempty"`
	ManifestFields
}

// ForkRequest asks for an owned copy of the archive at URL.
type ForkRequest struct {
	Origin string `cbor:"origin,omitempty"`
	URL    string `cbor:"url"`
	ManifestFields
}

// DownloadRequest asks for every current file of an archive.
type DownloadRequest struct {
	Key string `cbor:"key"`
	library.DownloadOptions
}

// SettingsRequest updates the user settings of one archive.
type SettingsRequest struct {
	Key string `cbor:"key"`
	archivestore.SettingsUpdate
}

// ManifestRequest merges fields into an owned archive's manifest.
type ManifestRequest struct {
	Origin string `cbor:"origin,omitempty"`
	Key    string `cbor:"key"`
	archive.ManifestUpdate
}

// ReadRequest addresses a path for reading. TimeoutMillis of zero uses
// the default wait; a negative value reads only local data.
type ReadRequest struct {
	URL              string `cbor:"url"`
	Encoding         string `cbor:"encoding,omitempty"`
	TimeoutMillis    int64  `cbor:"timeout,omitempty"`
	DownloadedBlocks bool   `cbor:"downloadedBlocks,omitempty"`
}

func (r ReadRequest) options() archive.ReadOptions {
	opts := archive.ReadOptions{DownloadedBlocks: r.DownloadedBlocks}
	switch {
	case r.TimeoutMillis < 0:
		opts.Timeout = archive.NoWait
	case r.TimeoutMillis > 0:
		opts.Timeout = time.Duration(r.TimeoutMillis) * time.Millisecond
	}
	return opts
}

// WriteRequest stores Data, decoded with Encoding, at URL.
type WriteRequest struct {
	Origin   string `cbor:"origin,omitempty"`
	URL      string `cbor:"url"`
	Data     []byte `cbor:"data"`
	Encoding string `cbor:"encoding,omitempty"`
}

// PathRequest addresses a file or directory for a mutation.
type PathRequest struct {
	Origin string `cbor:"origin,omitempty"`
	URL    string `cbor:"url"`
}

// Responses that are not library types.

// URLResponse returns the URL of a created or forked archive.
type URLResponse struct {
	URL string `cbor:"url"`
}

// ResolveResponse is a resolved name.
type ResolveResponse struct {
	Key string `cbor:"key"`
	URL string `cbor:"url"`
}

// ReadResponse carries file data encoded as requested.
type ReadResponse struct {
	Data []byte `cbor:"data"`
}

func decode[T any](raw []byte) (T, error) {
	var request T
	if err := codec.Unmarshal(raw, &request); err != nil {
		return request, fmt.Errorf("invalid request: %w", err)
	}
	return request, nil
}

func parseKey(s string) (archive.Key, error) {
	if s == "" {
		return archive.Key{}, fmt.Errorf("%w: missing key", archive.ErrInvalidURL)
	}
	return archive.KeyFromString(s)
}

// Register installs every library operation on server.
func Register(server *Server, lib *library.Library) {
	server.Handle(ActionHello, func(_ context.Context, raw []byte) (any, error) {
		request, err := decode[HelloRequest](raw)
		if err != nil {
			return nil, err
		}
		return lib.Hello(request.Version)
	})

	server.Handle(ActionQueryArchives, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[QueryRequest](raw)
		if err != nil {
			return nil, err
		}
		return lib.QueryArchives(ctx, request.Filter)
	})

	server.Handle(ActionGetArchiveDetails, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[DetailsRequest](raw)
		if err != nil {
			return nil, err
		}
		return lib.GetArchiveDetails(ctx, request.Name, request.DetailsOptions)
	})

	server.Handle(ActionGetArchiveStats, keyed(func(ctx context.Context, key archive.Key) (any, error) {
		return lib.GetArchiveStats(ctx, key)
	}))

	server.Handle(ActionResolveName, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[struct {
			Name string `cbor:"name"`
		}](raw)
		if err != nil {
			return nil, err
		}
		key, err := lib.ResolveName(ctx, request.Name)
		if err != nil {
			return nil, err
		}
		return ResolveResponse{Key: key.String(), URL: key.URL()}, nil
	})

	server.Handle(ActionCreateArchive, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[CreateRequest](raw)
		if err != nil {
			return nil, err
		}
		url, err := lib.CreateNewArchive(ctx, request.Origin, request.manifest())
		if err != nil {
			return nil, err
		}
		return URLResponse{URL: url}, nil
	})

	server.Handle(ActionForkArchive, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[ForkRequest](raw)
		if err != nil {
			return nil, err
		}
		url, err := lib.ForkArchive(ctx, request.Origin, request.URL, request.manifest())
		if err != nil {
			return nil, err
		}
		return URLResponse{URL: url}, nil
	})

	server.Handle(ActionDownloadArchive, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[DownloadRequest](raw)
		if err != nil {
			return nil, err
		}
		key, err := parseKey(request.Key)
		if err != nil {
			return nil, err
		}
		return lib.DownloadArchive(ctx, key, request.DownloadOptions)
	})

	server.Handle(ActionSetArchiveUserSettings, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[SettingsRequest](raw)
		if err != nil {
			return nil, err
		}
		key, err := parseKey(request.Key)
		if err != nil {
			return nil, err
		}
		return lib.SetArchiveUserSettings(ctx, key, request.SettingsUpdate)
	})

	server.Handle(ActionUpdateManifest, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[ManifestRequest](raw)
		if err != nil {
			return nil, err
		}
		key, err := parseKey(request.Key)
		if err != nil {
			return nil, err
		}
		return lib.UpdateArchiveManifest(ctx, request.Origin, key, request.ManifestUpdate)
	})

	server.Handle(ActionLoadArchive, keyed(func(ctx context.Context, key archive.Key) (any, error) {
		return nil, lib.LoadArchive(ctx, key)
	}))

	server.Handle(ActionSwarm, keyed(func(ctx context.Context, key archive.Key) (any, error) {
		return lib.Swarm(ctx, key)
	}))

	server.Handle(ActionUnswarm, keyed(func(_ context.Context, key archive.Key) (any, error) {
		return nil, lib.Unswarm(key)
	}))

	server.Handle(ActionStat, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[ReadRequest](raw)
		if err != nil {
			return nil, err
		}
		return lib.Stat(ctx, request.URL, request.options())
	})

	server.Handle(ActionReadFile, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[ReadRequest](raw)
		if err != nil {
			return nil, err
		}
		enc, err := archive.ParseEncoding(request.Encoding)
		if err != nil {
			return nil, err
		}
		data, err := lib.ReadFile(ctx, request.URL, enc, request.options())
		if err != nil {
			return nil, err
		}
		return ReadResponse{Data: data}, nil
	})

	server.Handle(ActionListFiles, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[ReadRequest](raw)
		if err != nil {
			return nil, err
		}
		return lib.ListFiles(ctx, request.URL, request.options())
	})

	server.Handle(ActionWriteFile, func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[WriteRequest](raw)
		if err != nil {
			return nil, err
		}
		enc, err := archive.ParseEncoding(request.Encoding)
		if err != nil {
			return nil, err
		}
		return nil, lib.WriteFile(ctx, request.Origin, request.URL, request.Data, enc)
	})

	server.Handle(ActionCreateDirectory, pathed(lib.CreateDirectory))
	server.Handle(ActionDeleteFile, pathed(lib.DeleteFile))
	server.Handle(ActionDeleteDirectory, pathed(lib.DeleteDirectory))
}

func keyed(fn func(ctx context.Context, key archive.Key) (any, error)) ActionFunc {
	return func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[KeyRequest](raw)
		if err != nil {
			return nil, err
		}
		key, err := parseKey(request.Key)
		if err != nil {
			return nil, err
		}
		return fn(ctx, key)
	}
}

func pathed(fn func(ctx context.Context, origin, url string) error) ActionFunc {
	return func(ctx context.Context, raw []byte) (any, error) {
		request, err := decode[PathRequest](raw)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, request.Origin, request.URL)
	}
}
