// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/archivestore"
	"github.com/bureau-foundation/drive/lib/codec"
	"github.com/bureau-foundation/drive/lib/library"
	"github.com/bureau-foundation/drive/lib/version"
)

const (
	dialTimeout     = 5 * time.Second
	responseTimeout = 45 * time.Second
)

// Client calls a daemon's control socket. Each call opens a fresh
// connection.
type Client struct {
	socketPath string
}

// NewClient returns a client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Error is a failed action. It unwraps to the named library error or
// the version rejection, so errors.Is(err, archive.ErrFileNotFound)
// works across the socket.
type Error struct {
	Action  string
	Name    string
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

func (e *Error) Unwrap() error {
	if e.Code != 0 {
		return &version.ClientError{Code: e.Code, Message: e.Message}
	}
	return library.ErrorFromName(e.Name, e.Message)
}

// Call sends action with request's fields and decodes the reply's data
// into result. request may be nil or any struct with cbor tags; result
// may be nil.
func (c *Client) Call(ctx context.Context, action string, request any, result any) error {
	fields := map[string]any{}
	if request != nil {
		encoded, err := codec.Marshal(request)
		if err != nil {
			return fmt.Errorf("control: encoding %s request: %w", action, err)
		}
		if err := codec.Unmarshal(encoded, &fields); err != nil {
			return fmt.Errorf("control: %s request is not a map: %w", action, err)
		}
	}
	fields["action"] = action

	response, err := c.send(ctx, fields)
	if err != nil {
		return fmt.Errorf("control: %s: %w", action, err)
	}
	if !response.OK {
		return &Error{Action: action, Name: response.ErrorName, Code: response.Code, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("control: decoding %s response: %w", action, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, request map[string]any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(responseTimeout))
	}
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&response); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}

// Hello performs the version handshake, failing with a
// *version.ClientError when this client is too old.
func (c *Client) Hello(ctx context.Context) (library.HelloResponse, error) {
	var response library.HelloResponse
	err := c.Call(ctx, ActionHello, HelloRequest{Version: version.Version}, &response)
	return response, err
}

func (c *Client) QueryArchives(ctx context.Context, filter archivestore.Filter) ([]library.ArchiveInfo, error) {
	var archives []library.ArchiveInfo
	err := c.Call(ctx, ActionQueryArchives, QueryRequest{Filter: filter}, &archives)
	return archives, err
}

func (c *Client) CreateArchive(ctx context.Context, fields ManifestFields) (string, error) {
	var response URLResponse
	err := c.Call(ctx, ActionCreateArchive, CreateRequest{ManifestFields: fields}, &response)
	return response.URL, err
}

func (c *Client) ReadFile(ctx context.Context, url string, enc archive.Encoding) ([]byte, error) {
	var response ReadResponse
	err := c.Call(ctx, ActionReadFile, ReadRequest{URL: url, Encoding: string(enc)}, &response)
	return response.Data, err
}

func (c *Client) WriteFile(ctx context.Context, url string, data []byte, enc archive.Encoding) error {
	return c.Call(ctx, ActionWriteFile, WriteRequest{URL: url, Data: data, Encoding: string(enc)}, nil)
}

func (c *Client) ListFiles(ctx context.Context, url string) ([]archive.Entry, error) {
	var entries []archive.Entry
	err := c.Call(ctx, ActionListFiles, ReadRequest{URL: url}, &entries)
	return entries, err
}
