// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control serves the daemon's operations on a unix socket.
//
// The protocol is one CBOR request and one CBOR response per
// connection. A request is a map whose "action" field selects the
// handler; the remaining fields are action specific. A response is
// {ok, error, errorName, code, data}: errorName carries the stable
// name of a caller-visible failure (see library.ErrorName) and code is
// set when the hello version gate rejects a client.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/drive/lib/codec"
	"github.com/bureau-foundation/drive/lib/library"
	"github.com/bureau-foundation/drive/lib/version"
)

// ActionFunc handles one action. raw is the full CBOR request. A nil
// result produces {ok: true} with no data.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope of every reply.
type Response struct {
	OK        bool             `cbor:"ok"`
	Error     string           `cbor:"error,omitempty"`
	ErrorName string           `cbor:"errorName,omitempty"`
	Code      int              `cbor:"code,omitempty"`
	Data      codec.RawMessage `cbor:"data,omitempty"`
}

// Server dispatches socket requests to registered actions.
type Server struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	activeConnections sync.WaitGroup
}

// NewServer creates a server for socketPath. Register actions before
// calling Serve.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
	}
}

// Handle registers handler for action. Registering an action twice
// panics.
func (s *Server) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("control.Server: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Actions lists the registered actions.
func (s *Server) Actions() []string {
	actions := make([]string, 0, len(s.handlers))
	for action := range s.handlers {
		actions = append(actions, action)
	}
	return actions
}

// Serve listens on the socket until ctx ends, then waits for in-flight
// requests. A stale socket file is replaced; the socket is removed on
// return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("control: restricting %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", "path", s.socketPath, "actions", len(s.handlers))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.activeConnections.Go(func() { s.handleConnection(ctx, conn) })
	}
	s.activeConnections.Wait()
	return nil
}

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second

	// maxMessageSize bounds requests and responses. File contents
	// travel inside them, so it tracks the frame bound.
	maxMessageSize = codec.MaxFrameSize + 4096
)

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeResponse(conn, failure(fmt.Errorf("invalid request: %w", err)))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeResponse(conn, failure(fmt.Errorf("invalid request: %w", err)))
		return
	}
	if header.Action == "" {
		s.writeResponse(conn, failure(errors.New("missing required field: action")))
		return
	}
	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeResponse(conn, failure(fmt.Errorf("unknown action %q", header.Action)))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		s.writeResponse(conn, failure(err))
		return
	}

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeResponse(conn, failure(fmt.Errorf("internal: marshaling response: %w", err)))
			return
		}
		response.Data = data
	}
	s.writeResponse(conn, response)
}

// failure builds the error response for err, naming it when it is a
// caller-visible kind.
func failure(err error) Response {
	response := Response{Error: err.Error(), ErrorName: library.ErrorName(err)}
	var clientErr *version.ClientError
	if errors.As(err, &clientErr) {
		response.Code = clientErr.Code
		response.Error = clientErr.Message
	}
	return response
}

func (s *Server) writeResponse(conn net.Conn, response Response) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("writing response failed", "error", err)
	}
}
