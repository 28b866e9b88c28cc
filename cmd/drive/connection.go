// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/drive/lib/config"
	"github.com/bureau-foundation/drive/lib/control"
	"github.com/bureau-foundation/drive/lib/version"
)

// connection holds the flags every daemon-facing command shares.
type connection struct {
	socket     string
	configPath string
	outputJSON bool
}

func (c *connection) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.socket, "socket", "", "control socket path (default: from config)")
	flagSet.StringVar(&c.configPath, "config", "", "path to drive.yaml (default: $"+config.EnvironmentVariable+")")
	flagSet.BoolVar(&c.outputJSON, "json", false, "output as JSON")
}

func (c *connection) socketPath() (string, error) {
	if c.socket != "" {
		return c.socket, nil
	}
	var cfg *config.Config
	var err error
	switch {
	case c.configPath != "":
		cfg, err = config.LoadFile(c.configPath)
	case os.Getenv(config.EnvironmentVariable) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
		cfg.Expand()
	}
	if err != nil {
		return "", err
	}
	return cfg.Paths.ControlSocket, nil
}

// dial returns a client after the version handshake, and a context
// cancelled on interrupt.
func (c *connection) dial() (*control.Client, context.Context, context.CancelFunc, error) {
	path, err := c.socketPath()
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	client := control.NewClient(path)
	if _, err := client.Hello(ctx); err != nil {
		cancel()
		if errors.As(err, new(*version.ClientError)) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, fmt.Errorf("is the drive daemon running? %w", err)
	}
	return client, ctx, cancel, nil
}

// call runs one action with a fresh connection.
func (c *connection) call(action string, request, result any) error {
	client, ctx, cancel, err := c.dial()
	if err != nil {
		return err
	}
	defer cancel()
	return client.Call(ctx, action, request, result)
}

// emitJSON prints result as indented JSON when --json is set and
// reports whether it did.
func (c *connection) emitJSON(result any) (bool, error) {
	if !c.outputJSON {
		return false, nil
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return true, encoder.Encode(result)
}
