// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/drive/lib/archivestore"
	"github.com/bureau-foundation/drive/lib/config"
	"github.com/bureau-foundation/drive/lib/control"
	"github.com/bureau-foundation/drive/lib/drivefs"
	"github.com/bureau-foundation/drive/lib/keystore"
	"github.com/bureau-foundation/drive/lib/library"
	"github.com/bureau-foundation/drive/lib/permission"
	"github.com/bureau-foundation/drive/lib/registry"
	"github.com/bureau-foundation/drive/lib/swarm"
	"github.com/bureau-foundation/drive/lib/version"
	"github.com/bureau-foundation/drive/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion bool
		configPath  string
		verbose     bool
	)
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&configPath, "config", "", "path to drive.yaml (default: $"+config.EnvironmentVariable+")")
	flag.BoolVar(&verbose, "verbose", false, "log at debug level")
	flag.Parse()

	if showVersion {
		fmt.Printf("drive-daemon %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	lock, err := acquireLock(cfg.Paths.Root)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv(config.EnvironmentVariable) != "" {
		return config.Load()
	}
	cfg := config.Default()
	cfg.Expand()
	return cfg, nil
}

// serve wires the daemon and blocks until ctx ends.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := archivestore.Open(ctx, archivestore.Config{
		Path:   cfg.Paths.Database,
		Logger: logger.With("component", "archivestore"),
	})
	if err != nil {
		return err
	}
	defer store.Close()
	if err := recordVersion(ctx, store, logger); err != nil {
		return err
	}

	keys, err := keystore.Open(cfg.Paths.Keys, logger.With("component", "keystore"))
	if err != nil {
		return err
	}

	listener, err := transport.NewTCPListener(cfg.Swarm.ListenAddress)
	if err != nil {
		return fmt.Errorf("listening for peers: %w", err)
	}
	defer listener.Close()

	timings := cfg.Swarm.Timings()
	manager, err := swarm.New(swarm.Config{
		Address:          listener.Address(),
		Dialer:           &transport.TCPDialer{Timeout: timings.HandshakeTimeout},
		Discovery:        swarm.StaticDiscovery{Peers: cfg.Swarm.Peers},
		HandshakeTimeout: timings.HandshakeTimeout,
		SettleDelay:      timings.UploadSettleDelay,
		LookupInterval:   timings.LookupInterval,
		Logger:           logger.With("component", "swarm"),
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	reg, err := registry.New(registry.Config{
		Root:         cfg.Paths.Archives,
		Store:        store,
		Keystore:     keys,
		Swarm:        manager,
		DefaultQuota: cfg.Quota.DefaultBytesAllowed,
		Logger:       logger.With("component", "registry"),
	})
	if err != nil {
		return err
	}
	defer reg.Close()

	prompter, err := permission.NewPrompter(cfg.Permission.Prompt)
	if err != nil {
		return err
	}
	gateway, err := permission.New(permission.Config{
		Store:    store,
		Prompter: prompter,
		Logger:   logger.With("component", "permission"),
	})
	if err != nil {
		return err
	}

	lib, err := library.New(library.Config{
		Registry:             reg,
		Store:                store,
		Gateway:              gateway,
		MinimumClientVersion: cfg.Client.MinimumVersion,
		Logger:               logger.With("component", "library"),
	})
	if err != nil {
		return err
	}

	if err := reg.Setup(ctx); err != nil {
		logger.Warn("some saved archives failed to load", "error", err)
	}

	if cfg.Paths.Mount != "" {
		fuseServer, err := drivefs.Mount(drivefs.Options{
			Mountpoint: cfg.Paths.Mount,
			Registry:   reg,
			Logger:     logger.With("component", "drivefs"),
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := fuseServer.Unmount(); err != nil {
				logger.Error("unmounting archive filesystem failed", "error", err)
			}
		}()
	}

	server := control.NewServer(cfg.Paths.ControlSocket, logger.With("component", "control"))
	control.Register(server, lib)

	logger.Info("drive daemon started",
		"version", version.Version,
		"peer_address", listener.Address(),
		"control_socket", cfg.Paths.ControlSocket,
		"peers", len(cfg.Swarm.Peers),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return manager.Serve(groupCtx, listener) })
	group.Go(func() error { return reg.Run(groupCtx) })
	group.Go(func() error { return server.Serve(groupCtx) })
	group.Go(func() error { return logEvents(groupCtx, reg, manager, logger) })

	err = group.Wait()
	logger.Info("drive daemon stopping")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// logEvents records registry and swarm events at debug level.
func logEvents(ctx context.Context, reg *registry.Registry, manager *swarm.Manager, logger *slog.Logger) error {
	registryEvents, cancelRegistry := reg.Subscribe()
	defer cancelRegistry()
	swarmEvents, cancelSwarm := manager.Subscribe()
	defer cancelSwarm()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-registryEvents:
			logger.Debug("registry event", "kind", event.Kind, "key", event.Key.String())
		case event := <-swarmEvents:
			logger.Debug("swarm event", "kind", event.Kind, "discovery_key", event.DiscoveryKey.Short(), "peer", event.PeerID, "peers", event.PeerCount)
		}
	}
}

// versionSetting is the global setting holding the version of the
// daemon that last opened the database.
const versionSetting = "daemon_version"

func recordVersion(ctx context.Context, store *archivestore.Store, logger *slog.Logger) error {
	previous, found, err := store.GetGlobalSetting(ctx, versionSetting)
	if err != nil {
		return err
	}
	if found && previous != version.Version {
		logger.Info("database last opened by another daemon version", "previous", previous, "current", version.Version)
	}
	return store.SetGlobalSetting(ctx, versionSetting, version.Version)
}
