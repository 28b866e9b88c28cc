// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the drive daemon configuration.
//
// Configuration comes from exactly one YAML file, named by the --config
// flag or the DRIVE_CONFIG environment variable. The file may carry
// development and production sections whose values override the base
// values when the environment matches. Paths may reference ${HOME},
// ${DRIVE_ROOT}, or ${VAR:-default}.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the configuration file when no flag is given.
const EnvironmentVariable = "DRIVE_CONFIG"

// Environment is the deployment type.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the full daemon configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths      PathsConfig      `yaml:"paths"`
	Swarm      SwarmConfig      `yaml:"swarm"`
	Quota      QuotaConfig      `yaml:"quota"`
	Permission PermissionConfig `yaml:"permission"`
	Client     ClientConfig     `yaml:"client"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the sections an environment block may replace.
// Empty fields leave the base value alone.
type Overrides struct {
	Paths      *PathsConfig      `yaml:"paths,omitempty"`
	Swarm      *SwarmConfig      `yaml:"swarm,omitempty"`
	Quota      *QuotaConfig      `yaml:"quota,omitempty"`
	Permission *PermissionConfig `yaml:"permission,omitempty"`
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	// Root is the base data directory. The daemon holds an exclusive
	// lock on it while running.
	Root string `yaml:"root"`

	// Archives holds one directory per archive, named by hex key.
	Archives string `yaml:"archives"`

	// Database is the SQLite file backing the archive store.
	Database string `yaml:"database"`

	// Keys holds age-sealed archive signing keys and the node identity.
	Keys string `yaml:"keys"`

	// ControlSocket is the unix socket management clients connect to.
	ControlSocket string `yaml:"control_socket"`

	// Mount, when set, is where open archives are exposed read-only
	// through FUSE.
	Mount string `yaml:"mount"`
}

// SwarmConfig tunes peer networking.
type SwarmConfig struct {
	// ListenAddress is the TCP address peers connect to. Empty
	// disables inbound connections.
	ListenAddress string `yaml:"listen_address"`

	// Peers are static peer addresses consulted for every archive.
	Peers []string `yaml:"peers"`

	// HandshakeTimeout bounds how long a new connection may take to
	// complete the replication handshake.
	HandshakeTimeout string `yaml:"handshake_timeout"`

	// UploadSettleDelay bounds how long a renegotiating stream waits for
	// the remote side to acknowledge an upload policy change.
	UploadSettleDelay string `yaml:"upload_settle_delay"`

	// LookupInterval is how often joined archives re-query discovery.
	LookupInterval string `yaml:"lookup_interval"`
}

// QuotaConfig sets storage budgets.
type QuotaConfig struct {
	// DefaultBytesAllowed applies to archives whose user settings leave
	// bytes_allowed unset.
	DefaultBytesAllowed uint64 `yaml:"default_bytes_allowed"`
}

// PermissionConfig selects how write grants are decided when no
// persisted grant exists.
type PermissionConfig struct {
	// Prompt is "terminal" (ask on the controlling terminal), "deny",
	// or "allow".
	Prompt string `yaml:"prompt"`
}

// ClientConfig governs management clients.
type ClientConfig struct {
	// MinimumVersion is the oldest client version accepted by the
	// hello handshake.
	MinimumVersion string `yaml:"minimum_version"`
}

// Default returns the base configuration that a file is merged into.
func Default() *Config {
	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:          "${HOME}/.local/share/drive",
			Archives:      "${DRIVE_ROOT}/archives",
			Database:      "${DRIVE_ROOT}/drive.db",
			Keys:          "${DRIVE_ROOT}/keys",
			ControlSocket: "${DRIVE_ROOT}/control.sock",
		},
		Swarm: SwarmConfig{
			ListenAddress:     "0.0.0.0:3282",
			HandshakeTimeout:  "5s",
			UploadSettleDelay: "3s",
			LookupInterval:    "30s",
		},
		Quota: QuotaConfig{
			DefaultBytesAllowed: 100 << 20,
		},
		Permission: PermissionConfig{
			Prompt: "terminal",
		},
		Client: ClientConfig{
			MinimumVersion: "2.0.0",
		},
	}
}

// Load reads the file named by DRIVE_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your drive.yaml, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile reads path over Default, applies the environment section,
// and expands path variables.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyOverrides()
	cfg.Expand()
	return cfg, nil
}

func (c *Config) applyOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			// Production never blocks on a terminal nobody is watching.
			overrides = &Overrides{Permission: &PermissionConfig{Prompt: "deny"}}
		}
	}
	if overrides == nil {
		return
	}

	if p := overrides.Paths; p != nil {
		override(&c.Paths.Root, p.Root)
		override(&c.Paths.Archives, p.Archives)
		override(&c.Paths.Database, p.Database)
		override(&c.Paths.Keys, p.Keys)
		override(&c.Paths.ControlSocket, p.ControlSocket)
		override(&c.Paths.Mount, p.Mount)
	}
	if s := overrides.Swarm; s != nil {
		override(&c.Swarm.ListenAddress, s.ListenAddress)
		override(&c.Swarm.HandshakeTimeout, s.HandshakeTimeout)
		override(&c.Swarm.UploadSettleDelay, s.UploadSettleDelay)
		override(&c.Swarm.LookupInterval, s.LookupInterval)
		if len(s.Peers) > 0 {
			c.Swarm.Peers = s.Peers
		}
	}
	if q := overrides.Quota; q != nil && q.DefaultBytesAllowed != 0 {
		c.Quota.DefaultBytesAllowed = q.DefaultBytesAllowed
	}
	if p := overrides.Permission; p != nil {
		override(&c.Permission.Prompt, p.Prompt)
	}
}

func override(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// Expand resolves ${VAR} references in every path. Root is expanded
// first so the other paths can refer to it as ${DRIVE_ROOT}.
func (c *Config) Expand() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["DRIVE_ROOT"] = c.Paths.Root

	for _, path := range []*string{
		&c.Paths.Archives,
		&c.Paths.Database,
		&c.Paths.Keys,
		&c.Paths.ControlSocket,
		&c.Paths.Mount,
	} {
		*path = expandVars(*path, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	for name, value := range map[string]string{
		"paths.root":           c.Paths.Root,
		"paths.archives":       c.Paths.Archives,
		"paths.database":       c.Paths.Database,
		"paths.keys":           c.Paths.Keys,
		"paths.control_socket": c.Paths.ControlSocket,
	} {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	for name, value := range map[string]string{
		"swarm.handshake_timeout":   c.Swarm.HandshakeTimeout,
		"swarm.upload_settle_delay": c.Swarm.UploadSettleDelay,
		"swarm.lookup_interval":     c.Swarm.LookupInterval,
	} {
		if d, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		} else if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, value))
		}
	}
	if c.Quota.DefaultBytesAllowed == 0 {
		errs = append(errs, errors.New("quota.default_bytes_allowed must be positive"))
	}
	switch c.Permission.Prompt {
	case "terminal", "deny", "allow":
	default:
		errs = append(errs, fmt.Errorf("permission.prompt must be terminal, deny, or allow, got %q", c.Permission.Prompt))
	}
	if c.Client.MinimumVersion == "" {
		errs = append(errs, errors.New("client.minimum_version is required"))
	}

	return errors.Join(errs...)
}

// Timings holds the parsed swarm durations.
type Timings struct {
	HandshakeTimeout  time.Duration
	UploadSettleDelay time.Duration
	LookupInterval    time.Duration
}

// Timings parses the swarm durations. Call Validate first; unparseable
// values come back as zero.
func (s SwarmConfig) Timings() Timings {
	parse := func(value string) time.Duration {
		d, _ := time.ParseDuration(value)
		return d
	}
	return Timings{
		HandshakeTimeout:  parse(s.HandshakeTimeout),
		UploadSettleDelay: parse(s.UploadSettleDelay),
		LookupInterval:    parse(s.LookupInterval),
	}
}

// EnsurePaths creates the data directories.
func (c *Config) EnsurePaths() error {
	directories := []string{
		c.Paths.Root,
		c.Paths.Archives,
		c.Paths.Keys,
		filepath.Dir(c.Paths.Database),
		filepath.Dir(c.Paths.ControlSocket),
	}
	for _, directory := range directories {
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return fmt.Errorf("config: creating %s: %w", directory, err)
		}
	}
	return nil
}
