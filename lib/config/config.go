// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

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

// Environment is the deployment type.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Watcher backends.
const (
	BackendNetlink = "netlink"
	BackendDevfs   = "devfs"
)

// Config is the master configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths     PathsConfig     `yaml:"paths"`
	Store     StoreConfig     `yaml:"store"`
	Serial    SerialConfig    `yaml:"serial"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Session   SessionConfig   `yaml:"session"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Identity  IdentityConfig  `yaml:"identity"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Journal   JournalConfig   `yaml:"journal"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the fields an environment section may replace.
type Overrides struct {
	Paths     *PathsConfig     `yaml:"paths,omitempty"`
	Store     *StoreConfig     `yaml:"store,omitempty"`
	Handshake *HandshakeConfig `yaml:"handshake,omitempty"`
	Watcher   *WatcherConfig   `yaml:"watcher,omitempty"`
	Discovery *DiscoveryConfig `yaml:"discovery,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base data directory. Default: ~/shepherd_data
	Root string `yaml:"root"`
}

// StoreConfig configures the shared device database.
type StoreConfig struct {
	// Path is the SQLite file. Default: ${SHEPHERD_ROOT}/shepherd.db
	Path string `yaml:"path"`

	// PoolSize is the connection count. Default: 4
	PoolSize int `yaml:"pool_size"`

	// BusyTimeout bounds waits on another process's write lock.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// SerialConfig configures the serial transport.
type SerialConfig struct {
	// BaudRate of the device console. Default: 115200
	BaudRate int `yaml:"baud_rate"`

	// ReadTimeout is the per-read poll interval of the port.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// HandshakeConfig bounds a handshake session.
type HandshakeConfig struct {
	// Window is how long a session waits for MiningAuthorize.
	// Default: 90s
	Window time.Duration `yaml:"window"`

	// SettleDelay is the pause between an attach and opening the
	// port. Default: 1.5s
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// SessionConfig configures the port ownership marker.
type SessionConfig struct {
	// StaleAfter is how long a marker survives without renewal
	// before another attach may take it over. Must exceed the
	// handshake window. Default: 2m
	StaleAfter time.Duration `yaml:"stale_after"`
}

// WatcherConfig selects the hotplug notification source.
type WatcherConfig struct {
	// Backend is "netlink" (kernel uevents) or "devfs" (inotify on
	// /dev). Default: netlink
	Backend string `yaml:"backend"`

	// SysfsRoot is the sysfs mount. Default: /sys
	SysfsRoot string `yaml:"sysfs_root"`

	// DevRoot is the device node directory. Default: /dev
	DevRoot string `yaml:"dev_root"`
}

// IdentityConfig configures identity resolution.
type IdentityConfig struct {
	// VendorAllowlist lists USB vendor IDs (lower-case hex) accepted
	// from devices that report no serial number.
	VendorAllowlist []string `yaml:"vendor_allowlist"`
}

// DiscoveryConfig configures the retry poll.
type DiscoveryConfig struct {
	// PollInterval is how often attached devices without a session
	// are re-attempted. Zero uses the default. Default: 30s
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SnapshotConfig configures the JSON state snapshot.
type SnapshotConfig struct {
	// Path of the snapshot file. Empty disables it.
	// Default: ${SHEPHERD_ROOT}/device_state.json
	Path string `yaml:"path"`

	// Interval between rewrites. Default: 5s
	Interval time.Duration `yaml:"interval"`
}

// JournalConfig configures the hotplug journal.
type JournalConfig struct {
	// Retention is the number of journal rows kept. Default: 1000
	Retention int `yaml:"retention"`
}

// Default returns the configuration used as the base before loading a
// file.
func Default() *Config {
	homeDirectory, _ := os.UserHomeDir()
	root := filepath.Join(homeDirectory, "shepherd_data")

	return &Config{
		Environment: Development,
		Paths:       PathsConfig{Root: root},
		Store: StoreConfig{
			Path:        "${SHEPHERD_ROOT}/shepherd.db",
			PoolSize:    4,
			BusyTimeout: 10 * time.Second,
		},
		Serial: SerialConfig{
			BaudRate:    115200,
			ReadTimeout: 100 * time.Millisecond,
		},
		Handshake: HandshakeConfig{
			Window:      90 * time.Second,
			SettleDelay: 1500 * time.Millisecond,
		},
		Session: SessionConfig{StaleAfter: 2 * time.Minute},
		Watcher: WatcherConfig{
			Backend:   BackendNetlink,
			SysfsRoot: "/sys",
			DevRoot:   "/dev",
		},
		Identity: IdentityConfig{
			// CP210x, Espressif native USB, CH340.
			VendorAllowlist: []string{"10c4", "303a", "1a86"},
		},
		Discovery: DiscoveryConfig{PollInterval: 30 * time.Second},
		Snapshot: SnapshotConfig{
			Path:     "${SHEPHERD_ROOT}/device_state.json",
			Interval: 5 * time.Second,
		},
		Journal: JournalConfig{Retention: 1000},
	}
}

// Load loads the file named by SHEPHERD_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("SHEPHERD_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("SHEPHERD_CONFIG environment variable not set; " +
			"set it to the path of your shepherd.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path on top of [Default], applies
// the matching environment section, and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.Expand()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			// Production fails faster on contended databases so a
			// wedged peer process surfaces instead of stalling hotplug.
			overrides = &Overrides{Store: &StoreConfig{BusyTimeout: 5 * time.Second}}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.Paths != nil && overrides.Paths.Root != "" {
		c.Paths.Root = overrides.Paths.Root
	}
	if overrides.Store != nil {
		if overrides.Store.Path != "" {
			c.Store.Path = overrides.Store.Path
		}
		if overrides.Store.PoolSize > 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
		if overrides.Store.BusyTimeout > 0 {
			c.Store.BusyTimeout = overrides.Store.BusyTimeout
		}
	}
	if overrides.Handshake != nil {
		if overrides.Handshake.Window > 0 {
			c.Handshake.Window = overrides.Handshake.Window
		}
		if overrides.Handshake.SettleDelay > 0 {
			c.Handshake.SettleDelay = overrides.Handshake.SettleDelay
		}
	}
	if overrides.Watcher != nil && overrides.Watcher.Backend != "" {
		c.Watcher.Backend = overrides.Watcher.Backend
	}
	if overrides.Discovery != nil && overrides.Discovery.PollInterval > 0 {
		c.Discovery.PollInterval = overrides.Discovery.PollInterval
	}
}

// Expand resolves ${VAR} patterns in path fields. LoadFile calls it;
// callers that build a Config from [Default] directly call it after
// adjusting fields.
func (c *Config) Expand() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["SHEPHERD_ROOT"] = c.Paths.Root

	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Snapshot.Path = expandVars(c.Snapshot.Path, vars)
	c.Watcher.SysfsRoot = expandVars(c.Watcher.SysfsRoot, vars)
	c.Watcher.DevRoot = expandVars(c.Watcher.DevRoot, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud_rate must be positive"))
	}
	if c.Handshake.Window <= 0 {
		errs = append(errs, fmt.Errorf("handshake.window must be positive"))
	}
	if c.Handshake.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("handshake.settle_delay must not be negative"))
	}
	if c.Session.StaleAfter <= c.Handshake.Window+c.Handshake.SettleDelay {
		errs = append(errs, fmt.Errorf("session.stale_after (%s) must exceed handshake.window plus settle_delay (%s)",
			c.Session.StaleAfter, c.Handshake.Window+c.Handshake.SettleDelay))
	}
	if c.Watcher.Backend != BackendNetlink && c.Watcher.Backend != BackendDevfs {
		errs = append(errs, fmt.Errorf("watcher.backend must be %q or %q", BackendNetlink, BackendDevfs))
	}
	if c.Discovery.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("discovery.poll_interval must not be negative"))
	}
	if c.Snapshot.Path != "" && c.Snapshot.Interval <= 0 {
		errs = append(errs, fmt.Errorf("snapshot.interval must be positive when snapshot.path is set"))
	}
	if c.Journal.Retention < 0 {
		errs = append(errs, fmt.Errorf("journal.retention must not be negative"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the data directory and the parent directories of
// the database and snapshot files.
func (c *Config) EnsurePaths() error {
	directories := []string{c.Paths.Root, filepath.Dir(c.Store.Path)}
	if c.Snapshot.Path != "" {
		directories = append(directories, filepath.Dir(c.Snapshot.Path))
	}
	for _, directory := range directories {
		if directory == "" {
			continue
		}
		if err := os.MkdirAll(directory, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return nil
}
