// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// shepherdctl inspects the shared device store and onboards devices
// that finished their handshake.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/shepherd-fleet/shepherd/lib/config"
	"github.com/shepherd-fleet/shepherd/lib/devicestore"
	"github.com/shepherd-fleet/shepherd/lib/hotplug"
	"github.com/shepherd-fleet/shepherd/lib/process"
	"github.com/shepherd-fleet/shepherd/lib/schema"
	"github.com/shepherd-fleet/shepherd/lib/serialport"
	"github.com/shepherd-fleet/shepherd/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("shepherdctl")
		return nil
	}
	return newApp(os.Stdout, os.Stderr).root().Execute(os.Args[1:])
}

// app holds the commands' output streams and collaborators.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// openStore opens the store named by a config file, or by
	// SHEPHERD_CONFIG when path is empty.
	openStore func(configPath string) (*devicestore.Store, error)

	listPorts func() ([]serialport.PortInfo, error)
	describe  func(devPath string) (schema.Attachment, error)
	vendors   func(configPath string) []string
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:    stdout,
		stderr:    stderr,
		openStore: openConfiguredStore,
		listPorts: serialport.List,
		describe:  hotplug.SysfsReader{}.Describe,
		vendors:   configuredVendors,
	}
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openConfiguredStore(configPath string) (*devicestore.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("device store %s: %w (is shepherd-discovery configured with the same file?)", cfg.Store.Path, err)
	}
	return devicestore.Open(devicestore.Config{
		Path:        cfg.Store.Path,
		PoolSize:    1,
		BusyTimeout: cfg.Store.BusyTimeout,
		StaleAfter:  cfg.Session.StaleAfter,
	})
}

// configuredVendors returns the allowlist from the config, or nil
// (the built-in list) when no config can be loaded.
func configuredVendors(configPath string) []string {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil
	}
	return cfg.Identity.VendorAllowlist
}
