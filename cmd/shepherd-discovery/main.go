// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// shepherd-discovery is the device lifecycle daemon. It watches for
// USB serial devices, walks each miner's boot handshake, and records
// the outcome in the shared device store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shepherd-fleet/shepherd/lib/clock"
	"github.com/shepherd-fleet/shepherd/lib/config"
	"github.com/shepherd-fleet/shepherd/lib/devicestore"
	"github.com/shepherd-fleet/shepherd/lib/hotplug"
	"github.com/shepherd-fleet/shepherd/lib/identify"
	"github.com/shepherd-fleet/shepherd/lib/lifecycle"
	"github.com/shepherd-fleet/shepherd/lib/logging"
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
	var (
		configPath   string
		logLevel     string
		logFormat    string
		skipColdplug bool
		showVersion  bool
	)
	flagSet := pflag.NewFlagSet("shepherd-discovery", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to shepherd.yaml (default: $SHEPHERD_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.StringVar(&logFormat, "log-format", "", "log format: text or json (default: text on a terminal, json otherwise)")
	flagSet.BoolVar(&skipColdplug, "no-coldplug", false, "do not scan for devices already attached at startup")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &process.ExitError{Code: 2, Err: err}
	}
	if showVersion {
		version.Print("shepherd-discovery")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return &process.ExitError{Code: 2, Err: err}
	}
	format, err := logging.ParseFormat(logFormat)
	if err != nil {
		return &process.ExitError{Code: 2, Err: err}
	}
	logger := logging.New(os.Stderr, logging.Options{Level: level, Format: format}).
		With("component", "discovery")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runDaemon(ctx, cfg, clock.Real(), logger, skipColdplug)
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
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runDaemon(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger, skipColdplug bool) error {
	store, err := devicestore.Open(devicestore.Config{
		Path:             cfg.Store.Path,
		PoolSize:         cfg.Store.PoolSize,
		BusyTimeout:      cfg.Store.BusyTimeout,
		StaleAfter:       cfg.Session.StaleAfter,
		JournalRetention: cfg.Journal.Retention,
		Clock:            clk,
		Logger:           logger.With("component", "devicestore"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher := hotplug.New(hotplug.Config{
		Source: newSource(cfg, logger),
		Sysfs: hotplug.SysfsReader{
			Root:    cfg.Watcher.SysfsRoot,
			DevRoot: cfg.Watcher.DevRoot,
		},
		Clock:        clk,
		Logger:       logger.With("component", "hotplug"),
		SkipColdplug: skipColdplug,
	})
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("starting %s hotplug watcher: %w", cfg.Watcher.Backend, err)
	}

	coordinator, err := lifecycle.New(lifecycle.Config{
		Store: store,
		Opener: serialport.Serial{
			BaudRate:    cfg.Serial.BaudRate,
			ReadTimeout: cfg.Serial.ReadTimeout,
			PulseReset:  true,
			Clock:       clk,
		},
		Identifier:   identify.New(cfg.Identity.VendorAllowlist),
		Clock:        clk,
		Logger:       logger,
		SettleDelay:  cfg.Handshake.SettleDelay,
		Window:       cfg.Handshake.Window,
		PollInterval: cfg.Discovery.PollInterval,
	})
	if err != nil {
		return err
	}

	keeper := &housekeeper{
		store:            store,
		clock:            clk,
		logger:           logger.With("component", "housekeeping"),
		snapshotPath:     cfg.Snapshot.Path,
		snapshotInterval: cfg.Snapshot.Interval,
		expireInterval:   cfg.Session.StaleAfter,
	}
	keeperDone := make(chan struct{})
	go func() {
		defer close(keeperDone)
		keeper.run(ctx)
	}()

	logger.Info("discovery running",
		"version", version.Info(),
		"store", cfg.Store.Path,
		"backend", cfg.Watcher.Backend,
		"owner", store.Owner(),
	)

	events := journal(ctx, store, watcher.Events(), logger)
	runErr := coordinator.Run(ctx, events)

	cancel()
	<-watcher.Done()
	<-keeperDone
	keeper.writeSnapshot(context.WithoutCancel(ctx))

	if runErr != nil {
		return runErr
	}
	if err := watcher.Err(); err != nil {
		return fmt.Errorf("hotplug watcher: %w", err)
	}
	logger.Info("discovery stopped")
	return nil
}

func newSource(cfg *config.Config, logger *slog.Logger) hotplug.Source {
	sourceLogger := logger.With("component", "hotplug")
	if cfg.Watcher.Backend == config.BackendDevfs {
		return &hotplug.DevfsSource{DevRoot: cfg.Watcher.DevRoot, Logger: sourceLogger}
	}
	return &hotplug.NetlinkSource{
		DevRoot: cfg.Watcher.DevRoot,
		SysRoot: cfg.Watcher.SysfsRoot,
		Logger:  sourceLogger,
	}
}

// journal records each event in the store before passing it on. A
// journal write failure is logged and the event is still delivered.
func journal(ctx context.Context, store *devicestore.Store, in <-chan schema.HotplugEvent, logger *slog.Logger) <-chan schema.HotplugEvent {
	out := make(chan schema.HotplugEvent)
	go func() {
		defer close(out)
		for event := range in {
			if err := store.AppendJournal(ctx, event); err != nil && ctx.Err() == nil {
				logger.Warn("journaling hotplug event failed",
					"dev_path", event.Attachment.DevPath,
					"kind", event.Kind,
					"error", err,
				)
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
