// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/shepherd-fleet/shepherd/lib/logging"
	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// DevfsSource watches the device node directory for ttyACM* and
// ttyUSB* nodes appearing and disappearing.
type DevfsSource struct {
	// DevRoot is the directory to watch. Defaults to /dev.
	DevRoot string

	Logger *slog.Logger

	watcher *fsnotify.Watcher
}

func (s *DevfsSource) Name() string { return "devfs" }

func (s *DevfsSource) devRoot() string {
	if s.DevRoot == "" {
		return "/dev"
	}
	return s.DevRoot
}

// Open installs the inotify watch.
func (s *DevfsSource) Open() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("hotplug: creating fsnotify watcher: %w", err)
	}
	if err := watcher.Add(s.devRoot()); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("hotplug: watching %s: %w", s.devRoot(), err)
	}
	s.watcher = watcher
	return nil
}

// Run forwards Create and Remove of serial nodes.
func (s *DevfsSource) Run(ctx context.Context, emit func(schema.HotplugEvent)) error {
	defer func() { _ = s.watcher.Close() }()
	logger := logging.OrDiscard(s.Logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return fmt.Errorf("hotplug: fsnotify event channel closed")
			}
			name := filepath.Base(event.Name)
			if !IsSerialName(name) {
				continue
			}
			var kind schema.HotplugKind
			switch {
			case event.Op.Has(fsnotify.Create):
				kind = schema.HotplugAttached
			case event.Op.Has(fsnotify.Remove):
				kind = schema.HotplugDetached
			default:
				continue
			}
			emit(schema.HotplugEvent{
				Kind:       kind,
				Attachment: schema.Attachment{DevPath: filepath.Join(s.devRoot(), name)},
				Source:     s.Name(),
			})
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return fmt.Errorf("hotplug: fsnotify error channel closed")
			}
			logger.Error("fsnotify error", "error", err)
		}
	}
}
