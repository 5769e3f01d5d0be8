// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shepherd-fleet/shepherd/lib/clock"
	"github.com/shepherd-fleet/shepherd/lib/logging"
	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// Config configures a [Watcher].
type Config struct {
	Source Source
	Sysfs  SysfsReader
	Clock  clock.Clock
	Logger *slog.Logger

	// SkipColdplug disables the startup scan.
	SkipColdplug bool

	// Buffer is the event channel capacity. Defaults to 64.
	Buffer int
}

// Watcher delivers enriched, sequenced hotplug events.
type Watcher struct {
	source       Source
	sysfs        SysfsReader
	clock        clock.Clock
	logger       *slog.Logger
	skipColdplug bool

	events chan schema.HotplugEvent
	done   chan struct{}
	err    error

	// seq and present are touched only by the delivery goroutine,
	// which also runs resyncs. present holds every device node last
	// reported attached.
	seq     uint64
	present map[string]struct{}
}

// New returns a watcher for cfg.Source. Call Start to begin.
func New(cfg Config) *Watcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &Watcher{
		source:       cfg.Source,
		sysfs:        cfg.Sysfs,
		clock:        cfg.Clock,
		logger:       logging.OrDiscard(cfg.Logger).With("source", cfg.Source.Name()),
		skipColdplug: cfg.SkipColdplug,
		events:       make(chan schema.HotplugEvent, cfg.Buffer),
		done:         make(chan struct{}),
		present:      make(map[string]struct{}),
	}
}

// Start opens the source and begins delivery. An error means no
// notification channel could be established and nothing was started.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.source.Open(); err != nil {
		return err
	}
	if resyncer, ok := w.source.(Resyncer); ok {
		resyncer.SetResync(func() { w.coldplug(ctx) })
	}
	go w.run(ctx)
	return nil
}

// Events returns the delivery channel. It is closed when the watcher
// stops.
func (w *Watcher) Events() <-chan schema.HotplugEvent { return w.events }

// Done is closed when the watcher stops.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Err returns the source failure that stopped the watcher, or nil if
// it stopped because ctx was cancelled. Valid after Done is closed.
func (w *Watcher) Err() error {
	<-w.done
	return w.err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer close(w.events)

	if !w.skipColdplug {
		w.coldplug(ctx)
	}
	err := w.source.Run(ctx, func(event schema.HotplugEvent) {
		w.deliver(ctx, event)
	})
	if err != nil {
		w.err = fmt.Errorf("hotplug: %s source stopped: %w", w.source.Name(), err)
		w.logger.Error("hotplug source failed", "error", err)
	}
}

// coldplug reports every USB tty present now as attached. Device
// nodes reported attached earlier but missing from the scan are
// reported detached first, which recovers detaches the source lost.
func (w *Watcher) coldplug(ctx context.Context) {
	attachments, err := w.sysfs.Scan()
	if err != nil {
		w.logger.Warn("coldplug scan failed", "error", err)
		return
	}

	scanned := make(map[string]struct{}, len(attachments))
	for _, attachment := range attachments {
		scanned[attachment.DevPath] = struct{}{}
	}
	var missing []string
	for devPath := range w.present {
		if _, ok := scanned[devPath]; !ok {
			missing = append(missing, devPath)
		}
	}
	slices.Sort(missing)

	w.logger.Info("coldplug scan complete", "devices", len(attachments), "missing", len(missing))
	for _, devPath := range missing {
		w.send(ctx, schema.HotplugEvent{
			Kind:       schema.HotplugDetached,
			Attachment: schema.Attachment{DevPath: devPath},
			Source:     "coldplug",
		})
	}
	for _, attachment := range attachments {
		w.send(ctx, schema.HotplugEvent{
			Kind:       schema.HotplugAttached,
			Attachment: attachment,
			Source:     "coldplug",
		})
	}
}

// deliver enriches a source event from sysfs and sends it.
func (w *Watcher) deliver(ctx context.Context, event schema.HotplugEvent) {
	if event.Kind == schema.HotplugAttached {
		described, err := w.sysfs.Describe(event.Attachment.DevPath)
		switch {
		case err == nil:
			if described.PortPath == "" {
				described.PortPath = event.Attachment.PortPath
			}
			event.Attachment = described
		case errors.Is(err, errNotUSB):
			w.logger.Debug("ignoring non-USB tty", "dev_path", event.Attachment.DevPath)
			return
		default:
			// Gone already, or sysfs is not mounted where expected.
			// Deliver what the source knew; identification decides.
			w.logger.Debug("sysfs attributes unavailable",
				"dev_path", event.Attachment.DevPath, "error", err)
		}
	}
	w.send(ctx, event)
}

func (w *Watcher) send(ctx context.Context, event schema.HotplugEvent) {
	switch event.Kind {
	case schema.HotplugAttached:
		w.present[event.Attachment.DevPath] = struct{}{}
	case schema.HotplugDetached:
		delete(w.present, event.Attachment.DevPath)
	}
	w.seq++
	event.Seq = w.seq
	event.ReceivedAt = w.clock.Now()
	if event.Source == "" {
		event.Source = w.source.Name()
	}
	select {
	case w.events <- event:
	case <-ctx.Done():
	}
}
