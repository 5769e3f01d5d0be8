// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/shepherd-fleet/shepherd/lib/clock"
	"github.com/shepherd-fleet/shepherd/lib/devicestore"
	"github.com/shepherd-fleet/shepherd/lib/statefile"
)

// housekeeper rewrites the JSON state snapshot and deletes expired
// session markers left by crashed processes.
type housekeeper struct {
	store            *devicestore.Store
	clock            clock.Clock
	logger           *slog.Logger
	snapshotPath     string
	snapshotInterval time.Duration
	expireInterval   time.Duration
}

// run blocks until ctx is cancelled.
func (h *housekeeper) run(ctx context.Context) {
	var snapshotTick <-chan time.Time
	if h.snapshotPath != "" && h.snapshotInterval > 0 {
		ticker := h.clock.NewTicker(h.snapshotInterval)
		defer ticker.Stop()
		snapshotTick = ticker.C
		h.writeSnapshot(ctx)
	}

	expireTicker := h.clock.NewTicker(h.expireInterval)
	defer expireTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshotTick:
			h.writeSnapshot(ctx)
		case <-expireTicker.C:
			h.expireSessions(ctx)
		}
	}
}

func (h *housekeeper) writeSnapshot(ctx context.Context) {
	if h.snapshotPath == "" {
		return
	}
	snapshot, err := h.store.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("reading snapshot failed", "error", err)
		}
		return
	}
	if err := statefile.Write(h.snapshotPath, snapshot, 0644); err != nil {
		h.logger.Warn("writing snapshot failed", "path", h.snapshotPath, "error", err)
	}
}

func (h *housekeeper) expireSessions(ctx context.Context) {
	removed, err := h.store.ExpireSessions(ctx)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("expiring sessions failed", "error", err)
		}
		return
	}
	if removed > 0 {
		h.logger.Info("removed expired session markers", "count", removed)
	}
}
