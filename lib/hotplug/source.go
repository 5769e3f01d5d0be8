// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"context"

	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// Source produces raw hotplug edges. Events a source emits carry at
// least Kind and Attachment.DevPath; the [Watcher] fills in the rest.
type Source interface {
	// Name identifies the source in events and logs.
	Name() string

	// Open acquires the notification channel (socket, inotify watch).
	// An error here is fatal to the watcher.
	Open() error

	// Run delivers events until ctx is cancelled or the source fails,
	// and releases what Open acquired before returning. emit must not
	// be called after Run returns.
	Run(ctx context.Context, emit func(schema.HotplugEvent)) error
}

// Resyncer is implemented by sources that can lose events. The watcher
// installs a callback that re-runs the coldplug scan; the source calls
// it from inside Run, so rescanned attaches stay in source order.
type Resyncer interface {
	SetResync(resync func())
}
