// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// HotplugKind distinguishes attach from detach.
type HotplugKind string

const (
	HotplugAttached HotplugKind = "attached"
	HotplugDetached HotplugKind = "detached"
)

// HotplugEvent is one normalized attach or detach notification.
// Detached events carry only DevPath in their Attachment; sysfs is
// already gone by the time the kernel reports the removal.
type HotplugEvent struct {
	// Seq increases monotonically within one watcher. Consumers use
	// it to discard events that were overtaken by a later edge for
	// the same DevPath.
	Seq uint64 `cbor:"seq" json:"seq"`

	Kind       HotplugKind `cbor:"kind" json:"kind"`
	Attachment Attachment  `cbor:"attachment" json:"attachment"`
	ReceivedAt time.Time   `cbor:"received_at" json:"received_at"`

	// Source names the producer: "netlink", "devfs" or "coldplug".
	Source string `cbor:"source" json:"source"`
}
