// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package hotplug reports USB serial devices arriving and leaving.
//
// A [Watcher] owns one [Source]: [NetlinkSource] listens to kernel
// uevents on an AF_NETLINK socket, [DevfsSource] watches /dev with
// inotify for hosts (containers) where the uevent socket is not
// available. Before the source starts delivering, the watcher runs a
// coldplug [Scan] of /sys/class/tty so devices plugged in before the
// daemon started are reported too. The source is opened before the
// scan, so a device attached in between is reported at least once.
//
// Every event is enriched from sysfs by [SysfsReader] (vendor,
// product, serial, USB port path), stamped with a sequence number, and
// delivered on [Watcher.Events] in source order from a single
// goroutine. Delivery is at-least-once: consumers must tolerate
// duplicates, and use Seq to discard events overtaken by a later edge
// for the same device node.
package hotplug
