// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the data shared between Shepherd's discovery
// daemon and the processes that read its device table: device status
// and handshake state, hotplug attachments and events, captured
// firmware configuration, and the durable device record.
//
// String values of [Status] and [State] are the exact strings stored in
// the database. External readers (the monitoring collector, the
// onboarding gateway) match on them, so they are part of the on-disk
// contract and must not be renamed.
//
// This package depends on no other Shepherd packages.
package schema
