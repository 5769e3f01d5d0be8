// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle turns hotplug events into device sessions.
//
// A [Coordinator] consumes [schema.HotplugEvent]s from one event loop
// goroutine. Each attach of a miner starts a session: the store
// acquires a per-port marker and moves the device's record to
// Initializing/Booting, then a session goroutine opens the serial
// port and walks the boot handshake, persisting each step through
// token-guarded store writes. A named device that authorizes becomes
// Active; an unnamed one waits in staging for an operator.
//
// Detach always wins. The coordinator cancels the session (which
// closes the port) and marks the record Inactive/NotConnected in the
// same transaction that deletes the marker, so any write the session
// attempts afterwards is rejected.
//
// The coordinator is the only writer of a record's Status. A store
// failure that is not tied to one device ends [Coordinator.Run] with
// every session cancelled.
package lifecycle
