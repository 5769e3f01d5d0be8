// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package serialport opens device consoles for the handshake reader.
//
// [Opener] is the seam the lifecycle coordinator depends on; [Serial]
// implements it with go.bug.st/serial at a fixed 8N1 line setting.
// Ports are read-only from Shepherd's point of view: nothing is ever
// written to a device.
//
// Every open or read failure surfaces as a [*TransportError]. Closing
// a port from another goroutine interrupts a blocked Read, which is
// how a detach tears down an in-flight handshake.
//
// [List] enumerates USB serial ports with their vendor, product and
// serial number for operator tooling.
package serialport
