// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake recognizes a miner's boot handshake in its serial
// console output.
//
// The package has three layers, each usable on its own:
//
// [Tokenize] turns a sequence of console lines into a sequence of
// [Token] values: progress markers carrying a [schema.State], and
// configuration captures carrying a [schema.CapturedConfig]. It knows
// nothing about ports or timing and is tested with canned lines.
//
// [Parser] folds tokens into the device's handshake position. The
// progress track only moves forward: a marker for an equal or earlier
// step is ignored, so a firmware that repeats "Initiating tasks..."
// after a watchdog reset cannot regress a device that already reached
// MiningSubscribe. The configuration track merges field by field.
// MiningAuthorize is terminal.
//
// [Run] drives a Parser from an io.Reader inside a bounded window,
// reporting each forward step and configuration change to an
// [Observer] as it happens. It returns on MiningAuthorize, on window
// expiry ([ErrProtocolTimeout], partial result kept), on a read
// failure (*serialport.TransportError), or on context cancellation.
package handshake
