// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is Shepherd's CBOR encoding, used for the payloads of
// the hotplug journal table. Encoding follows RFC 8949 Core
// Deterministic Encoding so identical events produce identical bytes,
// and time.Time values are written as RFC 3339 text so the journal is
// readable with generic CBOR tools.
package codec
