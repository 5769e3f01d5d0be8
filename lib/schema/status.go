// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "fmt"

// Status is the coarse ownership state of a device record. Only the
// discovery coordinator writes it. A monitoring collector may open a
// device's port only while its record is [StatusActive].
type Status string

const (
	// StatusInactive means no process owns the port: the device is
	// detached, or was just promoted and has not completed a handshake
	// since.
	StatusInactive Status = "Inactive"

	// StatusInitializing means discovery owns the port and is walking
	// the boot handshake, or the handshake finished on an unnamed
	// device that is waiting to be onboarded.
	StatusInitializing Status = "Initializing"

	// StatusActive means a named device completed its handshake and
	// the port now belongs to the monitoring collector.
	StatusActive Status = "Active"
)

// ParseStatus converts a stored string to a Status.
func ParseStatus(value string) (Status, error) {
	switch status := Status(value); status {
	case StatusInactive, StatusInitializing, StatusActive:
		return status, nil
	}
	return "", fmt.Errorf("unknown device status %q", value)
}

// CanTransition reports whether a record may move from one status to
// another. The cycle is Inactive → Initializing → Active → Inactive,
// with Initializing → Inactive on a detach mid-handshake. Two
// self-transitions exist: Initializing → Initializing when a reattach
// arrives before the detach was observed, and Inactive → Inactive when
// a detach or promotion re-stamps a record that is already inactive.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusInactive:
		return to == StatusInitializing || to == StatusInactive
	case StatusInitializing:
		return to == StatusInitializing || to == StatusActive || to == StatusInactive
	case StatusActive:
		return to == StatusInactive
	}
	return false
}
