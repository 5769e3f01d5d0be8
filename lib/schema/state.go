// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "fmt"

// State is the fine-grained handshake position of a device record.
// The seven handshake steps are ordered; [StateMining] and
// [StateNotConnected] are set by the coordinator and sit outside the
// handshake order.
type State string

const (
	StateBooting             State = "Booting"
	StateWorkerStarted       State = "WorkerStarted"
	StateHardwareTaskStarted State = "HardwareTaskStarted"
	StateConnectedIP         State = "ConnectedIP"
	StateDNSResolved         State = "DnsResolved"
	StateMiningSubscribe     State = "MiningSubscribe"
	StateMiningAuthorize     State = "MiningAuthorize"

	// StateMining is set when a named device finishes its handshake
	// and is handed to the monitoring collector.
	StateMining State = "Mining"

	// StateNotConnected is set on detach.
	StateNotConnected State = "NotConnected"
)

// HandshakeSteps lists the handshake states in the order the firmware
// emits them.
var HandshakeSteps = []State{
	StateBooting,
	StateWorkerStarted,
	StateHardwareTaskStarted,
	StateConnectedIP,
	StateDNSResolved,
	StateMiningSubscribe,
	StateMiningAuthorize,
}

// Step returns the zero-based position of s in [HandshakeSteps], or -1
// for states outside the handshake.
func (s State) Step() int {
	for index, step := range HandshakeSteps {
		if step == s {
			return index
		}
	}
	return -1
}

// IsHandshake reports whether s is one of the seven handshake steps.
func (s State) IsHandshake() bool { return s.Step() >= 0 }

// ParseState converts a stored string to a State.
func ParseState(value string) (State, error) {
	state := State(value)
	if state.IsHandshake() || state == StateMining || state == StateNotConnected {
		return state, nil
	}
	return "", fmt.Errorf("unknown device state %q", value)
}
