// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import "github.com/shepherd-fleet/shepherd/lib/schema"

// Parser tracks how far a device has progressed through its handshake.
// The zero value has observed nothing.
type Parser struct {
	state  schema.State
	config schema.CapturedConfig
}

// Change describes what one token did to the parser.
type Change struct {
	// Advanced is true when the token moved progress forward.
	Advanced bool

	// ConfigChanged is true when the token altered a config field.
	ConfigChanged bool
}

// Apply folds one token into the parser. Tokens arriving after
// MiningAuthorize are ignored.
func (p *Parser) Apply(token Token) Change {
	if p.Authorized() {
		return Change{}
	}
	switch token.Kind {
	case TokenMarker:
		if token.State.Step() > p.state.Step() {
			p.state = token.State
			return Change{Advanced: true}
		}
	case TokenConfig:
		merged := p.config.Merge(token.Config)
		if merged != p.config {
			p.config = merged
			return Change{ConfigChanged: true}
		}
	}
	return Change{}
}

// State returns the latest step reached, or "" before the first
// marker.
func (p *Parser) State() schema.State { return p.state }

// Config returns the configuration captured so far.
func (p *Parser) Config() schema.CapturedConfig { return p.config }

// Authorized reports whether the terminal MiningAuthorize step was
// reached.
func (p *Parser) Authorized() bool { return p.state == schema.StateMiningAuthorize }

// Result is the outcome of a handshake run.
type Result struct {
	State      schema.State
	Config     schema.CapturedConfig
	Authorized bool
}

// Result snapshots the parser.
func (p *Parser) Result() Result {
	return Result{State: p.state, Config: p.config, Authorized: p.Authorized()}
}
