// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"encoding/json"
	"fmt"
	"iter"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// TokenKind distinguishes the two token types.
type TokenKind int

const (
	// TokenMarker is a recognized progress line.
	TokenMarker TokenKind = iota + 1

	// TokenConfig is a captured configuration fragment.
	TokenConfig
)

func (k TokenKind) String() string {
	switch k {
	case TokenMarker:
		return "marker"
	case TokenConfig:
		return "config"
	}
	return fmt.Sprintf("TokenKind(%d)", int(k))
}

// Token is one recognized event in a console stream.
type Token struct {
	Kind TokenKind

	// State is set for TokenMarker.
	State schema.State

	// Config is set for TokenConfig. Only the fields the source line
	// or block carried are non-empty.
	Config schema.CapturedConfig
}

// marker pairs a console substring with the state it signals. Matching
// is by substring on the trimmed line; the first match wins.
type marker struct {
	text  string
	state schema.State
}

var markers = []marker{
	{"Initiating tasks...", schema.StateBooting},
	{"[WORKER] Started. Running", schema.StateWorkerStarted},
	{"Started minerWorkerHw Task", schema.StateHardwareTaskStarted},
	{"CONNECTED - Current ip:", schema.StateConnectedIP},
	{"Resolved DNS and save ip", schema.StateDNSResolved},
	{"[WORKER] ==> Mining subscribe", schema.StateMiningSubscribe},
	// Shipped NerdMiner firmware spells it "Autorize".
	{"[WORKER] ==> Autorize work", schema.StateMiningAuthorize},
	{"[WORKER] ==> Authorize work", schema.StateMiningAuthorize},
}

var staIPPattern = regexp.MustCompile(`\*wm:STA IP Address: (\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)

// maxBlockBytes bounds a configuration block. A "{" line with no
// closing "}" within this many bytes is abandoned.
const maxBlockBytes = 4096

// Tokenize returns the tokens recognized in lines, in order. The
// result is lazy and restartable: each iteration re-ranges lines with
// fresh block state.
func Tokenize(lines iter.Seq[string]) iter.Seq[Token] {
	return func(yield func(Token) bool) {
		var block strings.Builder
		inBlock := false

		for line := range lines {
			trimmed := strings.TrimSpace(line)

			if inBlock {
				block.WriteString(trimmed)
				block.WriteByte('\n')
				if trimmed == "}" {
					inBlock = false
					config, ok := decodeConfigBlock(block.String())
					block.Reset()
					if ok && !yield(Token{Kind: TokenConfig, Config: config}) {
						return
					}
				} else if block.Len() > maxBlockBytes {
					inBlock = false
					block.Reset()
				}
				continue
			}

			token, ok := recognizeLine(trimmed)
			if ok {
				if !yield(token) {
					return
				}
				continue
			}
			if trimmed == "{" {
				inBlock = true
				block.WriteString("{\n")
			}
		}
	}
}

// recognizeLine classifies a single trimmed line outside a block.
func recognizeLine(trimmed string) (Token, bool) {
	if trimmed == "" {
		return Token{}, false
	}
	if len(trimmed) > 1 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' {
		config, ok := decodeConfigBlock(trimmed)
		if !ok {
			return Token{}, false
		}
		return Token{Kind: TokenConfig, Config: config}, true
	}
	if match := staIPPattern.FindStringSubmatch(trimmed); match != nil {
		return Token{Kind: TokenConfig, Config: schema.CapturedConfig{IPAddress: match[1]}}, true
	}
	for _, m := range markers {
		if strings.Contains(trimmed, m.text) {
			return Token{Kind: TokenMarker, State: m.state}, true
		}
	}
	return Token{}, false
}

// decodeConfigBlock parses a firmware configuration dump. Comments and
// trailing commas are tolerated. The block is dropped (ok=false) when
// it does not parse or carries none of the recognized keys.
func decodeConfigBlock(block string) (schema.CapturedConfig, bool) {
	var fields map[string]any
	if err := json.Unmarshal(jsonc.ToJSON([]byte(block)), &fields); err != nil {
		return schema.CapturedConfig{}, false
	}

	config := schema.CapturedConfig{
		PoolURL:       stringField(fields, "poolString"),
		WalletAddress: stringField(fields, "btcString"),
	}
	config.FirmwareVersion = stringField(fields, "nmVersion")
	if config.FirmwareVersion == "" {
		config.FirmwareVersion = stringField(fields, "FirmwareVersion")
	}
	if config.IsZero() {
		return schema.CapturedConfig{}, false
	}
	return config, true
}

func stringField(fields map[string]any, key string) string {
	switch value := fields[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return fmt.Sprint(value)
	}
	return ""
}
