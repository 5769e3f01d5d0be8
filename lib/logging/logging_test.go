// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAutoUsesJSONForNonTerminal(t *testing.T) {
	var buffer bytes.Buffer
	logger := New(&buffer, Options{})
	logger.Info("attached", "dev_path", "/dev/ttyUSB0")

	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buffer.String(), err)
	}
	if record["dev_path"] != "/dev/ttyUSB0" {
		t.Errorf("dev_path = %v", record["dev_path"])
	}
}

func TestNewText(t *testing.T) {
	var buffer bytes.Buffer
	logger := New(&buffer, Options{Format: FormatText})
	logger.Info("attached", "serial", "SN-1")
	if !strings.Contains(buffer.String(), "serial=SN-1") {
		t.Errorf("expected text output, got %q", buffer.String())
	}
}

func TestLevelFilters(t *testing.T) {
	var buffer bytes.Buffer
	logger := New(&buffer, Options{Level: slog.LevelWarn, Format: FormatJSON})
	logger.Info("dropped")
	if buffer.Len() != 0 {
		t.Errorf("info record should be filtered at warn level: %q", buffer.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for input, want := range tests {
		got, err := ParseLevel(input)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestParseFormat(t *testing.T) {
	if format, err := ParseFormat("auto"); err != nil || format != FormatAuto {
		t.Errorf("ParseFormat(auto) = %q, %v", format, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	logger := slog.Default()
	if OrDiscard(logger) != logger {
		t.Error("OrDiscard should return non-nil logger unchanged")
	}
}
