// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"io"
	"reflect"
	"time"
)

// jsonOutput adds --json to a command.
type jsonOutput struct {
	enabled bool
}

// emit writes result as indented JSON when --json is set and reports
// whether it did.
func (j *jsonOutput) emit(w io.Writer, result any) (bool, error) {
	if !j.enabled {
		return false, nil
	}
	return true, writeJSON(w, normalizeNilSlice(result))
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// normalizeNilSlice turns a nil slice into an empty one so the output
// is [] rather than null.
func normalizeNilSlice(value any) any {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Slice && v.IsNil() {
		return reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	return value
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
