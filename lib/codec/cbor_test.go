// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/shepherd-fleet/shepherd/lib/schema"
)

func TestHotplugEventRoundTrip(t *testing.T) {
	event := schema.HotplugEvent{
		Seq:  42,
		Kind: schema.HotplugAttached,
		Attachment: schema.Attachment{
			DevPath:      "/dev/ttyACM0",
			PortPath:     "1-1.2",
			VendorID:     "303a",
			ProductID:    "1001",
			SerialNumber: "ABC123",
		},
		ReceivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:     "netlink",
	}

	data, err := Marshal(event)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded schema.HotplugEvent
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Attachment != event.Attachment || decoded.Seq != event.Seq || decoded.Kind != event.Kind {
		t.Errorf("decoded = %+v, want %+v", decoded, event)
	}
	if !decoded.ReceivedAt.Equal(event.ReceivedAt) {
		t.Errorf("ReceivedAt = %v, want %v", decoded.ReceivedAt, event.ReceivedAt)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{"z": 1, "a": "x", "m": []int{3, 2, 1}}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("Marshal produced different bytes for the same value")
		}
	}
}

func TestUnmarshalIntoAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"dev_path": "/dev/ttyUSB0"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
}
