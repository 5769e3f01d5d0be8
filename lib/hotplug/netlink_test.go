// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/shepherd-fleet/shepherd/lib/schema"
)

func uevent(header string, env ...string) []byte {
	return []byte(header + "\x00" + strings.Join(env, "\x00") + "\x00")
}

const acmDevPath = "/devices/pci0000:00/0000:00:14.0/usb1/1-1/1-1.2/1-1.2:1.0/tty/ttyACM0"

func TestParseUevent(t *testing.T) {
	message := uevent("add@"+acmDevPath,
		"ACTION=add", "DEVPATH="+acmDevPath, "SUBSYSTEM=tty", "DEVNAME=ttyACM0", "SEQNUM=4211")

	parsed, ok := ParseUevent(message)
	if !ok {
		t.Fatal("ParseUevent rejected a kernel message")
	}
	if parsed.Action != "add" || parsed.DevPath != acmDevPath {
		t.Errorf("header = %s@%s", parsed.Action, parsed.DevPath)
	}
	if parsed.Env["SUBSYSTEM"] != "tty" || parsed.Env["SEQNUM"] != "4211" {
		t.Errorf("env = %v", parsed.Env)
	}
}

func TestParseUeventRejects(t *testing.T) {
	for name, message := range map[string][]byte{
		"libudev framing":   []byte("libudev\x00\xfe\xed\xca\xfe"),
		"missing devpath":   uevent("add@"),
		"empty":             {},
		"mismatched action": uevent("add@"+acmDevPath, "ACTION=remove"),
	} {
		if _, ok := ParseUevent(message); ok {
			t.Errorf("%s: expected rejection", name)
		}
	}
}

func TestNetlinkTranslate(t *testing.T) {
	source := &NetlinkSource{DevRoot: "/dev", SysRoot: "/sys"}

	tests := []struct {
		name     string
		message  []byte
		wantOK   bool
		wantKind schema.HotplugKind
	}{
		{
			name:     "usb tty add",
			message:  uevent("add@"+acmDevPath, "ACTION=add", "SUBSYSTEM=tty", "DEVNAME=ttyACM0"),
			wantOK:   true,
			wantKind: schema.HotplugAttached,
		},
		{
			name:     "usb tty remove",
			message:  uevent("remove@"+acmDevPath, "ACTION=remove", "SUBSYSTEM=tty", "DEVNAME=ttyACM0"),
			wantOK:   true,
			wantKind: schema.HotplugDetached,
		},
		{
			name:    "usb interface event ignored",
			message: uevent("add@/devices/pci0000:00/0000:00:14.0/usb1/1-1/1-1.2/1-1.2:1.0", "SUBSYSTEM=usb"),
		},
		{
			name:    "platform uart ignored",
			message: uevent("add@/devices/platform/serial8250/tty/ttyS0", "SUBSYSTEM=tty", "DEVNAME=ttyS0"),
		},
		{
			name:    "change ignored",
			message: uevent("change@"+acmDevPath, "ACTION=change", "SUBSYSTEM=tty", "DEVNAME=ttyACM0"),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			parsed, ok := ParseUevent(test.message)
			if !ok {
				t.Fatal("ParseUevent rejected message")
			}
			event, ok := source.translate(parsed)
			if ok != test.wantOK {
				t.Fatalf("translate ok = %v, want %v", ok, test.wantOK)
			}
			if !ok {
				return
			}
			if event.Kind != test.wantKind {
				t.Errorf("kind = %s, want %s", event.Kind, test.wantKind)
			}
			if event.Attachment.DevPath != "/dev/ttyACM0" {
				t.Errorf("dev path = %s", event.Attachment.DevPath)
			}
			if event.Attachment.PortPath != "1-1.2" {
				t.Errorf("port path = %s", event.Attachment.PortPath)
			}
			if event.Attachment.SysPath != "/sys"+acmDevPath {
				t.Errorf("sys path = %s", event.Attachment.SysPath)
			}
			if event.Source != "netlink" {
				t.Errorf("source = %s", event.Source)
			}
		})
	}
}

func TestEnlargeReceiveBufferLogsFailure(t *testing.T) {
	var output bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&output, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if enlargeReceiveBuffer(-1, logger) {
		t.Fatal("expected failure on an invalid descriptor")
	}
	if !strings.Contains(output.String(), "cannot enlarge netlink receive buffer") {
		t.Errorf("failure not logged: %q", output.String())
	}
}
