// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/shepherd-fleet/shepherd/lib/logging"
	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// kernelUeventGroup is the multicast group the kernel publishes
// uevents on. Group 2 carries udev's re-broadcasts, which use a
// different framing and are not needed here.
const kernelUeventGroup = 1

// receiveBufferBytes enlarges the socket buffer so a hub full of
// boards enumerating at once does not overflow it.
const receiveBufferBytes = 1 << 20

// NetlinkSource listens for kernel uevents.
type NetlinkSource struct {
	// DevRoot is prefixed to DEVNAME. Defaults to /dev.
	DevRoot string

	// SysRoot is prefixed to DEVPATH. Defaults to /sys.
	SysRoot string

	Logger *slog.Logger

	fd     int
	resync func()
}

func (s *NetlinkSource) Name() string { return "netlink" }

// SetResync installs the callback run after the kernel drops uevents.
func (s *NetlinkSource) SetResync(resync func()) { s.resync = resync }

// Open creates and binds the NETLINK_KOBJECT_UEVENT socket.
func (s *NetlinkSource) Open() error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return fmt.Errorf("hotplug: netlink socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kernelUeventGroup}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("hotplug: binding netlink socket: %w", err)
	}
	enlargeReceiveBuffer(fd, logging.OrDiscard(s.Logger))
	s.fd = fd
	return nil
}

// enlargeReceiveBuffer raises SO_RCVBUF to receiveBufferBytes.
// Unprivileged processes may be capped below it, which only makes
// overflow resyncs more frequent, so failure is logged and tolerated.
func enlargeReceiveBuffer(fd int, logger *slog.Logger) bool {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, receiveBufferBytes); err != nil {
		logger.Debug("cannot enlarge netlink receive buffer",
			"bytes", receiveBufferBytes, "error", err)
		return false
	}
	return true
}

// Run polls the socket with a 100ms timeout so cancellation is noticed
// without a dedicated wakeup descriptor.
func (s *NetlinkSource) Run(ctx context.Context, emit func(schema.HotplugEvent)) error {
	defer unix.Close(s.fd)
	logger := logging.OrDiscard(s.Logger)

	buffer := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		pollDescriptors := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("hotplug: polling netlink socket: %w", err)
		}
		if count == 0 {
			continue
		}

		bytesRead, _, err := unix.Recvfrom(s.fd, buffer, 0)
		if err != nil {
			switch {
			case err == unix.EAGAIN || err == unix.EINTR:
				continue
			case errors.Is(err, unix.ENOBUFS):
				// The kernel dropped uevents. The rescan reports lost
				// attaches and detaches.
				logger.Warn("netlink receive buffer overflowed, rescanning")
				if s.resync != nil {
					s.resync()
				}
				continue
			}
			return fmt.Errorf("hotplug: reading netlink socket: %w", err)
		}

		uevent, ok := ParseUevent(buffer[:bytesRead])
		if !ok {
			continue
		}
		event, ok := s.translate(uevent)
		if !ok {
			continue
		}
		emit(event)
	}
}

// translate keeps add/remove of USB-backed tty devices.
func (s *NetlinkSource) translate(uevent Uevent) (schema.HotplugEvent, bool) {
	if uevent.Env["SUBSYSTEM"] != "tty" {
		return schema.HotplugEvent{}, false
	}
	if !strings.Contains(uevent.DevPath, "/usb") {
		return schema.HotplugEvent{}, false
	}
	var kind schema.HotplugKind
	switch uevent.Action {
	case "add":
		kind = schema.HotplugAttached
	case "remove":
		kind = schema.HotplugDetached
	default:
		return schema.HotplugEvent{}, false
	}

	name := uevent.Env["DEVNAME"]
	if name == "" {
		name = filepath.Base(uevent.DevPath)
	}
	devRoot := s.DevRoot
	if devRoot == "" {
		devRoot = "/dev"
	}
	sysRoot := s.SysRoot
	if sysRoot == "" {
		sysRoot = "/sys"
	}

	sysPath := filepath.Join(sysRoot, uevent.DevPath)
	return schema.HotplugEvent{
		Kind: kind,
		Attachment: schema.Attachment{
			DevPath:  filepath.Join(devRoot, strings.TrimPrefix(name, "/dev/")),
			SysPath:  sysPath,
			PortPath: PortPath(sysPath),
		},
		Source: s.Name(),
	}, true
}

// Uevent is one parsed kernel uevent.
type Uevent struct {
	Action  string
	DevPath string
	Env     map[string]string
}

// ParseUevent decodes "ACTION@DEVPATH\0KEY=VALUE\0...". Messages in
// udev's "libudev" framing and malformed headers are rejected.
func ParseUevent(message []byte) (Uevent, bool) {
	fields := bytes.Split(message, []byte{0})
	if len(fields) == 0 {
		return Uevent{}, false
	}
	header := string(fields[0])
	action, devPath, ok := strings.Cut(header, "@")
	if !ok || action == "" || devPath == "" {
		return Uevent{}, false
	}

	uevent := Uevent{Action: action, DevPath: devPath, Env: make(map[string]string, len(fields))}
	for _, field := range fields[1:] {
		key, value, ok := strings.Cut(string(field), "=")
		if !ok || key == "" {
			continue
		}
		uevent.Env[key] = value
	}
	if envAction, ok := uevent.Env["ACTION"]; ok && envAction != action {
		return Uevent{}, false
	}
	return uevent, true
}
