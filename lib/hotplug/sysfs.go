// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package hotplug

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// errNotUSB marks tty devices that are not backed by a USB device:
// motherboard UARTs, virtual consoles, pseudo-terminals.
var errNotUSB = errors.New("hotplug: tty is not USB-backed")

// SysfsReader reads device attributes from a sysfs mount.
type SysfsReader struct {
	// Root is the sysfs mount point. Defaults to /sys.
	Root string

	// DevRoot is where device nodes live. Defaults to /dev.
	DevRoot string
}

func (r SysfsReader) root() string {
	if r.Root == "" {
		return "/sys"
	}
	return r.Root
}

func (r SysfsReader) devRoot() string {
	if r.DevRoot == "" {
		return "/dev"
	}
	return r.DevRoot
}

// DevPath returns the device node path for a tty name.
func (r SysfsReader) DevPath(name string) string {
	return filepath.Join(r.devRoot(), name)
}

// Describe returns the attachment for a USB-backed tty. The returned
// error wraps errNotUSB for ttys without a USB parent and
// os.ErrNotExist when the tty has already gone away.
func (r SysfsReader) Describe(devPath string) (schema.Attachment, error) {
	name := filepath.Base(devPath)
	entry := filepath.Join(r.root(), "class", "tty", name)

	resolved, err := filepath.EvalSymlinks(filepath.Join(entry, "device"))
	if err != nil {
		resolved, err = filepath.EvalSymlinks(entry)
	}
	if err != nil {
		return schema.Attachment{DevPath: devPath}, fmt.Errorf("hotplug: resolving %s: %w", entry, err)
	}
	if !strings.Contains(resolved, "/usb") {
		return schema.Attachment{DevPath: devPath}, fmt.Errorf("%w: %s", errNotUSB, name)
	}

	attachment := schema.Attachment{DevPath: devPath, SysPath: resolved}

	usbDevice := r.findUSBDevice(resolved)
	if usbDevice == "" {
		return attachment, fmt.Errorf("%w: no USB device above %s", errNotUSB, resolved)
	}
	attachment.VendorID = strings.ToLower(readAttribute(usbDevice, "idVendor"))
	attachment.ProductID = strings.ToLower(readAttribute(usbDevice, "idProduct"))
	attachment.SerialNumber = readAttribute(usbDevice, "serial")
	attachment.PortPath = PortPath(usbDevice)
	return attachment, nil
}

// findUSBDevice walks up from a tty's sysfs directory to the USB
// device directory, recognized by its idVendor attribute.
func (r SysfsReader) findUSBDevice(resolved string) string {
	root := filepath.Clean(r.root())
	for directory := resolved; directory != root && directory != "/" && directory != "."; directory = filepath.Dir(directory) {
		if _, err := os.Stat(filepath.Join(directory, "idVendor")); err == nil {
			return directory
		}
	}
	return ""
}

// PortPath extracts the USB bus path (for example "1-1.2") from a
// sysfs device path: the last path element that names a USB device
// rather than an interface ("1-1.2:1.0") or a root hub ("usb1").
func PortPath(sysPath string) string {
	elements := strings.Split(filepath.ToSlash(sysPath), "/")
	for index := len(elements) - 1; index >= 0; index-- {
		element := elements[index]
		if strings.Contains(element, "-") && !strings.Contains(element, ":") && isBusPath(element) {
			return element
		}
	}
	return ""
}

// isBusPath accepts "<bus>-<port>[.<port>...]".
func isBusPath(element string) bool {
	for _, character := range element {
		if (character < '0' || character > '9') && character != '-' && character != '.' {
			return false
		}
	}
	return true
}

func readAttribute(directory, name string) string {
	data, err := os.ReadFile(filepath.Join(directory, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Scan enumerates USB-backed ttys currently present, sorted by device
// node. Non-USB ttys are skipped silently.
func (r SysfsReader) Scan() ([]schema.Attachment, error) {
	classDirectory := filepath.Join(r.root(), "class", "tty")
	entries, err := os.ReadDir(classDirectory)
	if err != nil {
		return nil, fmt.Errorf("hotplug: reading %s: %w", classDirectory, err)
	}

	var attachments []schema.Attachment
	for _, entry := range entries {
		attachment, err := r.Describe(r.DevPath(entry.Name()))
		if err != nil {
			continue
		}
		attachments = append(attachments, attachment)
	}
	sort.Slice(attachments, func(i, j int) bool {
		return attachments[i].DevPath < attachments[j].DevPath
	})
	return attachments, nil
}

// IsSerialName reports whether a /dev entry name is a USB serial node.
func IsSerialName(name string) bool {
	return strings.HasPrefix(name, "ttyACM") || strings.HasPrefix(name, "ttyUSB")
}
