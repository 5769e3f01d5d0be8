// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package serialport

import (
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one USB serial port present on the host.
type PortInfo struct {
	DevPath      string `json:"dev_path"`
	VendorID     string `json:"vendor_id"`
	ProductID    string `json:"product_id"`
	SerialNumber string `json:"serial_number,omitempty"`
}

// List returns the USB serial ports currently present, sorted by path.
// Non-USB ports are omitted.
func List() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialport: enumerating ports: %w", err)
	}
	return usbPorts(details), nil
}

func usbPorts(details []*enumerator.PortDetails) []PortInfo {
	var ports []PortInfo
	for _, detail := range details {
		if detail == nil || !detail.IsUSB {
			continue
		}
		ports = append(ports, PortInfo{
			DevPath:      detail.Name,
			VendorID:     strings.ToLower(detail.VID),
			ProductID:    strings.ToLower(detail.PID),
			SerialNumber: detail.SerialNumber,
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].DevPath < ports[j].DevPath })
	return ports
}
