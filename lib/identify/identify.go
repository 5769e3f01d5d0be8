// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

// Package identify resolves the durable identity of an attached
// device.
//
// A hardware serial number is always preferred. Boards that report no
// serial (common with CH340 bridges) get a synthetic key built from
// vendor, product and USB port path; such an identity is degraded
// because it follows the socket rather than the board. Serial-less
// devices from vendors outside the miner allowlist are not miners and
// are ignored.
package identify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shepherd-fleet/shepherd/lib/schema"
)

var (
	// ErrNotMiner is returned for serial-less devices whose vendor is
	// not on the allowlist.
	ErrNotMiner = errors.New("identify: not a miner")

	// ErrUnidentifiable is returned when neither a serial nor enough
	// attributes for a synthetic key are available.
	ErrUnidentifiable = errors.New("identify: device cannot be identified")
)

// DefaultVendors are the USB bridge vendors found on lottery-miner
// boards: Silicon Labs CP210x, Espressif native USB, WCH CH340.
var DefaultVendors = []string{"10c4", "303a", "1a86"}

// Identity is a resolved device key.
type Identity struct {
	// Key is the hardware serial, or a synthetic
	// "vendor:product:port" key when Degraded.
	Key string

	// Degraded is true when Key was synthesized.
	Degraded bool
}

// Identifier resolves attachments against a vendor allowlist.
type Identifier struct {
	vendors map[string]bool
}

// New returns an Identifier accepting the given vendor IDs (hex, any
// case, optional 0x prefix). An empty list uses [DefaultVendors].
func New(vendors []string) *Identifier {
	if len(vendors) == 0 {
		vendors = DefaultVendors
	}
	identifier := &Identifier{vendors: make(map[string]bool, len(vendors))}
	for _, vendor := range vendors {
		identifier.vendors[normalizeHex(vendor)] = true
	}
	return identifier
}

// Resolve returns the identity for att.
func (i *Identifier) Resolve(att schema.Attachment) (Identity, error) {
	if serial := strings.TrimSpace(att.SerialNumber); serial != "" {
		return Identity{Key: serial}, nil
	}

	vendor := normalizeHex(att.VendorID)
	product := normalizeHex(att.ProductID)
	if vendor == "" {
		return Identity{}, fmt.Errorf("%w: %s has no vendor ID", ErrUnidentifiable, att.DevPath)
	}
	if !i.vendors[vendor] {
		return Identity{}, fmt.Errorf("%w: %s vendor %s", ErrNotMiner, att.DevPath, vendor)
	}
	if product == "" || att.PortPath == "" {
		return Identity{}, fmt.Errorf("%w: %s has no serial and no port path", ErrUnidentifiable, att.DevPath)
	}

	return Identity{
		Key:      SyntheticKey(vendor, product, att.PortPath),
		Degraded: true,
	}, nil
}

// SyntheticKey builds the degraded identity key.
func SyntheticKey(vendor, product, portPath string) string {
	return normalizeHex(vendor) + ":" + normalizeHex(product) + ":" + portPath
}

func normalizeHex(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.TrimPrefix(value, "0x")
}
