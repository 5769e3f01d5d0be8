// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// Attachment describes one physical attach edge as read from sysfs.
// It is transient and never persisted as-is.
type Attachment struct {
	// DevPath is the character device node, e.g. /dev/ttyACM0.
	DevPath string `json:"dev_path"`

	// PortPath is the USB bus path of the physical port, e.g. 1-1.2.
	// Stable for a given socket on a given hub.
	PortPath string `json:"port_path,omitempty"`

	// VendorID and ProductID are lower-case hex without prefix.
	VendorID  string `json:"vendor_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`

	// SerialNumber is the USB iSerial string. Empty when the device
	// does not report one.
	SerialNumber string `json:"serial_number,omitempty"`

	// SysPath is the resolved sysfs directory of the tty, when known.
	SysPath string `json:"sys_path,omitempty"`
}

// CapturedConfig is the configuration a device prints during boot.
// Every field is optional; an empty string means "not captured".
type CapturedConfig struct {
	PoolURL         string `json:"pool_url,omitempty"`
	WalletAddress   string `json:"wallet_address,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	IPAddress       string `json:"ip_address,omitempty"`
}

// IsZero reports whether nothing was captured.
func (c CapturedConfig) IsZero() bool { return c == CapturedConfig{} }

// Merge returns c with every non-empty field of update applied.
func (c CapturedConfig) Merge(update CapturedConfig) CapturedConfig {
	if update.PoolURL != "" {
		c.PoolURL = update.PoolURL
	}
	if update.WalletAddress != "" {
		c.WalletAddress = update.WalletAddress
	}
	if update.FirmwareVersion != "" {
		c.FirmwareVersion = update.FirmwareVersion
	}
	if update.IPAddress != "" {
		c.IPAddress = update.IPAddress
	}
	return c
}

// Table identifies which device table a record lives in.
type Table string

const (
	// TableStaging holds devices known only by hardware identity.
	TableStaging Table = "staging"

	// TablePermanent holds devices a human has named.
	TablePermanent Table = "permanent"
)

// Record is the durable per-device row, keyed by hardware serial.
type Record struct {
	Serial string `json:"serial"`
	Table  Table  `json:"table"`

	// Name and LocationNotes are set by the onboarding gateway and
	// are empty for staging records.
	Name          string `json:"name,omitempty"`
	LocationNotes string `json:"location_notes,omitempty"`

	Status Status `json:"status"`
	State  State  `json:"state"`

	DevPath   string `json:"dev_path,omitempty"`
	PortPath  string `json:"port_path,omitempty"`
	VendorID  string `json:"vendor_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`

	// IdentityDegraded is true when Serial was synthesized from
	// vendor, product and port because the device reports no serial.
	// Such a device is not recognized if it moves to another port.
	IdentityDegraded bool `json:"identity_degraded,omitempty"`

	Config            CapturedConfig `json:"config"`
	ConfigFingerprint string         `json:"config_fingerprint,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at"`
	LastSeen     time.Time `json:"last_seen,omitzero"`
	OnboardedAt  time.Time `json:"onboarded_at,omitzero"`
}

// Named reports whether the record is in the permanent table.
func (r Record) Named() bool { return r.Table == TablePermanent }

// AwaitingNaming reports whether the record is an unnamed device whose
// handshake completed.
func (r Record) AwaitingNaming() bool {
	return r.Table == TableStaging && r.State == StateMiningAuthorize
}

// Session is a held port-ownership marker.
type Session struct {
	DevPath    string    `json:"dev_path"`
	Serial     string    `json:"serial"`
	Token      string    `json:"token"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
