// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0

package devicestore

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/shepherd-fleet/shepherd/lib/codec"
	"github.com/shepherd-fleet/shepherd/lib/schema"
)

// fingerprintKey separates configuration fingerprints from any other
// BLAKE3 use. Changing it changes every stored fingerprint.
var fingerprintKey = [32]byte{
	's', 'h', 'e', 'p', 'h', 'e', 'r', 'd', '.', 'c', 'o', 'n', 'f', 'i', 'g', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0, 0,
}

// fingerprintFields are the configuration values an operator sets.
// The IP address is excluded: it follows DHCP, not reconfiguration.
type fingerprintFields struct {
	PoolURL         string `cbor:"pool_url"`
	WalletAddress   string `cbor:"wallet_address"`
	FirmwareVersion string `cbor:"firmware_version"`
}

// Fingerprint returns a stable hex digest of the operator-set parts
// of config, or "" when none of them is known. Two devices with equal
// fingerprints are configured identically.
func Fingerprint(config schema.CapturedConfig) string {
	fields := fingerprintFields{
		PoolURL:         config.PoolURL,
		WalletAddress:   config.WalletAddress,
		FirmwareVersion: config.FirmwareVersion,
	}
	if fields == (fingerprintFields{}) {
		return ""
	}
	encoded, err := codec.Marshal(fields)
	if err != nil {
		panic("devicestore: encoding fingerprint fields: " + err.Error())
	}
	hasher, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("devicestore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(encoded)
	return hex.EncodeToString(hasher.Sum(nil)[:16])
}
