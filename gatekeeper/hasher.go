// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrEmptyIdentifier is returned when a raw identifier is empty. Hashing
// failures deny the request; raw values are never stored as a fallback.
var ErrEmptyIdentifier = errors.New("cannot hash empty identifier")

// HashToken converts a raw identifier (device fingerprint, IP address) into
// an opaque one-way token. The same input always yields the same token, and
// the raw value never leaves this function.
func HashToken(raw string) (string, error) {
	if raw == "" {
		return "", ErrEmptyIdentifier
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:]), nil
}
