// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import "context"

// AbuseDetector cross-checks fingerprint-to-identity binding. It only
// signals; whether a flagged identity is blocked, warned, or merely logged
// is a policy decision left to callers consuming the snapshot.
type AbuseDetector struct {
	store UsageStore
}

// NewAbuseDetector creates a detector over the usage store.
func NewAbuseDetector(store UsageStore) *AbuseDetector {
	return &AbuseDetector{store: store}
}

// FingerprintReused reports whether the identity's fingerprint has already
// been observed bound to a different identity key. Sentinel identities and
// identities without a fingerprint can never bind, so they never flag.
func (d *AbuseDetector) FingerprintReused(ctx context.Context, id Identity) (bool, error) {
	if id.Sentinel || id.FingerprintHash == "" {
		return false, nil
	}
	return d.store.FingerprintBoundElsewhere(ctx, id.FingerprintHash, id.Key)
}
