// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoRecord indicates no usage row exists for the requested bucket.
	// Absence means a full allowance, not an exhausted one.
	ErrNoRecord = errors.New("no usage record for this bucket")

	// ErrLimitReached indicates the guarded increment would push usage past
	// the weekly limit. Nothing is persisted in that case.
	ErrLimitReached = errors.New("weekly limit reached")
)

// UsageRecord is one row per (identity_key, week_start) bucket. Rows are
// created on the first successful charge and never deleted by this
// subsystem; a new week produces a new bucket.
type UsageRecord struct {
	IdentityKey     string
	WeekStart       time.Time
	WeeklyUsage     int
	FingerprintHash string
	IPHash          string
	Flagged         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UsageStore is the single authoritative store for per-identity, per-week
// usage counters and the sticky abuse flag.
//
// Increment is the only mutating path for counters and must be atomic per
// bucket: N simultaneous calls starting at usage = limit-1 yield exactly one
// success. Get may use relaxed reads.
type UsageStore interface {
	// Get returns the record for the given bucket, or ErrNoRecord.
	Get(ctx context.Context, identityKey string, weekStart time.Time) (*UsageRecord, error)

	// Increment atomically charges one unit against the bucket, refreshing
	// the token hashes and OR-merging flag into the sticky abuse flag. It
	// returns ErrLimitReached, persisting nothing, when the charge would
	// exceed limit.
	Increment(ctx context.Context, identityKey string, weekStart time.Time, fpHash, ipHash string, flag bool, limit int) (*UsageRecord, error)

	// FingerprintBoundElsewhere reports whether fpHash already appears on a
	// record belonging to a different identity key.
	FingerprintBoundElsewhere(ctx context.Context, fpHash, identityKey string) (bool, error)

	// IsFlagged reports whether any bucket for the identity carries the
	// abuse flag. The flag is sticky across weeks.
	IsFlagged(ctx context.Context, identityKey string) (bool, error)

	// ClearFlag is the administrative override: it clears the abuse flag on
	// every bucket for the identity. Returns ErrNoRecord when the identity
	// has no rows at all.
	ClearFlag(ctx context.Context, identityKey string) error
}
