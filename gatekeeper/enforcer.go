// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tallygate/platform/shared/logger"
)

// UnlimitedRemaining is the sentinel reported for paid tiers, which bypass
// enforcement entirely.
const UnlimitedRemaining = -1

// Snapshot is the authoritative usage view returned by Check and Record and
// broadcast on the sync bus after a charge.
type Snapshot struct {
	Allowed     bool `json:"allowed"`
	IsPaidUser  bool `json:"is_paid_user"`
	Remaining   int  `json:"remaining"`
	WeeklyLimit int  `json:"weekly_limit"`
	WeeklyUsage int  `json:"weekly_usage"`
	Flagged     bool `json:"flagged"`
}

// QuotaEnforcer decides whether a caller may perform a gated action this
// week and charges usage atomically.
//
// Check is informational and never mutates state; callers invoke Record only
// once they are committed to the gated action, because a committed charge is
// never rolled back (at-least-once charging).
type QuotaEnforcer struct {
	store    UsageStore
	settings SettingsStore
	detector *AbuseDetector
	cache    *SnapshotCache // optional
	bus      *ClientSyncBus // optional
	log      *logger.Logger

	// now is swappable for week-rollover tests.
	now func() time.Time
}

// NewQuotaEnforcer wires the enforcer. cache and bus may be nil.
func NewQuotaEnforcer(store UsageStore, settings SettingsStore, cache *SnapshotCache, bus *ClientSyncBus, log *logger.Logger) *QuotaEnforcer {
	if log == nil {
		log = logger.New("quota-enforcer")
	}
	return &QuotaEnforcer{
		store:    store,
		settings: settings,
		detector: NewAbuseDetector(store),
		cache:    cache,
		bus:      bus,
		log:      log,
		now:      time.Now,
	}
}

func paidSnapshot() Snapshot {
	return Snapshot{
		Allowed:     true,
		IsPaidUser:  true,
		Remaining:   UnlimitedRemaining,
		WeeklyLimit: UnlimitedRemaining,
	}
}

// Check reports the caller's current allowance without charging. On a store
// failure it fails closed: the returned snapshot denies and the error is
// surfaced for logging.
func (e *QuotaEnforcer) Check(ctx context.Context, id Identity, tier string) (Snapshot, error) {
	if isPaidTier(tier) {
		return paidSnapshot(), nil
	}

	limit, err := e.settings.FreeWeeklyLimit(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("weekly limit unavailable: %w", err)
	}

	week := WeekStart(e.now())

	if snap, ok := e.cache.Get(ctx, id.Key, week); ok {
		return snap, nil
	}

	usage := 0
	rec, err := e.store.Get(ctx, id.Key, week)
	switch {
	case errors.Is(err, ErrNoRecord):
		// Fresh bucket: full allowance. Prior-week rows live under their own
		// week key, so a stale record is never read here.
	case err != nil:
		return Snapshot{WeeklyLimit: limit}, fmt.Errorf("usage store unreachable: %w", err)
	default:
		usage = rec.WeeklyUsage
	}

	flagged, err := e.store.IsFlagged(ctx, id.Key)
	if err != nil {
		return Snapshot{WeeklyLimit: limit}, fmt.Errorf("usage store unreachable: %w", err)
	}

	snap := buildSnapshot(usage, limit, flagged)
	e.cache.Put(ctx, id.Key, week, snap)
	return snap, nil
}

// Record atomically charges one unit of usage, running abuse detection
// inside the charge. A full bucket yields allowed=false as a normal result;
// a store failure is a hard error, since the caller may already have started
// the gated action.
func (e *QuotaEnforcer) Record(ctx context.Context, id Identity, ipHash, tier string) (Snapshot, error) {
	if isPaidTier(tier) {
		return paidSnapshot(), nil
	}

	limit, err := e.settings.FreeWeeklyLimit(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("weekly limit unavailable: %w", err)
	}

	week := WeekStart(e.now())

	sticky, err := e.store.IsFlagged(ctx, id.Key)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read abuse flag: %w", err)
	}

	reused, err := e.detector.FingerprintReused(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("abuse check failed: %w", err)
	}
	if reused && !sticky {
		e.log.Warn(id.Key, "", "fingerprint bound to another identity, flagging", nil)
	}

	rec, err := e.store.Increment(ctx, id.Key, week, id.FingerprintHash, ipHash, sticky || reused, limit)
	if errors.Is(err, ErrLimitReached) {
		// Losing a race past the limit is a normal denial, not an error.
		snap := Snapshot{
			WeeklyLimit: limit,
			WeeklyUsage: limit,
			Flagged:     sticky || reused,
		}
		e.cache.Put(ctx, id.Key, week, snap)
		return snap, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to record usage: %w", err)
	}

	snap := buildSnapshot(rec.WeeklyUsage, limit, rec.Flagged)
	// The charge itself succeeded even when it consumed the last unit.
	snap.Allowed = true
	e.cache.Invalidate(ctx, id.Key, week)
	e.cache.Put(ctx, id.Key, week, snap)
	if e.bus != nil {
		e.bus.Publish(snap)
	}
	return snap, nil
}

func buildSnapshot(usage, limit int, flagged bool) Snapshot {
	remaining := limit - usage
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Allowed:     remaining > 0,
		Remaining:   remaining,
		WeeklyLimit: limit,
		WeeklyUsage: usage,
		Flagged:     flagged,
	}
}
