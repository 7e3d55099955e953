// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultSnapshotTTL = 30 * time.Second

// SnapshotCache keeps recent quota snapshots in Redis so that the
// informational check path can serve relaxed reads without hitting the
// authoritative store. Entries expire via Redis TTL on a fixed horizon;
// there is no in-process map to grow without bound.
//
// A nil *SnapshotCache is valid and disables caching.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSnapshotCache creates a snapshot cache on an existing Redis client.
func NewSnapshotCache(client *redis.Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(identityKey string, weekStart time.Time) string {
	return fmt.Sprintf("quota:snapshot:%s:%s", identityKey, weekStart.UTC().Format("2006-01-02"))
}

// Get returns the cached snapshot for the bucket, if present. Cache errors
// are reported as misses; the caller falls back to the store.
func (c *SnapshotCache) Get(ctx context.Context, identityKey string, weekStart time.Time) (Snapshot, bool) {
	if c == nil || c.client == nil {
		return Snapshot{}, false
	}

	data, err := c.client.Get(ctx, snapshotKey(identityKey, weekStart)).Bytes()
	if err != nil {
		return Snapshot{}, false
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// Put stores the snapshot with the cache TTL. Best effort: failures are
// swallowed, the authoritative store remains correct.
func (c *SnapshotCache) Put(ctx context.Context, identityKey string, weekStart time.Time, snap Snapshot) {
	if c == nil || c.client == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	c.client.Set(ctx, snapshotKey(identityKey, weekStart), data, c.ttl)
}

// Invalidate drops the cached snapshot for the bucket, used after a charge
// so the next check reads fresh state.
func (c *SnapshotCache) Invalidate(ctx context.Context, identityKey string, weekStart time.Time) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(ctx, snapshotKey(identityKey, weekStart))
}
