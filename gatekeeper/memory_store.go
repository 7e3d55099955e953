// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"context"
	"sync"
	"time"
)

// Defaults for the in-memory store. Retention keeps a few past weeks around
// for investigative correlation; the sweep runs on a fixed interval rather
// than piggybacking on unrelated requests.
const (
	defaultMemoryRetention     = 4 * 7 * 24 * time.Hour
	defaultMemorySweepInterval = 10 * time.Minute
)

type bucketKey struct {
	identityKey string
	weekStart   int64 // unix seconds of the UTC week boundary
}

// MemoryUsageStore is the community-mode UsageStore used when no database is
// configured, and by tests. It is an explicitly bounded, explicitly expired
// structure: buckets older than the retention window are removed by a
// deterministic sweep, while sticky abuse flags survive the sweep.
type MemoryUsageStore struct {
	mu      sync.Mutex
	records map[bucketKey]*UsageRecord
	flagged map[string]bool // identity_key -> sticky flag, sweep-proof

	retention time.Duration
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMemoryUsageStore creates an in-memory usage store and starts its
// expiry sweeper. Call Close to stop the sweeper.
func NewMemoryUsageStore(retention, sweepInterval time.Duration) *MemoryUsageStore {
	if retention <= 0 {
		retention = defaultMemoryRetention
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultMemorySweepInterval
	}

	s := &MemoryUsageStore{
		records:   make(map[bucketKey]*UsageRecord),
		flagged:   make(map[string]bool),
		retention: retention,
		stop:      make(chan struct{}),
	}

	go s.sweeper(sweepInterval)
	return s
}

// Close stops the expiry sweeper.
func (s *MemoryUsageStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryUsageStore) sweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(time.Now())
		case <-s.stop:
			return
		}
	}
}

// sweepOnce removes buckets whose week fell out of the retention window.
// Flags stay in the sweep-proof set, so a flagged identity remains flagged.
func (s *MemoryUsageStore) sweepOnce(now time.Time) int {
	cutoff := now.UTC().Add(-s.retention).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k := range s.records {
		if k.weekStart < cutoff {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// Get returns a copy of the record for the given bucket, or ErrNoRecord.
func (s *MemoryUsageStore) Get(ctx context.Context, identityKey string, weekStart time.Time) (*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[bucketKey{identityKey, weekStart.Unix()}]
	if !ok {
		return nil, ErrNoRecord
	}
	out := *rec
	return &out, nil
}

// Increment charges one unit against the bucket under the store lock, so
// concurrent charges for the same identity serialize and never overshoot.
func (s *MemoryUsageStore) Increment(ctx context.Context, identityKey string, weekStart time.Time, fpHash, ipHash string, flag bool, limit int) (*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{identityKey, weekStart.Unix()}
	rec, ok := s.records[key]
	if !ok {
		if limit < 1 {
			return nil, ErrLimitReached
		}
		now := time.Now().UTC()
		rec = &UsageRecord{
			IdentityKey: identityKey,
			WeekStart:   weekStart,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.records[key] = rec
	}

	if rec.WeeklyUsage+1 > limit {
		return nil, ErrLimitReached
	}

	rec.WeeklyUsage++
	rec.FingerprintHash = fpHash
	rec.IPHash = ipHash
	rec.Flagged = rec.Flagged || flag || s.flagged[identityKey]
	rec.UpdatedAt = time.Now().UTC()
	if rec.Flagged {
		s.flagged[identityKey] = true
	}

	out := *rec
	return &out, nil
}

// FingerprintBoundElsewhere scans live buckets for the fingerprint hash
// under a different identity key.
func (s *MemoryUsageStore) FingerprintBoundElsewhere(ctx context.Context, fpHash, identityKey string) (bool, error) {
	if fpHash == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, rec := range s.records {
		if rec.FingerprintHash == fpHash && k.identityKey != identityKey {
			return true, nil
		}
	}
	return false, nil
}

// IsFlagged reports the sticky flag for the identity.
func (s *MemoryUsageStore) IsFlagged(ctx context.Context, identityKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flagged[identityKey], nil
}

// ClearFlag is the administrative override.
func (s *MemoryUsageStore) ClearFlag(ctx context.Context, identityKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := s.flagged[identityKey]
	delete(s.flagged, identityKey)
	for k, rec := range s.records {
		if k.identityKey == identityKey {
			rec.Flagged = false
			found = true
		}
	}
	if !found {
		return ErrNoRecord
	}
	return nil
}
