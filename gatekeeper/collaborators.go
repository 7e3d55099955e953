// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// TierFree is the only tier subject to quota enforcement. Any other
// non-empty tier label is treated as paid and bypasses enforcement.
const TierFree = "free"

// DefaultWeeklyLimit applies when the settings store carries no override.
const DefaultWeeklyLimit = 3

const settingsCacheTTL = 30 * time.Second

// SettingsStore supplies the externally configured weekly limit for the
// free/anonymous tier. Read-only collaborator.
type SettingsStore interface {
	FreeWeeklyLimit(ctx context.Context) (int, error)
}

// SubscriptionLookup supplies the opaque tier label for a user. This
// subsystem never computes paid membership itself.
type SubscriptionLookup interface {
	TierFor(ctx context.Context, userID string) (string, error)
}

// isPaidTier reports whether the tier bypasses quota enforcement.
func isPaidTier(tier string) bool {
	return tier != "" && tier != TierFree
}

// PostgresSettingsStore reads the weekly limit from the app_settings table,
// caching it for a short fixed TTL so the hot path avoids a query per check.
type PostgresSettingsStore struct {
	db *sql.DB

	mu        sync.Mutex
	cached    int
	fetchedAt time.Time
}

// NewPostgresSettingsStore creates a settings reader on the shared database.
func NewPostgresSettingsStore(db *sql.DB) *PostgresSettingsStore {
	return &PostgresSettingsStore{db: db}
}

// FreeWeeklyLimit returns the configured free-tier weekly limit, falling
// back to DefaultWeeklyLimit when no setting row exists.
func (s *PostgresSettingsStore) FreeWeeklyLimit(ctx context.Context) (int, error) {
	s.mu.Lock()
	if !s.fetchedAt.IsZero() && time.Since(s.fetchedAt) < settingsCacheTTL {
		limit := s.cached
		s.mu.Unlock()
		return limit, nil
	}
	s.mu.Unlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM app_settings WHERE key = 'free_weekly_limit'",
	).Scan(&raw)

	limit := DefaultWeeklyLimit
	switch {
	case err == sql.ErrNoRows:
		// No override configured.
	case err != nil:
		return 0, fmt.Errorf("failed to read weekly limit setting: %w", err)
	default:
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed < 0 {
			return 0, fmt.Errorf("invalid free_weekly_limit setting %q", raw)
		}
		limit = parsed
	}

	s.mu.Lock()
	s.cached = limit
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return limit, nil
}

// StaticSettingsStore serves a fixed weekly limit. Used in community mode
// and tests.
type StaticSettingsStore struct {
	Limit int
}

// FreeWeeklyLimit returns the fixed limit.
func (s StaticSettingsStore) FreeWeeklyLimit(ctx context.Context) (int, error) {
	return s.Limit, nil
}

// PostgresSubscriptionLookup resolves a user's tier from the subscriptions
// table. Anonymous callers and users without an active subscription are
// free tier.
type PostgresSubscriptionLookup struct {
	db *sql.DB
}

// NewPostgresSubscriptionLookup creates a subscription reader on the shared
// database.
func NewPostgresSubscriptionLookup(db *sql.DB) *PostgresSubscriptionLookup {
	return &PostgresSubscriptionLookup{db: db}
}

// TierFor returns the tier label for the user, TierFree when none.
func (l *PostgresSubscriptionLookup) TierFor(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return TierFree, nil
	}

	var tier string
	err := l.db.QueryRowContext(ctx, `
		SELECT tier FROM subscriptions
		WHERE user_id = $1 AND status = 'active'
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID).Scan(&tier)

	if err == sql.ErrNoRows {
		return TierFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up subscription: %w", err)
	}
	if tier == "" {
		return TierFree, nil
	}
	return tier, nil
}

// StaticSubscriptionLookup serves a fixed tier per user id, defaulting to
// free. Used in community mode and tests.
type StaticSubscriptionLookup struct {
	Tiers map[string]string
}

// TierFor returns the configured tier for the user, TierFree when unknown.
func (l StaticSubscriptionLookup) TierFor(ctx context.Context, userID string) (string, error) {
	if tier, ok := l.Tiers[userID]; ok {
		return tier, nil
	}
	return TierFree, nil
}
