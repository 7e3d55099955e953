// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresUsageStore is the authoritative UsageStore implementation.
//
// Atomicity comes from a single guarded upsert per charge: the counter can
// never exceed the limit, even transiently, because the increment and the
// limit check happen in one statement.
type PostgresUsageStore struct {
	db *sql.DB
}

// NewPostgresUsageStore creates a usage store backed by PostgreSQL.
func NewPostgresUsageStore(db *sql.DB) *PostgresUsageStore {
	return &PostgresUsageStore{db: db}
}

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	identity_key     TEXT        NOT NULL,
	week_start       TIMESTAMPTZ NOT NULL,
	weekly_usage     INTEGER     NOT NULL DEFAULT 0 CHECK (weekly_usage >= 0),
	fingerprint_hash TEXT        NOT NULL DEFAULT '',
	ip_hash          TEXT        NOT NULL DEFAULT '',
	flagged          BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (identity_key, week_start)
);
CREATE INDEX IF NOT EXISTS idx_usage_records_fingerprint
	ON usage_records (fingerprint_hash) WHERE fingerprint_hash <> '';
`

// EnsureSchema creates the usage_records table and indexes if missing.
func (s *PostgresUsageStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, usageSchema); err != nil {
		return fmt.Errorf("failed to create usage schema: %w", err)
	}
	return nil
}

// Get returns the record for the given bucket, or ErrNoRecord. Reads are
// relaxed (no transaction); only Increment needs strict atomicity.
func (s *PostgresUsageStore) Get(ctx context.Context, identityKey string, weekStart time.Time) (*UsageRecord, error) {
	query := `
		SELECT identity_key, week_start, weekly_usage, fingerprint_hash, ip_hash, flagged, created_at, updated_at
		FROM usage_records
		WHERE identity_key = $1 AND week_start = $2
	`

	var rec UsageRecord
	err := s.db.QueryRowContext(ctx, query, identityKey, weekStart).Scan(
		&rec.IdentityKey,
		&rec.WeekStart,
		&rec.WeeklyUsage,
		&rec.FingerprintHash,
		&rec.IPHash,
		&rec.Flagged,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read usage record: %w", err)
	}
	return &rec, nil
}

// Increment charges one unit against the bucket. The upsert's WHERE guard
// makes the read-check-write a single atomic operation: when the bucket is
// already at the limit no row comes back and nothing is written.
//
// A serialization failure is retried exactly once with a fresh statement;
// if it conflicts again the caller sees the error as-is.
func (s *PostgresUsageStore) Increment(ctx context.Context, identityKey string, weekStart time.Time, fpHash, ipHash string, flag bool, limit int) (*UsageRecord, error) {
	if limit < 1 {
		return nil, ErrLimitReached
	}

	rec, err := s.increment(ctx, identityKey, weekStart, fpHash, ipHash, flag, limit)
	if isSerializationFailure(err) {
		rec, err = s.increment(ctx, identityKey, weekStart, fpHash, ipHash, flag, limit)
	}
	return rec, err
}

func (s *PostgresUsageStore) increment(ctx context.Context, identityKey string, weekStart time.Time, fpHash, ipHash string, flag bool, limit int) (*UsageRecord, error) {
	query := `
		INSERT INTO usage_records (identity_key, week_start, weekly_usage, fingerprint_hash, ip_hash, flagged)
		VALUES ($1, $2, 1, $3, $4, $5)
		ON CONFLICT (identity_key, week_start) DO UPDATE SET
			weekly_usage = usage_records.weekly_usage + 1,
			fingerprint_hash = EXCLUDED.fingerprint_hash,
			ip_hash = EXCLUDED.ip_hash,
			flagged = usage_records.flagged OR EXCLUDED.flagged,
			updated_at = NOW()
		WHERE usage_records.weekly_usage < $6
		RETURNING weekly_usage, flagged, created_at, updated_at
	`

	rec := UsageRecord{
		IdentityKey:     identityKey,
		WeekStart:       weekStart,
		FingerprintHash: fpHash,
		IPHash:          ipHash,
	}
	err := s.db.QueryRowContext(ctx, query, identityKey, weekStart, fpHash, ipHash, flag, limit).Scan(
		&rec.WeeklyUsage,
		&rec.Flagged,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrLimitReached
	}
	if err != nil {
		return nil, fmt.Errorf("failed to charge usage: %w", err)
	}
	return &rec, nil
}

// FingerprintBoundElsewhere reports whether the fingerprint hash already
// appears on a record for a different identity.
func (s *PostgresUsageStore) FingerprintBoundElsewhere(ctx context.Context, fpHash, identityKey string) (bool, error) {
	if fpHash == "" {
		return false, nil
	}

	query := `
		SELECT EXISTS (
			SELECT 1 FROM usage_records
			WHERE fingerprint_hash = $1 AND identity_key <> $2
		)
	`

	var bound bool
	if err := s.db.QueryRowContext(ctx, query, fpHash, identityKey).Scan(&bound); err != nil {
		return false, fmt.Errorf("failed to check fingerprint binding: %w", err)
	}
	return bound, nil
}

// IsFlagged reports whether any bucket for the identity carries the flag.
func (s *PostgresUsageStore) IsFlagged(ctx context.Context, identityKey string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM usage_records
			WHERE identity_key = $1 AND flagged
		)
	`

	var flagged bool
	if err := s.db.QueryRowContext(ctx, query, identityKey).Scan(&flagged); err != nil {
		return false, fmt.Errorf("failed to check abuse flag: %w", err)
	}
	return flagged, nil
}

// ClearFlag clears the abuse flag on every bucket for the identity.
func (s *PostgresUsageStore) ClearFlag(ctx context.Context, identityKey string) error {
	query := `
		UPDATE usage_records
		SET flagged = FALSE, updated_at = NOW()
		WHERE identity_key = $1
	`

	result, err := s.db.ExecContext(ctx, query, identityKey)
	if err != nil {
		return fmt.Errorf("failed to clear abuse flag: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check flag clear: %w", err)
	}
	if rows == 0 {
		return ErrNoRecord
	}
	return nil
}

// isSerializationFailure matches PostgreSQL serialization and deadlock
// errors (SQLSTATE 40001, 40P01) that are safe to retry once.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
