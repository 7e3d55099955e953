// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var usageColumns = []string{
	"identity_key", "week_start", "weekly_usage", "fingerprint_hash",
	"ip_hash", "flagged", "created_at", "updated_at",
}

func TestPostgresStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresUsageStore(db)
	week := WeekStart(time.Now())
	now := time.Now().UTC()

	t.Run("existing record", func(t *testing.T) {
		mock.ExpectQuery("SELECT identity_key, week_start, weekly_usage").
			WithArgs("id-1", week).
			WillReturnRows(sqlmock.NewRows(usageColumns).
				AddRow("id-1", week, 2, "fp-hash", "ip-hash", false, now, now))

		rec, err := store.Get(context.Background(), "id-1", week)
		require.NoError(t, err)
		assert.Equal(t, "id-1", rec.IdentityKey)
		assert.Equal(t, 2, rec.WeeklyUsage)
		assert.False(t, rec.Flagged)
	})

	t.Run("missing record", func(t *testing.T) {
		mock.ExpectQuery("SELECT identity_key, week_start, weekly_usage").
			WithArgs("ghost", week).
			WillReturnRows(sqlmock.NewRows(usageColumns))

		_, err := store.Get(context.Background(), "ghost", week)
		assert.ErrorIs(t, err, ErrNoRecord)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Increment(t *testing.T) {
	week := WeekStart(time.Now())
	now := time.Now().UTC()
	returning := []string{"weekly_usage", "flagged", "created_at", "updated_at"}

	t.Run("successful charge", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := NewPostgresUsageStore(db)

		mock.ExpectQuery("INSERT INTO usage_records").
			WithArgs("id-1", week, "fp-hash", "ip-hash", false, 3).
			WillReturnRows(sqlmock.NewRows(returning).AddRow(1, false, now, now))

		rec, err := store.Increment(context.Background(), "id-1", week, "fp-hash", "ip-hash", false, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.WeeklyUsage)
		assert.Equal(t, "fp-hash", rec.FingerprintHash)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("guard rejects charge at limit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := NewPostgresUsageStore(db)

		// No row back from the guarded upsert means the bucket is full.
		mock.ExpectQuery("INSERT INTO usage_records").
			WithArgs("id-1", week, "fp-hash", "ip-hash", false, 3).
			WillReturnRows(sqlmock.NewRows(returning))

		_, err = store.Increment(context.Background(), "id-1", week, "fp-hash", "ip-hash", false, 3)
		assert.ErrorIs(t, err, ErrLimitReached)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero limit rejected without touching the store", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := NewPostgresUsageStore(db)

		_, err = store.Increment(context.Background(), "id-1", week, "", "", false, 0)
		assert.ErrorIs(t, err, ErrLimitReached)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("serialization failure retried once", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := NewPostgresUsageStore(db)

		mock.ExpectQuery("INSERT INTO usage_records").
			WithArgs("id-1", week, "fp-hash", "ip-hash", false, 3).
			WillReturnError(&pq.Error{Code: "40001"})
		mock.ExpectQuery("INSERT INTO usage_records").
			WithArgs("id-1", week, "fp-hash", "ip-hash", false, 3).
			WillReturnRows(sqlmock.NewRows(returning).AddRow(2, false, now, now))

		rec, err := store.Increment(context.Background(), "id-1", week, "fp-hash", "ip-hash", false, 3)
		require.NoError(t, err)
		assert.Equal(t, 2, rec.WeeklyUsage)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second serialization failure surfaces", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := NewPostgresUsageStore(db)

		mock.ExpectQuery("INSERT INTO usage_records").
			WillReturnError(&pq.Error{Code: "40001"})
		mock.ExpectQuery("INSERT INTO usage_records").
			WillReturnError(&pq.Error{Code: "40001"})

		_, err = store.Increment(context.Background(), "id-1", week, "fp-hash", "ip-hash", false, 3)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrLimitReached)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_FingerprintBoundElsewhere(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresUsageStore(db)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("fp-hash", "id-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	bound, err := store.FingerprintBoundElsewhere(context.Background(), "fp-hash", "id-1")
	require.NoError(t, err)
	assert.True(t, bound)

	// Empty hash short-circuits without a query.
	bound, err = store.FingerprintBoundElsewhere(context.Background(), "", "id-1")
	require.NoError(t, err)
	assert.False(t, bound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IsFlagged(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresUsageStore(db)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	flagged, err := store.IsFlagged(context.Background(), "id-1")
	require.NoError(t, err)
	assert.True(t, flagged)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClearFlag(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresUsageStore(db)

	mock.ExpectExec("UPDATE usage_records").
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, store.ClearFlag(context.Background(), "id-1"))

	mock.ExpectExec("UPDATE usage_records").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, store.ClearFlag(context.Background(), "ghost"), ErrNoRecord)
	require.NoError(t, mock.ExpectationsWereMet())
}
