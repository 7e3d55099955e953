// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSettingsStore(t *testing.T) {
	t.Run("configured limit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT value FROM app_settings").
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("5"))

		store := NewPostgresSettingsStore(db)
		limit, err := store.FreeWeeklyLimit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, limit)

		// Second read comes from the TTL cache: no extra query expected.
		limit, err = store.FreeWeeklyLimit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, limit)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing setting falls back to default", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT value FROM app_settings").
			WillReturnRows(sqlmock.NewRows([]string{"value"}))

		store := NewPostgresSettingsStore(db)
		limit, err := store.FreeWeeklyLimit(context.Background())
		require.NoError(t, err)
		assert.Equal(t, DefaultWeeklyLimit, limit)
	})

	t.Run("garbage setting is an error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT value FROM app_settings").
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("many"))

		store := NewPostgresSettingsStore(db)
		_, err = store.FreeWeeklyLimit(context.Background())
		assert.Error(t, err)
	})
}

func TestPostgresSubscriptionLookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lookup := NewPostgresSubscriptionLookup(db)

	// Anonymous callers never hit the database.
	tier, err := lookup.TierFor(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)

	mock.ExpectQuery("SELECT tier FROM subscriptions").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}).AddRow("pro"))

	tier, err = lookup.TierFor(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", tier)

	mock.ExpectQuery("SELECT tier FROM subscriptions").
		WithArgs("user-2").
		WillReturnRows(sqlmock.NewRows([]string{"tier"}))

	tier, err = lookup.TierFor(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsPaidTier(t *testing.T) {
	assert.False(t, isPaidTier(""))
	assert.False(t, isPaidTier(TierFree))
	assert.True(t, isPaidTier("pro"))
	assert.True(t, isPaidTier("enterprise"))
}
