// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"testing"
	"time"
)

func TestWeekStart(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "monday midnight maps to itself",
			now:  time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "mid-week maps back to monday",
			now:  time.Date(2025, 6, 5, 13, 45, 12, 0, time.UTC),
			want: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "sunday just before rollover stays in prior week",
			now:  time.Date(2025, 6, 8, 23, 59, 59, 0, time.UTC),
			want: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "monday one second after midnight starts new week",
			now:  time.Date(2025, 6, 9, 0, 0, 1, 0, time.UTC),
			want: time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "year boundary week spans into january",
			now:  time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
			want: time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "non-UTC caller cannot shift the boundary",
			now:  time.Date(2025, 6, 9, 1, 30, 0, 0, time.FixedZone("UTC+10", 10*3600)),
			want: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "negative offset zone also normalizes to UTC",
			now:  time.Date(2025, 6, 8, 20, 0, 0, 0, time.FixedZone("UTC-5", -5*3600)),
			want: time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeekStart(tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("WeekStart(%v) = %v, want %v", tt.now, got, tt.want)
			}
			if got.Location() != time.UTC {
				t.Errorf("WeekStart must return UTC, got %v", got.Location())
			}
		})
	}
}

// TestWeekStart_SameWeekProperty verifies that every instant within one ISO
// week maps to an identical boundary.
func TestWeekStart_SameWeekProperty(t *testing.T) {
	monday := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	for hour := 0; hour < 7*24; hour++ {
		instant := monday.Add(time.Duration(hour) * time.Hour)
		if got := WeekStart(instant); !got.Equal(monday) {
			t.Fatalf("WeekStart(%v) = %v, want %v", instant, got, monday)
		}
	}

	next := monday.AddDate(0, 0, 7)
	if got := WeekStart(next); !got.Equal(next) {
		t.Errorf("boundary did not flip at next monday: got %v", got)
	}
}
