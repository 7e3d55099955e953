// Copyright 2025 TallyGate
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import "time"

// WeekStart returns the most recent UTC Monday 00:00:00 at or before now.
//
// The calculation always happens in UTC regardless of the caller's location,
// so the quota window cannot be gamed by shifting timezones. Any two instants
// in the same ISO week map to the same boundary; the boundary flips only at
// Monday 00:00:00 UTC.
func WeekStart(now time.Time) time.Time {
	t := now.UTC()
	// time.Weekday puts Sunday at 0; shift so Monday is 0.
	back := (int(t.Weekday()) + 6) % 7
	monday := t.AddDate(0, 0, -back)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC)
}
