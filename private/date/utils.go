// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package date contains date-related utilities for backup scheduling.
package date

import "time"

// PeriodFormat is the year-month format used to key monthly backups.
const PeriodFormat = "2006-01"

// Period returns the UTC year-month period the provided time falls in.
func Period(t time.Time) string {
	return t.UTC().Format(PeriodFormat)
}

// NextMinute returns the first instant of the minute following t.
func NextMinute(t time.Time) time.Time {
	return t.Truncate(time.Minute).Add(time.Minute)
}
