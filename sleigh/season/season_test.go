// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package season_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/datasleigh/sleigh/season"
)

func TestWindowActive(t *testing.T) {
	var config season.Config
	require.NoError(t, config.Start.Set("2024-12-01"))
	require.NoError(t, config.End.Set("2025-01-15"))

	window := config.Window()
	require.NoError(t, window.Verify())

	for _, tt := range []struct {
		now    string
		active bool
	}{
		{"2024-11-30T23:59:59Z", false},
		{"2024-12-01T00:00:00Z", true}, // start is inclusive
		{"2024-12-25T12:00:00Z", true},
		{"2025-01-14T23:59:59Z", true},
		{"2025-01-15T00:00:00Z", false}, // end is exclusive
		{"2025-02-03T10:00:00Z", false},
	} {
		now, err := time.Parse(time.RFC3339, tt.now)
		require.NoError(t, err)
		require.Equal(t, tt.active, window.Active(now), tt.now)
	}
}

func TestWindowVerify(t *testing.T) {
	var start, end season.Date
	require.NoError(t, start.Set("2025-01-15"))
	require.NoError(t, end.Set("2024-12-01"))

	window := season.Window{Start: start.Time, End: end.Time}
	require.Error(t, window.Verify())

	require.Error(t, season.Window{}.Verify())
	require.Error(t, season.Window{Start: start.Time}.Verify())
}

func TestDateFlag(t *testing.T) {
	var date season.Date
	require.Error(t, date.Set("12/01/2024"))
	require.Error(t, date.Set("2024-13-01"))
	require.Equal(t, "", date.String())

	require.NoError(t, date.Set("2024-12-01"))
	require.Equal(t, "2024-12-01", date.String())
	require.Equal(t, time.UTC, date.Location())
}
