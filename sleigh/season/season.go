// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package season defines the operator-configured date window that switches
// the publisher between live artifact uploads and monthly cold backups.
package season

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
)

// Error is the error class for season window problems.
var Error = errs.Class("season")

// DateFormat is the calendar day format accepted by window flags.
const DateFormat = "2006-01-02"

// Date is a UTC calendar day usable as a configuration flag.
type Date struct {
	time.Time
}

// Ensure that Date implements pflag.Value.
var _ pflag.Value = (*Date)(nil)

// String implements pflag.Value.
func (date *Date) String() string {
	if date.Time.IsZero() {
		return ""
	}
	return date.Time.Format(DateFormat)
}

// Set implements pflag.Value.
func (date *Date) Set(value string) error {
	parsed, err := time.Parse(DateFormat, value)
	if err != nil {
		return Error.Wrap(err)
	}
	date.Time = parsed.UTC()
	return nil
}

// Type implements pflag.Value.
func (date *Date) Type() string { return "season.Date" }

// Config holds the season window flags.
type Config struct {
	Start Date `help:"first day of the live season (YYYY-MM-DD, UTC), inclusive" default:"2024-12-01"`
	End   Date `help:"first day after the live season (YYYY-MM-DD, UTC), exclusive" default:"2025-01-15"`
}

// Window returns the configured window.
func (config Config) Window() Window {
	return Window{Start: config.Start.Time, End: config.End.Time}
}

// Window is a UTC date window, start inclusive, end exclusive.
type Window struct {
	Start time.Time
	End   time.Time
}

// Verify checks that the window is well formed.
func (window Window) Verify() error {
	switch {
	case window.Start.IsZero() || window.End.IsZero():
		return Error.New("start and end must both be set")
	case !window.Start.Before(window.End):
		return Error.New("start %s is not before end %s",
			window.Start.Format(DateFormat), window.End.Format(DateFormat))
	}
	return nil
}

// Active reports whether now falls inside the window.
func (window Window) Active(now time.Time) bool {
	now = now.UTC()
	return !now.Before(window.Start) && now.Before(window.End)
}
