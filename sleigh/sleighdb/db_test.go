// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package sleighdb_test

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3" // registered for raw lock checks
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/memory"
	"storj.io/common/testcontext"

	"storj.io/datasleigh/sleigh/sleighdb"
)

func openTestDB(t *testing.T, ctx *testcontext.Context, config sleighdb.Config) *sleighdb.DB {
	if config.Path == "" {
		config.Path = ctx.File("store", "sleigh.db")
	}
	if config.CheckpointThreshold == 0 {
		config.CheckpointThreshold = memory.GiB
	}
	db, err := sleighdb.Open(ctx, zaptest.NewLogger(t), config, []string{"water_level"})
	require.NoError(t, err)
	return db
}

func makeObservations(base time.Time, payloads ...string) []sleighdb.Observation {
	batch := make([]sleighdb.Observation, 0, len(payloads))
	for i, payload := range payloads {
		batch = append(batch, sleighdb.Observation{
			Time:    base.Add(time.Duration(i) * time.Second),
			Topic:   "xmas/tree/water/raw",
			Payload: payload,
			QoS:     1,
		})
	}
	return batch
}

func TestOpenValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)
	config := sleighdb.Config{Path: ctx.File("store", "sleigh.db")}

	_, err := sleighdb.Open(ctx, log, config, []string{"water level"})
	require.Error(t, err)

	_, err = sleighdb.Open(ctx, log, config, []string{"drop table"})
	require.Error(t, err)

	_, err = sleighdb.Open(ctx, log, config, []string{sleighdb.DeviceEventsTable})
	require.Error(t, err)

	_, err = sleighdb.Open(ctx, log, config, []string{"water_level", "water_level"})
	require.Error(t, err)
}

func TestAppendAndQuery(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, sleighdb.Config{})
	defer ctx.Check(db.Close)

	base := time.Date(2024, 12, 5, 12, 0, 0, 123456789, time.UTC)
	require.NoError(t, db.AppendObservations(ctx, "water_level",
		makeObservations(base, "100.5", "101.0", "101.5")))
	require.NoError(t, db.AppendObservations(ctx, "water_level",
		makeObservations(base.Add(3*time.Second), "102.0")))

	// appends to unknown or invalid tables must fail.
	require.Error(t, db.AppendObservations(ctx, "unknown_table",
		makeObservations(base, "1")))
	require.Error(t, db.AppendObservations(ctx, "no such table",
		makeObservations(base, "1")))

	snap, err := db.Snapshot(ctx)
	require.NoError(t, err)
	defer ctx.Check(snap.Release)

	rows, err := snap.Observations(ctx, "water_level", "xmas/tree/water/raw",
		time.Time{}, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 4)

	// timestamps are non-decreasing and ids strictly increase.
	for i := 1; i < len(rows); i++ {
		require.False(t, rows[i].Time.Before(rows[i-1].Time))
		require.Greater(t, rows[i].ID, rows[i-1].ID)
	}

	// microsecond precision survives the round trip.
	require.Equal(t, base.Truncate(time.Microsecond).UnixMicro(), rows[0].Time.UnixMicro())
	require.Equal(t, "100.5", rows[0].Payload)
	require.Equal(t, 1, rows[0].QoS)
	require.False(t, rows[0].Retain)

	// window and topic filters apply.
	rows, err = snap.Observations(ctx, "water_level", "xmas/tree/water/raw",
		base.Add(2*time.Second), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = snap.Observations(ctx, "water_level", "other/topic",
		time.Time{}, base.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, sleighdb.Config{})
	defer ctx.Check(db.Close)

	base := time.Date(2024, 12, 5, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.AppendObservations(ctx, "water_level",
		makeObservations(base, "1", "2")))

	snap, err := db.Snapshot(ctx)
	require.NoError(t, err)

	rows, err := snap.Observations(ctx, "water_level", "xmas/tree/water/raw",
		time.Time{}, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// later appends are invisible to the pinned snapshot.
	require.NoError(t, db.AppendObservations(ctx, "water_level",
		makeObservations(base.Add(2*time.Second), "3")))

	rows, err = snap.Observations(ctx, "water_level", "xmas/tree/water/raw",
		time.Time{}, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, snap.Release())
	require.NoError(t, snap.Release()) // idempotent

	snap2, err := db.Snapshot(ctx)
	require.NoError(t, err)
	defer ctx.Check(snap2.Release)

	rows, err = snap2.Observations(ctx, "water_level", "xmas/tree/water/raw",
		time.Time{}, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestAppendDeviceEvents(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, sleighdb.Config{})
	defer ctx.Check(db.Close)

	temperature := 68.5
	humidity := 40.0
	battery := 4
	signal := -67
	events := []sleighdb.DeviceEvent{
		{
			Time:        time.Date(2024, 12, 5, 12, 0, 0, 0, time.UTC),
			DeviceID:    "d0ffe10000a1",
			Class:       sleighdb.DeviceAir,
			Temperature: &temperature,
			Humidity:    &humidity,
			Battery:     &battery,
			Signal:      &signal,
			Raw:         `{"event":"THSensor.Report"}`,
		},
		{
			Time:     time.Date(2024, 12, 5, 12, 0, 1, 0, time.UTC),
			DeviceID: "d0ffe10000b2",
			Class:    sleighdb.DeviceWater,
			Raw:      `{"event":"THSensor.Report"}`,
		},
	}
	require.NoError(t, db.AppendDeviceEvents(ctx, events))
	require.NoError(t, db.AppendDeviceEvents(ctx, nil)) // empty batch is a no-op

	stats, err := db.Stats(ctx)
	require.NoError(t, err)

	byTable := make(map[string]sleighdb.TableStats)
	for _, st := range stats {
		byTable[st.Table] = st
	}
	require.EqualValues(t, 2, byTable[sleighdb.DeviceEventsTable].Rows)
	require.EqualValues(t, 2, byTable[sleighdb.DeviceEventsTable].Distinct)
	require.EqualValues(t, 0, byTable["water_level"].Rows)
	require.True(t, byTable["water_level"].Earliest.IsZero())
}

func TestRotate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, sleighdb.Config{Path: ctx.File("store", "sleigh.db")})
	defer ctx.Check(db.Close)

	base := time.Date(2025, 1, 20, 8, 0, 0, 0, time.UTC)
	require.NoError(t, db.AppendObservations(ctx, "water_level",
		makeObservations(base, "10", "11", "12")))

	archived, err := db.Rotate(ctx, "2025-02")
	require.NoError(t, err)
	require.Contains(t, archived, "store_2025-02.db")

	// the fresh store is empty and writable.
	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	for _, st := range stats {
		require.Zero(t, st.Rows)
	}
	require.NoError(t, db.AppendObservations(ctx, "water_level",
		makeObservations(base.Add(time.Hour), "13")))

	// the archive retains the rotated rows.
	old, err := sleighdb.Open(ctx, zaptest.NewLogger(t),
		sleighdb.Config{Path: archived}, []string{"water_level"})
	require.NoError(t, err)
	defer ctx.Check(old.Close)

	oldStats, err := old.Stats(ctx)
	require.NoError(t, err)
	for _, st := range oldStats {
		if st.Table == "water_level" {
			require.EqualValues(t, 3, st.Rows)
		}
	}
}

func TestExport(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, sleighdb.Config{})
	defer ctx.Check(db.Close)

	base := time.Date(2025, 1, 20, 8, 0, 0, 0, time.UTC)
	require.NoError(t, db.AppendObservations(ctx, "water_level",
		makeObservations(base, "10", "11")))

	exported := ctx.File("exports", "copy.db")
	require.NoError(t, db.Export(ctx, exported))

	// the original stays open and writable.
	require.NoError(t, db.AppendObservations(ctx, "water_level",
		makeObservations(base.Add(time.Minute), "12")))

	copyDB, err := sleighdb.Open(ctx, zaptest.NewLogger(t),
		sleighdb.Config{Path: exported}, []string{"water_level"})
	require.NoError(t, err)
	defer ctx.Check(copyDB.Close)

	stats, err := copyDB.Stats(ctx)
	require.NoError(t, err)
	for _, st := range stats {
		if st.Table == "water_level" {
			require.EqualValues(t, 2, st.Rows)
		}
	}
}

func TestFreeSpaceFloor(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// no filesystem has a pebibyte available in CI.
	db := openTestDB(t, ctx, sleighdb.Config{FreeSpaceFloor: memory.PiB})
	defer ctx.Check(db.Close)

	err := db.AppendObservations(ctx, "water_level",
		makeObservations(time.Now().UTC(), "1"))
	require.Error(t, err)
	require.True(t, sleighdb.ErrStorageFull.Has(err))

	err = db.AppendDeviceEvents(ctx, []sleighdb.DeviceEvent{{
		Time: time.Now().UTC(), DeviceID: "x", Class: sleighdb.DeviceWater, Raw: "{}",
	}})
	require.Error(t, err)
	require.True(t, sleighdb.ErrStorageFull.Has(err))
}

func TestSecondWriterFailsFast(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("store", "sleigh.db")
	db := openTestDB(t, ctx, sleighdb.Config{Path: path})
	require.NoError(t, db.Close())

	// a foreign connection holding the write lock must reject a new writer
	// immediately instead of blocking.
	raw, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate&_busy_timeout=0")
	require.NoError(t, err)
	tx, err := raw.Begin()
	require.NoError(t, err)

	_, err = sleighdb.Open(ctx, zaptest.NewLogger(t),
		sleighdb.Config{Path: path}, []string{"water_level"})
	require.Error(t, err)

	require.NoError(t, tx.Rollback())
	require.NoError(t, raw.Close())

	db, err = sleighdb.Open(ctx, zaptest.NewLogger(t),
		sleighdb.Config{Path: path}, []string{"water_level"})
	require.NoError(t, err)
	require.NoError(t, db.Preflight(ctx))
	require.NoError(t, db.Close())
}

func TestCloseIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, sleighdb.Config{})
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	err := db.AppendObservations(ctx, "water_level",
		makeObservations(time.Now().UTC(), "1"))
	require.Error(t, err)

	_, err = db.Snapshot(ctx)
	require.Error(t, err)

	_, err = db.Rotate(ctx, "2025-02")
	require.Error(t, err)
}

func TestOpenExisting(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := sleighdb.Config{Path: ctx.File("store", "sleigh.db")}
	db := openTestDB(t, ctx, config)

	base := time.Date(2024, 12, 5, 12, 0, 0, 0, time.UTC)
	require.NoError(t, db.AppendObservations(ctx, "water_level",
		makeObservations(base, "100.5", "101.0")))
	require.NoError(t, db.Close())

	// a missing file is an error, not an implicit create
	_, err := sleighdb.OpenExisting(ctx, zaptest.NewLogger(t),
		sleighdb.Config{Path: ctx.File("store", "missing.db")})
	require.Error(t, err)

	diag, err := sleighdb.OpenExisting(ctx, zaptest.NewLogger(t), config)
	require.NoError(t, err)
	defer ctx.Check(diag.Close)

	require.Equal(t, []string{"water_level"}, diag.Tables())

	stats, err := diag.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.EqualValues(t, 2, stats[0].Rows)
	require.Equal(t, base.UnixMicro(), stats[0].Earliest.UnixMicro())

	size, err := diag.SizeOnDisk()
	require.NoError(t, err)
	require.Greater(t, size, int64(0))
}
