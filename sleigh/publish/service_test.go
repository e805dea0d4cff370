// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package publish_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"storj.io/datasleigh/sleigh/artifact"
	"storj.io/datasleigh/sleigh/objectstore"
	"storj.io/datasleigh/sleigh/publish"
	"storj.io/datasleigh/sleigh/season"
	"storj.io/datasleigh/sleigh/segment"
	"storj.io/datasleigh/sleigh/sleighdb"
)

type putCall struct {
	bucket  string
	key     string
	headers objectstore.Headers
	body    []byte
}

type fakeObjects struct {
	mu   sync.Mutex
	puts []putCall
	fail error
}

func (objects *fakeObjects) Put(ctx context.Context, bucket, key string, body io.Reader, headers objectstore.Headers) error {
	objects.mu.Lock()
	defer objects.mu.Unlock()
	if objects.fail != nil {
		return objects.fail
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	objects.puts = append(objects.puts, putCall{bucket: bucket, key: key, headers: headers, body: data})
	return nil
}

func (objects *fakeObjects) setFail(err error) {
	objects.mu.Lock()
	defer objects.mu.Unlock()
	objects.fail = err
}

func (objects *fakeObjects) calls() []putCall {
	objects.mu.Lock()
	defer objects.mu.Unlock()
	return append([]putCall(nil), objects.puts...)
}

type fakeFlusher struct {
	mu      sync.Mutex
	flushes int
}

func (flusher *fakeFlusher) Flush(ctx context.Context) error {
	flusher.mu.Lock()
	defer flusher.mu.Unlock()
	flusher.flushes++
	return nil
}

func (flusher *fakeFlusher) count() int {
	flusher.mu.Lock()
	defer flusher.mu.Unlock()
	return flusher.flushes
}

func testWindow() season.Window {
	return season.Window{
		Start: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
	}
}

func testAnalysis() segment.Config {
	return segment.Config{
		Table:            "weights",
		Topic:            "xmas/tree/weight",
		EmptyThreshold:   5,
		RefillThreshold:  5,
		MinR2:            0.4,
		MinPoints:        5,
		MinSegmentPoints: 3,
	}
}

func openStore(t *testing.T, ctx *testcontext.Context) *sleighdb.DB {
	db, err := sleighdb.Open(ctx, zaptest.NewLogger(t).Named("db"), sleighdb.Config{
		Path: ctx.File("store", "sleigh.db"),
	}, []string{"weights"})
	require.NoError(t, err)
	return db
}

func newPublisher(t *testing.T, store publish.Store, objects publish.ObjectStore,
	flusher publish.Flusher, analysis segment.Config) *publish.Service {
	return publish.New(zaptest.NewLogger(t).Named("publish"), store, objects, flusher, nil,
		testWindow(), analysis, publish.Config{
			Bucket:                 "sleigh-test",
			Key:                    "live/tree.json",
			BackupPrefix:           "backups",
			Interval:               30 * time.Second,
			MinutesOfData:          10,
			ReplayDelay:            300 * time.Second,
			RequestTimeout:         30 * time.Second,
			MaxConsecutiveFailures: 3,
		}, publish.BackupConfig{DayOfMonth: 1, Hour: 3})
}

func decodeArtifact(t *testing.T, data []byte) artifact.Document {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	var doc artifact.Document
	require.NoError(t, json.NewDecoder(gz).Decode(&doc))
	require.NoError(t, gz.Close())
	return doc
}

func weightReadings(base time.Time, payloads ...string) []sleighdb.Observation {
	batch := make([]sleighdb.Observation, 0, len(payloads))
	for i, payload := range payloads {
		batch = append(batch, sleighdb.Observation{
			Time:    base.Add(time.Duration(i) * time.Minute),
			Topic:   "xmas/tree/weight",
			Payload: payload,
			QoS:     1,
		})
	}
	return batch
}

func TestLivePushArtifact(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openStore(t, ctx)
	defer ctx.Check(db.Close)

	now := time.Date(2024, 12, 24, 18, 0, 0, 0, time.UTC)
	require.NoError(t, db.AppendObservations(ctx, "weights",
		weightReadings(now.Add(-5*time.Minute), "105.2", "104.9", "104.1")))

	objects := &fakeObjects{}
	service := newPublisher(t, db, objects, nil, testAnalysis())

	require.NoError(t, service.Cycle(ctx, now))

	calls := objects.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "sleigh-test", calls[0].bucket)
	require.Equal(t, "live/tree.json", calls[0].key)
	require.Equal(t, "application/json", calls[0].headers.ContentType)
	require.Equal(t, "gzip", calls[0].headers.ContentEncoding)
	require.Equal(t, "public, max-age=30", calls[0].headers.CacheControl)

	doc := decodeArtifact(t, calls[0].body)
	require.True(t, time.Time(doc.GeneratedAt).Equal(now))
	require.True(t, doc.Season.IsActive)
	require.Equal(t, 300, doc.ReplayDelaySeconds)
	require.Equal(t, 10, doc.MinutesOfData)

	require.Len(t, doc.Measurements, 3)
	require.Equal(t, 105.2, doc.Measurements[0].V)
	require.Equal(t, 104.1, doc.Measurements[2].V)

	require.Equal(t, 1, doc.Agg1m.IntervalMinutes)
	var minuteCount int64
	for _, bucket := range doc.Agg1m.Data {
		minuteCount += bucket.C
	}
	require.Equal(t, int64(3), minuteCount)

	require.Equal(t, 60, doc.Agg1h.IntervalMinutes)
	require.Len(t, doc.Agg1h.Data, 1)
	require.Equal(t, int64(3), doc.Agg1h.Data[0].C)

	// one hourly point is below the analysis minimum, so no segments yet.
	require.Empty(t, doc.Analysis.Segments)
	require.Nil(t, doc.Analysis.CurrentPrediction)

	// the next push carries a strictly newer generation stamp.
	require.NoError(t, service.Cycle(ctx, now.Add(30*time.Second)))
	calls = objects.calls()
	require.Len(t, calls, 2)
	second := decodeArtifact(t, calls[1].body)
	require.True(t, time.Time(second.GeneratedAt).After(time.Time(doc.GeneratedAt)))
}

func TestSeasonModes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	t.Setenv("TMPDIR", ctx.Dir("scratch"))

	db := openStore(t, ctx)
	defer ctx.Check(db.Close)
	require.NoError(t, db.AppendObservations(ctx, "weights",
		weightReadings(time.Date(2024, 12, 20, 9, 0, 0, 0, time.UTC), "140.0", "139.5")))

	objects := &fakeObjects{}
	flusher := &fakeFlusher{}
	service := newPublisher(t, db, objects, flusher, segment.Config{})

	// off season and outside the backup window nothing happens.
	require.NoError(t, service.Cycle(ctx, time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)))
	require.NoError(t, service.Cycle(ctx, time.Date(2025, 2, 1, 4, 0, 0, 0, time.UTC)))
	require.NoError(t, service.Cycle(ctx, time.Date(2025, 2, 2, 3, 0, 0, 0, time.UTC)))
	require.Empty(t, objects.calls())

	// in season the backup window is ignored and only the artifact goes out.
	require.NoError(t, service.Cycle(ctx, time.Date(2024, 12, 1, 3, 0, 0, 0, time.UTC)))
	calls := objects.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "live/tree.json", calls[0].key)
	require.Equal(t, 0, flusher.count())

	// off season inside the window the store is uploaded and rotated.
	require.NoError(t, service.Cycle(ctx, time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC)))
	calls = objects.calls()
	require.Len(t, calls, 2)
	require.Equal(t, "backups/store_2025-02.db", calls[1].key)
	require.Equal(t, "application/octet-stream", calls[1].headers.ContentType)
	require.NotEmpty(t, calls[1].body)
	require.Equal(t, 1, flusher.count())

	// the uploaded export opens as a standalone database with the data.
	exported := ctx.File("exported", "store_2025-02.db")
	require.NoError(t, os.WriteFile(exported, calls[1].body, 0o600))
	diag, err := sleighdb.OpenExisting(ctx, zaptest.NewLogger(t), sleighdb.Config{Path: exported})
	require.NoError(t, err)
	stats, err := diag.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, "weights", stats[0].Table)
	require.Equal(t, int64(2), stats[0].Rows)
	ctx.Check(diag.Close)

	// the live store was archived and replaced with a fresh one.
	archived := filepath.Join(filepath.Dir(db.Path()), "archive", "store_2025-02.db")
	_, err = os.Stat(archived)
	require.NoError(t, err)
	stats, err = db.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats[0].Rows)

	// the same month never backs up twice.
	require.NoError(t, service.Cycle(ctx, time.Date(2025, 2, 1, 3, 0, 30, 0, time.UTC)))
	require.Len(t, objects.calls(), 2)
	require.Equal(t, 1, flusher.count())

	// export scratch space is released on completion.
	entries, err := os.ReadDir(ctx.Dir("scratch"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPublishFailureCap(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openStore(t, ctx)
	defer ctx.Check(db.Close)

	objects := &fakeObjects{}
	service := newPublisher(t, db, objects, nil, segment.Config{})

	boom := errs.New("connection refused")
	now := time.Date(2024, 12, 24, 18, 0, 0, 0, time.UTC)

	objects.setFail(boom)
	require.NoError(t, service.Cycle(ctx, now))
	require.NoError(t, service.Cycle(ctx, now.Add(30*time.Second)))

	// a success resets the failure streak.
	objects.setFail(nil)
	require.NoError(t, service.Cycle(ctx, now.Add(60*time.Second)))

	objects.setFail(boom)
	require.NoError(t, service.Cycle(ctx, now.Add(90*time.Second)))
	require.NoError(t, service.Cycle(ctx, now.Add(120*time.Second)))
	err := service.Cycle(ctx, now.Add(150*time.Second))
	require.Error(t, err)
	require.Contains(t, err.Error(), "3 consecutive publish failures")
}

func TestPublishCancellationPropagates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openStore(t, ctx)
	defer ctx.Check(db.Close)

	objects := &fakeObjects{}
	objects.setFail(context.Canceled)
	service := newPublisher(t, db, objects, nil, segment.Config{})

	err := service.Cycle(ctx, time.Date(2024, 12, 24, 18, 0, 0, 0, time.UTC))
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackupRetriesWithinWindow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	t.Setenv("TMPDIR", ctx.Dir("scratch"))

	db := openStore(t, ctx)
	defer ctx.Check(db.Close)
	require.NoError(t, db.AppendObservations(ctx, "weights",
		weightReadings(time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC), "150.0")))

	objects := &fakeObjects{}
	flusher := &fakeFlusher{}
	service := newPublisher(t, db, objects, flusher, segment.Config{})

	window := time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC)

	// a failed upload is not fatal and leaves the store untouched.
	objects.setFail(errs.New("service unavailable"))
	require.NoError(t, service.Cycle(ctx, window))
	require.Empty(t, objects.calls())
	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats[0].Rows)
	archived := filepath.Join(filepath.Dir(db.Path()), "archive", "store_2025-02.db")
	_, err = os.Stat(archived)
	require.Error(t, err)

	// scratch space is released even on the failure path.
	entries, err := os.ReadDir(ctx.Dir("scratch"))
	require.NoError(t, err)
	require.Empty(t, entries)

	// the next wake within the window retries and completes the rotation.
	objects.setFail(nil)
	require.NoError(t, service.Cycle(ctx, window.Add(time.Minute)))
	calls := objects.calls()
	require.Len(t, calls, 1)
	require.Equal(t, "backups/store_2025-02.db", calls[0].key)
	require.Equal(t, 2, flusher.count())
	_, err = os.Stat(archived)
	require.NoError(t, err)
	_, err = os.Stat(db.Path())
	require.NoError(t, err)
}

type corruptStore struct{}

func (corruptStore) Snapshot(ctx context.Context) (*sleighdb.Snapshot, error) {
	return nil, sleighdb.ErrStorageCorrupted.New("database disk image is malformed")
}

func (corruptStore) Export(ctx context.Context, path string) error {
	return sleighdb.ErrStorageCorrupted.New("database disk image is malformed")
}

func (corruptStore) Rotate(ctx context.Context, period string) (string, error) {
	return "", sleighdb.ErrStorageCorrupted.New("database disk image is malformed")
}

func TestBackupCorruptionFatal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	objects := &fakeObjects{}
	service := newPublisher(t, corruptStore{}, objects, nil, segment.Config{})

	err := service.Cycle(ctx, time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC))
	require.Error(t, err)
	require.True(t, sleighdb.ErrStorageCorrupted.Has(err))
	require.Empty(t, objects.calls())
}
