// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package publish runs the coordinating loop: live artifact pushes while the
// season is active, monthly cold backups plus store rotation when it is not.
//
// architecture: Service
package publish

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/errs2"
	"storj.io/common/sync2"
	"storj.io/datasleigh/private/date"
	"storj.io/datasleigh/sleigh/aggregate"
	"storj.io/datasleigh/sleigh/artifact"
	"storj.io/datasleigh/sleigh/objectstore"
	"storj.io/datasleigh/sleigh/season"
	"storj.io/datasleigh/sleigh/segment"
	"storj.io/datasleigh/sleigh/sleighdb"
)

// Error is the default error class for the publish package.
var Error = errs.Class("publisher")

var mon = monkit.Package()

// fiveMinuteLookback is the horizon of the 5 minute series.
const fiveMinuteLookback = 24 * time.Hour

// backupUploadTimeout bounds the monthly store upload, which can carry a
// whole season of data.
const backupUploadTimeout = 15 * time.Minute

// Config holds the object-store target and publishing cadence.
type Config struct {
	Bucket       string `help:"bucket receiving the live artifact and backups" default:""`
	Key          string `help:"object key of the live artifact" default:"live/tree.json"`
	BackupPrefix string `help:"key prefix for store backups" default:"backups"`
	Region       string `help:"bucket region" default:"us-east-1"`
	Endpoint     string `help:"custom S3 endpoint for compatible stores" default:""`
	AWSKey       string `help:"access key id" default:""`
	AWSSecret    string `help:"secret access key" default:""`

	Interval               time.Duration `help:"in-season publish cadence" default:"30s"`
	MinutesOfData          int           `help:"minutes of raw measurements carried in the artifact" default:"10"`
	ReplayDelay            time.Duration `help:"replay delay echoed in the artifact" default:"300s"`
	RequestTimeout         time.Duration `help:"deadline per live upload" default:"30s"`
	MaxConsecutiveFailures int           `help:"exit after this many consecutive publish failures" default:"10"`
}

// Verify checks the configuration.
func (config Config) Verify() error {
	if config.Bucket == "" {
		return Error.New("bucket is required")
	}
	if config.Key == "" {
		return Error.New("key is required")
	}
	if config.Interval <= 0 {
		return Error.New("interval must be positive")
	}
	if config.MaxConsecutiveFailures <= 0 {
		return Error.New("max consecutive failures must be positive")
	}
	return nil
}

// BackupConfig holds the off-season backup timing.
type BackupConfig struct {
	DayOfMonth int `help:"day of month the off-season backup runs (UTC)" default:"1"`
	Hour       int `help:"hour of day the off-season backup runs (UTC)" default:"3"`
}

// Verify checks the configuration.
func (config BackupConfig) Verify() error {
	if config.DayOfMonth < 1 || config.DayOfMonth > 28 {
		return Error.New("backup day of month must be within 1..28, got %d", config.DayOfMonth)
	}
	if config.Hour < 0 || config.Hour > 23 {
		return Error.New("backup hour must be within 0..23, got %d", config.Hour)
	}
	return nil
}

// ObjectStore is the put capability the publisher needs.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, headers objectstore.Headers) error
}

// Store is the database surface the publisher reads, exports and rotates.
type Store interface {
	Snapshot(ctx context.Context) (*sleighdb.Snapshot, error)
	Export(ctx context.Context, path string) error
	Rotate(ctx context.Context, period string) (string, error)
}

// Flusher persists buffered records so a backup carries the freshest data.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Checker runs a health evaluation between cycles.
type Checker interface {
	Check(ctx context.Context)
}

// Service is the publisher loop. It is driven by a single goroutine; Cycle
// is not safe for concurrent use.
type Service struct {
	log      *zap.Logger
	store    Store
	objects  ObjectStore
	flusher  Flusher // may be nil
	checker  Checker // may be nil
	window   season.Window
	analysis segment.Config
	config   Config
	backup   BackupConfig

	buf bytes.Buffer

	consecutiveFailures int
	published           bool
	backedUpPeriod      string
}

// New creates a publisher.
func New(log *zap.Logger, store Store, objects ObjectStore, flusher Flusher, checker Checker,
	window season.Window, analysis segment.Config, config Config, backup BackupConfig) *Service {
	return &Service{
		log:      log,
		store:    store,
		objects:  objects,
		flusher:  flusher,
		checker:  checker,
		window:   window,
		analysis: analysis,
		config:   config,
		backup:   backup,
	}
}

// Run evaluates the mode loop until the context is canceled: live pushes
// every publish interval while the season is active, a wake on each minute
// boundary otherwise.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		now := time.Now().UTC()

		if err := service.Cycle(ctx, now); err != nil {
			if errs2.IsCanceled(err) {
				return nil
			}
			return err
		}
		if service.checker != nil {
			service.checker.Check(ctx)
		}

		wait := service.config.Interval
		if !service.window.Active(now) {
			wait = date.NextMinute(now).Sub(now)
		}
		if !sync2.Sleep(ctx, wait) {
			return nil
		}
	}
}

// Cycle performs exactly one evaluation at now: a live push in season, a
// backup-window check off season. It returns an error only when the process
// should stop.
func (service *Service) Cycle(ctx context.Context, now time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	if service.window.Active(now) {
		return service.livePush(ctx, now)
	}
	return service.maybeBackup(ctx, now)
}

func (service *Service) livePush(ctx context.Context, now time.Time) error {
	err := service.pushArtifact(ctx, now)
	if err != nil {
		if errs2.IsCanceled(err) {
			return err
		}
		service.consecutiveFailures++
		mon.Meter("publish_failure").Mark(1)
		service.log.Error("publish failed",
			zap.Int("consecutive", service.consecutiveFailures),
			zap.Error(err))
		if service.consecutiveFailures >= service.config.MaxConsecutiveFailures {
			return Error.New("aborting after %d consecutive publish failures: %v",
				service.consecutiveFailures, err)
		}
		return nil
	}

	service.consecutiveFailures = 0
	if !service.published {
		service.published = true
		service.log.Info("first artifact published",
			zap.String("bucket", service.config.Bucket),
			zap.String("key", service.config.Key))
	}
	mon.Meter("publish_success").Mark(1)
	return nil
}

func (service *Service) pushArtifact(ctx context.Context, now time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	snap, err := service.store.Snapshot(ctx)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, snap.Release()) }()

	params := artifact.Params{
		GeneratedAt:   now,
		Season:        service.window,
		ReplayDelay:   service.config.ReplayDelay,
		MinutesOfData: service.config.MinutesOfData,
	}

	if service.analysis.Enabled() {
		table, topic := service.analysis.Table, service.analysis.Topic
		rawSince := now.Add(-time.Duration(service.config.MinutesOfData) * time.Minute)

		var diag aggregate.Diagnostics
		parseFailures := 0

		params.Measurements, diag, err = aggregate.Measurements(ctx, snap, table, topic, rawSince, now)
		if err != nil {
			return err
		}
		parseFailures += diag.ParseFailures
		params.Minutely, diag, err = aggregate.Series(ctx, snap, aggregate.Request{
			Table: table, Topic: topic, Resolution: time.Minute, Since: rawSince, Now: now,
		})
		if err != nil {
			return err
		}
		parseFailures += diag.ParseFailures
		params.FiveMinutely, diag, err = aggregate.Series(ctx, snap, aggregate.Request{
			Table: table, Topic: topic, Resolution: 5 * time.Minute, Since: now.Add(-fiveMinuteLookback), Now: now,
		})
		if err != nil {
			return err
		}
		parseFailures += diag.ParseFailures
		params.Hourly, diag, err = aggregate.Series(ctx, snap, aggregate.Request{
			Table: table, Topic: topic, Resolution: time.Hour, Now: now,
		})
		if err != nil {
			return err
		}
		parseFailures += diag.ParseFailures

		if parseFailures > 0 {
			service.log.Debug("records excluded from aggregates",
				zap.Int("parse failures", parseFailures))
		}

		points := make([]segment.Point, 0, len(params.Hourly))
		for _, bucket := range params.Hourly {
			points = append(points, segment.Point{Time: bucket.Start, Value: bucket.Mean})
		}
		params.Analysis = segment.Analyze(points, now, service.analysis)
	}

	if err := artifact.EncodeGzip(artifact.Build(params), &service.buf); err != nil {
		return err
	}

	uploadCtx, cancel := context.WithTimeout(ctx, service.config.RequestTimeout)
	defer cancel()
	return service.objects.Put(uploadCtx,
		service.config.Bucket, service.config.Key,
		bytes.NewReader(service.buf.Bytes()),
		objectstore.Headers{
			ContentType:     "application/json",
			ContentEncoding: "gzip",
			CacheControl:    "public, max-age=30",
		})
}

// maybeBackup exports, uploads and rotates the store when the backup window
// is open and this month's backup has not happened yet. Upload failures are
// retried on the next wake within the window; a failed rotation is fatal
// because the store state is undefined afterwards.
func (service *Service) maybeBackup(ctx context.Context, now time.Time) (err error) {
	if now.Day() != service.backup.DayOfMonth || now.Hour() != service.backup.Hour {
		return nil
	}
	period := date.Period(now)
	if service.backedUpPeriod == period {
		return nil
	}

	defer mon.Task()(&ctx)(&err)

	if err := service.uploadBackup(ctx, period); err != nil {
		if errs2.IsCanceled(err) || sleighdb.ErrStorageCorrupted.Has(err) {
			return err
		}
		mon.Meter("backup_failure").Mark(1)
		service.log.Error("backup failed, retrying within the window", zap.Error(err))
		return nil
	}

	archived, err := service.store.Rotate(ctx, period)
	if err != nil {
		return err
	}
	service.backedUpPeriod = period
	mon.Meter("backup_success").Mark(1)
	service.log.Info("store rotated", zap.String("period", period), zap.String("archived", archived))
	return nil
}

// uploadBackup materializes the export in a scoped temporary directory that
// is removed on every exit path.
func (service *Service) uploadBackup(ctx context.Context, period string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if service.flusher != nil {
		if err := service.flusher.Flush(ctx); err != nil {
			return err
		}
	}

	tmpDir, err := os.MkdirTemp("", "datasleigh-backup-")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(os.RemoveAll(tmpDir))) }()

	tmpPath := filepath.Join(tmpDir, "store_"+period+".db")
	if err := service.store.Export(ctx, tmpPath); err != nil {
		return err
	}

	file, err := os.Open(tmpPath)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(file.Close())) }()

	key := service.config.BackupPrefix + "/store_" + period + ".db"
	uploadCtx, cancel := context.WithTimeout(ctx, backupUploadTimeout)
	defer cancel()
	if err := service.objects.Put(uploadCtx, service.config.Bucket, key, file,
		objectstore.Headers{ContentType: "application/octet-stream"}); err != nil {
		return err
	}

	service.log.Info("backup uploaded", zap.String("key", key))
	return nil
}
