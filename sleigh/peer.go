// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sleigh assembles the collector process: both subscribers, the
// ingest drain, the health monitor and the publish loop around one embedded
// store.
package sleigh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/context2"
	"storj.io/common/debug"
	"storj.io/common/memory"
	"storj.io/datasleigh/private/lifecycle"
	"storj.io/datasleigh/sleigh/cloudsub"
	"storj.io/datasleigh/sleigh/health"
	"storj.io/datasleigh/sleigh/ingest"
	"storj.io/datasleigh/sleigh/mqttsub"
	"storj.io/datasleigh/sleigh/objectstore"
	"storj.io/datasleigh/sleigh/publish"
	"storj.io/datasleigh/sleigh/season"
	"storj.io/datasleigh/sleigh/segment"
	"storj.io/datasleigh/sleigh/sleighdb"
)

// Error is the default error class for the sleigh peer.
var Error = errs.Class("sleigh")

var mon = monkit.Package()

// Config is the global configuration of the collector process.
type Config struct {
	SourceA  mqttsub.Config
	SourceB  cloudsub.Config
	Store    sleighdb.Config
	Season   season.Config
	Analysis segment.Config
	Publish  publish.Config
	Backup   publish.BackupConfig
	Alert    health.Config
	Debug    debug.Config
}

// Verify checks the composed configuration before any subsystem starts.
func (config Config) Verify() error {
	if len(config.SourceA.Topics) == 0 && !config.SourceB.Enabled() {
		return Error.New("no source configured: set source-a.topics or source-b devices")
	}
	if err := config.SourceA.Verify(); err != nil {
		return err
	}
	if err := config.SourceB.Verify(); err != nil {
		return err
	}
	if err := config.Season.Window().Verify(); err != nil {
		return err
	}
	if err := config.Publish.Verify(); err != nil {
		return err
	}
	if err := config.Backup.Verify(); err != nil {
		return err
	}
	if err := config.Alert.Verify(); err != nil {
		return err
	}
	if config.Analysis.Enabled() && !config.analysisTableFed() {
		return Error.New("analysis table %q is not fed by any route", config.Analysis.Table)
	}
	return nil
}

func (config Config) analysisTableFed() bool {
	if config.Analysis.Table == sleighdb.DeviceEventsTable {
		return config.SourceB.Enabled()
	}
	for _, table := range config.SourceA.Topics.Tables() {
		if table == config.Analysis.Table {
			return true
		}
	}
	return false
}

// Summary renders the effective configuration the way the startup
// notification reports it. Credentials are redacted.
func (config Config) Summary(now time.Time) string {
	var b strings.Builder

	host, _ := os.Hostname()
	window := config.Season.Window()

	fmt.Fprintf(&b, "Host: %s\n", host)
	fmt.Fprintf(&b, "Start time: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "In season: %t\n", window.Active(now))

	fmt.Fprintf(&b, "\nSeason:\n")
	fmt.Fprintf(&b, "  Start: %s\n", window.Start.Format(season.DateFormat))
	fmt.Fprintf(&b, "  End: %s\n", window.End.Format(season.DateFormat))

	fmt.Fprintf(&b, "\nSource A:\n")
	fmt.Fprintf(&b, "  Broker: %s:%d\n", config.SourceA.Broker, config.SourceA.Port)
	fmt.Fprintf(&b, "  Client id: %s\n", config.SourceA.ClientID)
	fmt.Fprintf(&b, "  QoS: %d\n", config.SourceA.QOS)
	fmt.Fprintf(&b, "  User: %s\n", orNone(config.SourceA.User))
	fmt.Fprintf(&b, "  Password: %s\n", redact(config.SourceA.Password))
	fmt.Fprintf(&b, "  Routes:\n")
	for _, route := range config.SourceA.Topics {
		fmt.Fprintf(&b, "    %s -> %s", route.Pattern, route.Table)
		if route.Description != "" {
			fmt.Fprintf(&b, " (%s)", route.Description)
		}
		fmt.Fprintf(&b, "\n")
	}

	fmt.Fprintf(&b, "\nSource B:\n")
	fmt.Fprintf(&b, "  Enabled: %t\n", config.SourceB.Enabled())
	if config.SourceB.Enabled() {
		fmt.Fprintf(&b, "  Broker: %s\n", config.SourceB.BrokerURL)
		fmt.Fprintf(&b, "  Auth endpoint: %s\n", config.SourceB.AuthEndpoint)
		fmt.Fprintf(&b, "  Account id: %s\n", orNone(config.SourceB.ID))
		fmt.Fprintf(&b, "  Secret: %s\n", redact(config.SourceB.Secret))
		fmt.Fprintf(&b, "  Air devices: %s\n", orNone(config.SourceB.AirDevices.String()))
		fmt.Fprintf(&b, "  Water devices: %s\n", orNone(config.SourceB.WaterDevices.String()))
	}

	fmt.Fprintf(&b, "\nStore:\n")
	fmt.Fprintf(&b, "  Path: %s\n", config.Store.Path)
	fmt.Fprintf(&b, "  Batch size: %d\n", config.Store.BatchSize)
	fmt.Fprintf(&b, "  Flush interval: %s\n", config.Store.FlushInterval)

	fmt.Fprintf(&b, "\nAnalysis:\n")
	if config.Analysis.Enabled() {
		fmt.Fprintf(&b, "  Source: %s / %s\n", config.Analysis.Table, config.Analysis.Topic)
		fmt.Fprintf(&b, "  Empty threshold: %v\n", config.Analysis.EmptyThreshold)
	} else {
		fmt.Fprintf(&b, "  Disabled\n")
	}

	fmt.Fprintf(&b, "\nPublish:\n")
	fmt.Fprintf(&b, "  Bucket: %s\n", config.Publish.Bucket)
	fmt.Fprintf(&b, "  Key: %s\n", config.Publish.Key)
	fmt.Fprintf(&b, "  Backup prefix: %s\n", config.Publish.BackupPrefix)
	fmt.Fprintf(&b, "  Interval: %s\n", config.Publish.Interval)
	fmt.Fprintf(&b, "  Access key: %s\n", redact(config.Publish.AWSKey))
	fmt.Fprintf(&b, "  Secret key: %s\n", redact(config.Publish.AWSSecret))

	fmt.Fprintf(&b, "\nBackup:\n")
	fmt.Fprintf(&b, "  Day of month: %d\n", config.Backup.DayOfMonth)
	fmt.Fprintf(&b, "  Hour: %02d:00 UTC\n", config.Backup.Hour)

	fmt.Fprintf(&b, "\nAlerts:\n")
	fmt.Fprintf(&b, "  Email: %s\n", orNone(config.Alert.EmailTo))
	fmt.Fprintf(&b, "  Store size threshold: %s\n", threshold(config.Alert.DBSizeMB))
	fmt.Fprintf(&b, "  Free space threshold: %s\n", threshold(config.Alert.FreeSpaceMB))
	fmt.Fprintf(&b, "  Cooldown: %dh\n", config.Alert.CooldownHours)

	return b.String()
}

func orNone(value string) string {
	if value == "" {
		return "(none)"
	}
	return value
}

func redact(value string) string {
	if value == "" {
		return "(not set)"
	}
	return "(set)"
}

func threshold(mb int64) string {
	if mb <= 0 {
		return "(disabled)"
	}
	return memory.Size(mb * memory.MiB.Int64()).String()
}

// Peer is the collector process.
//
// architecture: Peer
type Peer struct {
	Log    *zap.Logger
	DB     *sleighdb.DB
	config Config

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Debug struct {
		Listener net.Listener
		Server   *debug.Server
	}

	Mail struct {
		Sender health.Sender
	}

	Health struct {
		Service *health.Service
	}

	Ingest struct {
		Service *ingest.Service
	}

	SourceA struct {
		Service *mqttsub.Service
	}

	SourceB struct {
		Tokens  *cloudsub.TokenSource
		Service *cloudsub.Service
	}

	Publisher struct {
		Objects *objectstore.S3
		Service *publish.Service
	}
}

// New wires the collector around an open store. The store is opened and
// closed by the caller so commands can share the open and preflight steps.
func New(ctx context.Context, log *zap.Logger, db *sleighdb.DB, config Config,
	atomicLogLevel *zap.AtomicLevel) (*Peer, error) {
	if err := config.Verify(); err != nil {
		return nil, err
	}

	peer := &Peer{
		Log:    log,
		DB:     db,
		config: config,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup debug
		var err error
		if config.Debug.Addr != "" {
			peer.Debug.Listener, err = net.Listen("tcp", config.Debug.Addr)
			if err != nil {
				withoutStack := errors.New(err.Error())
				peer.Log.Debug("failed to start debug endpoints", zap.Error(withoutStack))
			}
		}
		debugConfig := config.Debug
		debugConfig.ControlTitle = "Data Sleigh"
		peer.Debug.Server = debug.NewServerWithAtomicLevel(log.Named("debug"), peer.Debug.Listener, monkit.Default, debugConfig, atomicLogLevel)
		peer.Servers.Add(lifecycle.Item{
			Name:  "debug",
			Run:   peer.Debug.Server.Run,
			Close: peer.Debug.Server.Close,
		})
	}

	var err error

	{ // setup mail
		peer.Mail.Sender, err = health.NewSender(peer.Log.Named("mail"), config.Alert)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup health monitor
		peer.Health.Service = health.New(peer.Log.Named("health"), peer.DB, peer.Mail.Sender, config.Alert)
		peer.Services.Add(lifecycle.Item{
			Name:  "health",
			Run:   peer.Health.Service.Run,
			Close: peer.Health.Service.Close,
		})
		peer.Debug.Server.Panel.Add(
			debug.Cycle("Health Check", peer.Health.Service.Loop))
	}

	{ // setup ingest drain
		peer.Ingest.Service = ingest.New(peer.Log.Named("ingest"), peer.DB, peer.Health.Service, ingest.Config{
			BatchSize:     config.Store.BatchSize,
			FlushInterval: config.Store.FlushInterval,
			QueueSize:     config.Store.QueueSize,
		})
		peer.Services.Add(lifecycle.Item{
			Name: "ingest",
			Run:  peer.Ingest.Service.Run,
		})
	}

	{ // setup source A
		if len(config.SourceA.Topics) > 0 {
			peer.SourceA.Service = mqttsub.New(peer.Log.Named("source-a"), peer.Ingest.Service, config.SourceA)
			peer.Services.Add(lifecycle.Item{
				Name: "source-a",
				Run:  peer.SourceA.Service.Run,
			})
		}
	}

	{ // setup source B
		if config.SourceB.Enabled() {
			peer.SourceB.Tokens = cloudsub.NewTokenSource(peer.Log.Named("source-b:token"), config.SourceB)
			peer.SourceB.Service = cloudsub.New(peer.Log.Named("source-b"), peer.Ingest.Service, peer.SourceB.Tokens, config.SourceB)
			peer.Services.Add(lifecycle.Item{
				Name: "source-b",
				Run:  peer.SourceB.Service.Run,
			})
		}
	}

	{ // setup publisher
		peer.Publisher.Objects, err = objectstore.OpenS3(ctx, peer.Log.Named("objectstore"), objectstore.Options{
			Region:    config.Publish.Region,
			Endpoint:  config.Publish.Endpoint,
			AccessKey: config.Publish.AWSKey,
			SecretKey: config.Publish.AWSSecret,
		})
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.Publisher.Service = publish.New(peer.Log.Named("publisher"), peer.DB, peer.Publisher.Objects,
			peer.Ingest.Service, peer.Health.Service,
			config.Season.Window(), config.Analysis, config.Publish, config.Backup)
		peer.Services.Add(lifecycle.Item{
			Name: "publisher",
			Run:  peer.Publisher.Service.Run,
		})
	}

	return peer, nil
}

// Run starts the subsystems and blocks until the context is canceled or one
// of them fails. A store corruption failure triggers a final notification
// attempt before the error is returned.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "sleigh"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		peer.Health.Service.Startup(ctx, peer.config.Summary(time.Now().UTC()))

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	if err != nil && sleighdb.ErrStorageCorrupted.Has(err) {
		peer.Health.Service.StorageCorrupted(context2.WithoutCancellation(ctx), err)
	}
	return err
}

// Close closes all the resources. The store itself is owned and closed by
// the caller.
func (peer *Peer) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
