// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package health watches the store file and the filesystem around it and
// notifies the operator when thresholds are crossed.
//
// architecture: Chore
package health

import (
	"context"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/memory"
	"storj.io/common/sync2"
	"storj.io/datasleigh/private/post"
	"storj.io/datasleigh/sleigh/sleighdb"
)

// Error is the default error class for the health package.
var Error = errs.Class("health")

var mon = monkit.Package()

// Notification kinds double as cooldown keys, so every threshold is
// rate-limited independently.
const (
	kindStoreSize = "store size"
	kindFreeSpace = "free space"
)

// sendTimeout bounds a single notification delivery.
const sendTimeout = 30 * time.Second

// Config holds notification thresholds and the transport settings.
type Config struct {
	EmailTo       string        `help:"address receiving health notifications (empty disables them)" default:""`
	DBSizeMB      int64         `help:"store size in MB that triggers a notification, 0 disables the check" default:"0"`
	FreeSpaceMB   int64         `help:"free space in MB below which a notification triggers, 0 disables the check" default:"500"`
	CooldownHours int           `help:"hours between repeat notifications of the same kind" default:"24"`
	CheckInterval time.Duration `help:"cadence of the standalone check cycle" default:"15m0s"`

	SMTPServerAddress string `help:"smtp relay as host:port" default:""`
	From              string `help:"sender address of notifications" default:""`
	AuthType          string `help:"smtp authentication type: plain, login or nomail" default:"nomail"`
	Login             string `help:"smtp login for plain and login auth" default:""`
	Password          string `help:"smtp password for plain and login auth" default:""`
}

// Enabled reports whether a recipient is configured.
func (config Config) Enabled() bool { return config.EmailTo != "" }

// Verify checks the configuration.
func (config Config) Verify() error {
	switch config.AuthType {
	case "plain", "login":
		if !config.Enabled() {
			return nil
		}
		if config.SMTPServerAddress == "" {
			return Error.New("smtp server address is required for %s auth", config.AuthType)
		}
		if config.From == "" {
			return Error.New("from address is required for %s auth", config.AuthType)
		}
	case "nomail":
	default:
		return Error.New("unknown auth type %q", config.AuthType)
	}
	if config.CooldownHours < 0 {
		return Error.New("cooldown hours must not be negative")
	}
	return nil
}

// Store is the surface the monitor inspects.
type Store interface {
	Path() string
	SizeOnDisk() (int64, error)
	DiskInfo() (sleighdb.DiskInfo, error)
}

// Sender delivers one notification.
type Sender interface {
	FromAddress() mail.Address
	SendEmail(ctx context.Context, msg *post.Message) error
}

// Service runs the threshold checks and rate-limits notifications. It is
// called from the ingest drain, the publisher, and its own safety-net cycle,
// so all entry points are safe for concurrent use.
//
// architecture: Chore
type Service struct {
	log    *zap.Logger
	store  Store
	sender Sender
	config Config

	Loop *sync2.Cycle

	mu       sync.Mutex
	lastSent map[string]time.Time
	started  bool
}

// New creates a health monitor.
func New(log *zap.Logger, store Store, sender Sender, config Config) *Service {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 15 * time.Minute
	}
	return &Service{
		log:      log,
		store:    store,
		sender:   sender,
		config:   config,
		Loop:     sync2.NewCycle(config.CheckInterval),
		lastSent: make(map[string]time.Time),
	}
}

// Run checks on a fixed cadence, independent of flush and publish activity.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		service.Check(ctx)
		return nil
	})
}

// Close stops the check cycle.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// Check compares the store size and the free space around it against the
// configured thresholds and notifies on breaches. Failures to measure are
// logged, never returned: health checking must not take the pipeline down.
func (service *Service) Check(ctx context.Context) {
	defer mon.Task()(&ctx)(nil)

	service.checkStoreSize(ctx)
	service.checkFreeSpace(ctx)
}

func (service *Service) checkStoreSize(ctx context.Context) {
	threshold := service.config.DBSizeMB * memory.MiB.Int64()
	if threshold <= 0 {
		return
	}
	size, err := service.store.SizeOnDisk()
	if err != nil {
		service.log.Warn("store size check failed", zap.Error(err))
		return
	}
	mon.IntVal("store_size_bytes").Observe(size)
	if size <= threshold {
		return
	}
	service.notify(ctx, kindStoreSize, "Data Sleigh: store size alert", fmt.Sprintf(
		"The store has grown past the configured threshold.\n\n"+
			"Store: %s\nCurrent size: %s\nThreshold: %s\n\n"+
			"Consider archiving old data or raising the threshold.\n",
		service.store.Path(), memory.Size(size), memory.Size(threshold)))
}

func (service *Service) checkFreeSpace(ctx context.Context) {
	threshold := service.config.FreeSpaceMB * memory.MiB.Int64()
	if threshold <= 0 {
		return
	}
	info, err := service.store.DiskInfo()
	if err != nil {
		service.log.Warn("free space check failed", zap.Error(err))
		return
	}
	mon.IntVal("free_space_bytes").Observe(info.AvailableSpace)
	if info.AvailableSpace >= threshold {
		return
	}
	service.notify(ctx, kindFreeSpace, "Data Sleigh: low disk space alert", fmt.Sprintf(
		"Free space on the store filesystem has fallen below the configured threshold.\n\n"+
			"Store: %s\nFree space: %s\nTotal space: %s\nThreshold: %s\n\n"+
			"Consider deleting old data or expanding storage.\n",
		service.store.Path(), memory.Size(info.AvailableSpace), memory.Size(info.TotalSpace),
		memory.Size(threshold)))
}

// StorageFull is the immediate trigger wired to ingest shed mode. It shares
// the free-space cooldown so a full disk produces one notification per
// window no matter which check sees it first.
func (service *Service) StorageFull(ctx context.Context) {
	defer mon.Task()(&ctx)(nil)

	detail := ""
	if info, err := service.store.DiskInfo(); err == nil {
		detail = fmt.Sprintf("Free space: %s\nTotal space: %s\n",
			memory.Size(info.AvailableSpace), memory.Size(info.TotalSpace))
	}
	service.notify(ctx, kindFreeSpace, "Data Sleigh: storage full", fmt.Sprintf(
		"Appends are failing for lack of space and the ingest buffer is "+
			"shedding its oldest records.\n\nStore: %s\n%s\n"+
			"Free up space to stop the data loss.\n",
		service.store.Path(), detail))
}

// StorageCorrupted sends the fatal corruption notice. The process is about
// to exit, so the send bypasses the cooldown and failures are only logged.
func (service *Service) StorageCorrupted(ctx context.Context, cause error) {
	defer mon.Task()(&ctx)(nil)

	if !service.config.Enabled() {
		return
	}
	err := service.send(ctx, "Data Sleigh: store corrupted", fmt.Sprintf(
		"The store failed a corruption check and the process is shutting "+
			"down.\n\nStore: %s\nError: %v\n\n"+
			"Restore the store from the latest backup before restarting.\n",
		service.store.Path(), cause))
	if err != nil {
		service.log.Error("corruption notification failed", zap.Error(err))
		return
	}
	service.log.Warn("corruption notification sent", zap.String("to", service.config.EmailTo))
}

// Startup sends the one-shot start notification carrying the effective
// configuration, once per process. Failures are logged, never fatal.
func (service *Service) Startup(ctx context.Context, summary string) {
	defer mon.Task()(&ctx)(nil)

	service.mu.Lock()
	first := !service.started
	service.started = true
	service.mu.Unlock()
	if !first {
		return
	}

	if !service.config.Enabled() {
		service.log.Debug("startup notification skipped, no recipient configured")
		return
	}
	err := service.send(ctx, "Data Sleigh started", fmt.Sprintf(
		"Data Sleigh has started with the following effective configuration.\n\n%s\n"+
			"This is an automated notification.\n", summary))
	if err != nil {
		service.log.Error("startup notification failed", zap.Error(err))
		return
	}
	service.log.Info("startup notification sent", zap.String("to", service.config.EmailTo))
}

// notify sends one message per kind and cooldown window. The window is
// claimed before the send so concurrent breaches dedupe, and released again
// when the send fails so the next check retries.
func (service *Service) notify(ctx context.Context, kind, subject, body string) {
	if !service.config.Enabled() {
		service.log.Debug("notification suppressed, no recipient configured",
			zap.String("kind", kind))
		return
	}
	if !service.claim(kind) {
		service.log.Debug("notification suppressed by cooldown", zap.String("kind", kind))
		return
	}
	if err := service.send(ctx, subject, body); err != nil {
		service.release(kind)
		service.log.Error("notification failed",
			zap.String("kind", kind), zap.Error(err))
		return
	}
	mon.Meter("health_notification").Mark(1)
	service.log.Warn("notification sent",
		zap.String("kind", kind), zap.String("to", service.config.EmailTo))
}

func (service *Service) claim(kind string) bool {
	cooldown := time.Duration(service.config.CooldownHours) * time.Hour
	now := time.Now()

	service.mu.Lock()
	defer service.mu.Unlock()
	if last, ok := service.lastSent[kind]; ok && now.Sub(last) < cooldown {
		return false
	}
	service.lastSent[kind] = now
	return true
}

func (service *Service) release(kind string) {
	service.mu.Lock()
	defer service.mu.Unlock()
	delete(service.lastSent, kind)
}

func (service *Service) send(ctx context.Context, subject, body string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	return service.sender.SendEmail(ctx, &post.Message{
		From:      service.sender.FromAddress(),
		To:        []mail.Address{{Address: service.config.EmailTo}},
		Subject:   subject,
		PlainText: body,
	})
}
