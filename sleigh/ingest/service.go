// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ingest buffers subscriber records and drains them into the store
// through a single writer goroutine.
//
// architecture: Service
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/datasleigh/sleigh/sleighdb"
)

// Error is the default error class for the ingest package.
var Error = errs.Class("ingest")

var mon = monkit.Package()

// finalFlushTimeout bounds the drain performed after cancellation.
const finalFlushTimeout = 30 * time.Second

// Config defines buffering and flush thresholds.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

// Store is the writer capability owned by the drain.
type Store interface {
	AppendObservations(ctx context.Context, table string, batch []sleighdb.Observation) error
	AppendDeviceEvents(ctx context.Context, batch []sleighdb.DeviceEvent) error
}

// Health has its storage thresholds evaluated after every drain pass and is
// triggered immediately whenever a flush fails for lack of storage.
// Implementations apply their own notification rate limits.
type Health interface {
	Check(ctx context.Context)
	StorageFull(ctx context.Context)
}

// Service is the bounded ingest buffer plus its drain loop. Enqueues never
// block: when the queue is full the oldest records are shed.
type Service struct {
	log    *zap.Logger
	store  Store
	health Health
	config Config

	kick chan struct{}

	mu      sync.Mutex
	queue   []record
	shed    bool
	dropped int64
}

type record struct {
	table string
	obs   sleighdb.Observation
	event *sleighdb.DeviceEvent
}

// New creates an ingest service draining into store.
func New(log *zap.Logger, store Store, health Health, config Config) *Service {
	if config.BatchSize <= 0 {
		config.BatchSize = 5000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Minute
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 4 * config.BatchSize
	}
	return &Service{
		log:    log,
		store:  store,
		health: health,
		config: config,
		kick:   make(chan struct{}, 1),
	}
}

// EnqueueObservation queues a raw observation for the next flush.
func (service *Service) EnqueueObservation(table string, obs sleighdb.Observation) {
	service.enqueue(record{table: table, obs: obs})
}

// EnqueueDeviceEvent queues a device event for the next flush.
func (service *Service) EnqueueDeviceEvent(event sleighdb.DeviceEvent) {
	service.enqueue(record{table: sleighdb.DeviceEventsTable, event: &event})
}

func (service *Service) enqueue(rec record) {
	service.mu.Lock()
	if len(service.queue) >= service.config.QueueSize {
		if !service.shed {
			service.shed = true
			service.log.Warn("buffer full, shedding oldest records",
				zap.Int("queue size", service.config.QueueSize))
		}
		copy(service.queue, service.queue[1:])
		service.queue[len(service.queue)-1] = rec
		service.dropped++
		service.mu.Unlock()
		mon.Meter("ingest_shed").Mark(1)
		return
	}
	service.queue = append(service.queue, rec)
	full := len(service.queue) >= service.config.BatchSize
	service.mu.Unlock()

	mon.Meter("ingest_enqueued").Mark(1)
	if full {
		select {
		case service.kick <- struct{}{}:
		default:
		}
	}
}

// Len reports the number of buffered records.
func (service *Service) Len() int {
	service.mu.Lock()
	defer service.mu.Unlock()
	return len(service.queue)
}

// ShedMode reports whether the buffer is currently discarding oldest records.
func (service *Service) ShedMode() bool {
	service.mu.Lock()
	defer service.mu.Unlock()
	return service.shed
}

// Run drains the queue until the context is canceled, flushing whenever the
// batch size is reached or the flush interval elapses, whichever comes
// first. Storage thresholds are re-evaluated after every flush. A final
// batch is persisted on the way out so records acknowledged before shutdown
// are not lost.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ticker := time.NewTicker(service.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return service.finalFlush()
		case <-ticker.C:
		case <-service.kick:
		}

		if err := service.Flush(ctx); err != nil {
			return err
		}
		service.health.Check(ctx)
		ticker.Reset(service.config.FlushInterval)
	}
}

// Flush persists all buffered records now. Storage-full and transient
// failures keep the records queued for a later retry; only corruption is
// returned, which stops the drain.
func (service *Service) Flush(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	service.mu.Lock()
	batch := service.queue
	service.queue = nil
	service.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	remaining, err := service.append(ctx, batch)
	if err != nil {
		service.requeue(remaining)
		if sleighdb.ErrStorageCorrupted.Has(err) {
			service.log.Error("store corrupted, stopping drain", zap.Error(err))
			return err
		}
		if sleighdb.ErrStorageFull.Has(err) {
			service.enterShed(ctx)
			return nil
		}
		service.log.Error("flush failed, keeping records queued", zap.Error(err))
		return nil
	}

	service.exitShed(len(batch))
	return nil
}

// append writes the batch grouped per table, preserving enqueue order inside
// each group. On failure it returns every record that was not persisted.
func (service *Service) append(ctx context.Context, batch []record) (remaining []record, err error) {
	groups := make(map[string][]record)
	var order []string
	for _, rec := range batch {
		if _, ok := groups[rec.table]; !ok {
			order = append(order, rec.table)
		}
		groups[rec.table] = append(groups[rec.table], rec)
	}

	for i, table := range order {
		group := groups[table]

		var err error
		if table == sleighdb.DeviceEventsTable {
			events := make([]sleighdb.DeviceEvent, 0, len(group))
			for _, rec := range group {
				events = append(events, *rec.event)
			}
			err = service.store.AppendDeviceEvents(ctx, events)
		} else {
			observations := make([]sleighdb.Observation, 0, len(group))
			for _, rec := range group {
				observations = append(observations, rec.obs)
			}
			err = service.store.AppendObservations(ctx, table, observations)
		}
		if err != nil {
			for _, t := range order[i:] {
				remaining = append(remaining, groups[t]...)
			}
			return remaining, err
		}
	}
	return nil, nil
}

// requeue puts unpersisted records back in front of the queue, shedding the
// oldest when the result would exceed the bound.
func (service *Service) requeue(batch []record) {
	if len(batch) == 0 {
		return
	}
	service.mu.Lock()
	defer service.mu.Unlock()

	service.queue = append(batch, service.queue...)
	if over := len(service.queue) - service.config.QueueSize; over > 0 {
		service.queue = service.queue[over:]
		service.dropped += int64(over)
		mon.Meter("ingest_shed").Mark(over)
	}
}

func (service *Service) enterShed(ctx context.Context) {
	service.mu.Lock()
	entering := !service.shed
	service.shed = true
	service.mu.Unlock()

	if entering {
		service.log.Warn("storage full, entering shed mode")
	}
	service.health.StorageFull(ctx)
}

func (service *Service) exitShed(flushed int) {
	service.mu.Lock()
	wasShed := service.shed
	dropped := service.dropped
	service.shed = false
	service.dropped = 0
	service.mu.Unlock()

	if wasShed {
		service.log.Info("shed mode cleared", zap.Int64("records dropped", dropped))
	}
	service.log.Debug("flushed", zap.Int("records", flushed))
	mon.Meter("ingest_flushed").Mark(flushed)
}

// finalFlush runs after cancellation, so it uses its own bounded context.
func (service *Service) finalFlush() error {
	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()

	err := service.Flush(ctx)
	if err != nil {
		return err
	}
	if pending := service.Len(); pending > 0 {
		service.log.Warn("records left unpersisted at shutdown", zap.Int("records", pending))
	}
	return nil
}
