// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package sleighdb

import (
	"context"
	"database/sql"
	"time"
)

// DeviceClass labels the sensor family an event came from.
type DeviceClass string

const (
	// DeviceAir marks air sensors reporting temperature and humidity.
	DeviceAir DeviceClass = "air"
	// DeviceWater marks water sensors reporting temperature only.
	DeviceWater DeviceClass = "water"
)

// DeviceEvent is a normalized Source-B reading. Optional fields are nil when
// the originating event did not carry them; the raw event JSON is always
// retained for forensics.
type DeviceEvent struct {
	ID          int64
	Time        time.Time
	DeviceID    string
	Class       DeviceClass
	Temperature *float64
	Humidity    *float64
	Battery     *int
	Signal      *int
	Raw         string
}

// AppendDeviceEvents atomically appends a batch of device events. Error
// semantics match AppendObservations.
func (db *DB) AppendDeviceEvents(ctx context.Context, batch []DeviceEvent) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(batch) == 0 {
		return nil
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return Error.New("database closed")
	}
	if err := db.checkFreeSpace(); err != nil {
		return err
	}

	err = db.withWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO device_events
				(timestamp, device_id, device_class, temperature, humidity, battery, signal, raw_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return wrapWriteErr(err)
		}
		defer func() { _ = stmt.Close() }()

		for _, event := range batch {
			_, err := stmt.ExecContext(ctx,
				event.Time.UnixMicro(), event.DeviceID, string(event.Class),
				event.Temperature, event.Humidity, event.Battery, event.Signal,
				event.Raw)
			if err != nil {
				return wrapWriteErr(err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	mon.IntVal("device_event_batch_size").Observe(int64(len(batch)))
	db.maybeCheckpoint(ctx)
	return nil
}
