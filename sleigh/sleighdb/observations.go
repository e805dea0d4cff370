// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package sleighdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zeebo/errs"
)

// Observation is a single raw Source-A reading. The payload stays an opaque
// string at the storage boundary; numeric interpretation happens at
// aggregation time.
type Observation struct {
	ID      int64
	Time    time.Time
	Topic   string
	Payload string
	QoS     int
	Retain  bool
}

// AppendObservations atomically appends a batch to the named observation
// table. It fails with ErrStorageFull when available disk space is below the
// configured floor and with ErrStorageCorrupted on integrity errors.
func (db *DB) AppendObservations(ctx context.Context, table string, batch []Observation) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(batch) == 0 {
		return nil
	}
	if err := ValidateTableName(table); err != nil {
		return err
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
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (timestamp, topic, payload, qos, retain) VALUES (?, ?, ?, ?, ?)`,
			table))
		if err != nil {
			return wrapWriteErr(err)
		}
		defer func() { _ = stmt.Close() }()

		for _, obs := range batch {
			_, err := stmt.ExecContext(ctx,
				obs.Time.UnixMicro(), obs.Topic, obs.Payload, obs.QoS, obs.Retain)
			if err != nil {
				return wrapWriteErr(err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	mon.IntVal("observation_batch_size").Observe(int64(len(batch)))
	db.maybeCheckpoint(ctx)
	return nil
}

// Observations returns the topic's rows within [since, until] in timestamp
// order. A zero since reads from the beginning of the table.
func (snap *Snapshot) Observations(ctx context.Context, table, topic string, since, until time.Time) (_ []Observation, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidateTableName(table); err != nil {
		return nil, err
	}

	var sinceMicro int64
	if !since.IsZero() {
		sinceMicro = since.UnixMicro()
	}

	rows, err := snap.tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, timestamp, topic, payload, qos, retain
		FROM %s
		WHERE topic = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp, id
	`, table), topic, sinceMicro, until.UnixMicro())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var observations []Observation
	for rows.Next() {
		var obs Observation
		var micro int64
		var retain int64
		if err := rows.Scan(&obs.ID, &micro, &obs.Topic, &obs.Payload, &obs.QoS, &retain); err != nil {
			return nil, Error.Wrap(err)
		}
		obs.Time = time.UnixMicro(micro).UTC()
		obs.Retain = retain != 0
		observations = append(observations, obs)
	}
	return observations, Error.Wrap(rows.Err())
}
