// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package sleighdb

import (
	"context"
	"database/sql"
)

// Snapshot is a point-in-time read-only view of the store. It pins the
// rotation lock, so holders must Release within a bounded interval.
type Snapshot struct {
	db *DB
	tx *sql.Tx
}

// Snapshot begins a read-only transaction on the reader handle. The view is
// pinned at the first query and stays stable across queries until Release.
func (db *DB) Snapshot(ctx context.Context) (_ *Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, Error.New("database closed")
	}

	tx, err := db.reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		db.mu.RUnlock()
		return nil, Error.Wrap(err)
	}
	return &Snapshot{db: db, tx: tx}, nil
}

// Release ends the snapshot and unpins the rotation lock. It is idempotent.
func (snap *Snapshot) Release() error {
	if snap.tx == nil {
		return nil
	}
	err := snap.tx.Rollback()
	snap.tx = nil
	snap.db.mu.RUnlock()
	return Error.Wrap(err)
}
