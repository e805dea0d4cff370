// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package sleighdb implements the embedded single-writer store holding raw
// observations and device events.
//
// The store is a SQLite database in WAL mode. Exactly one writer handle
// exists per process; a writer in another process is rejected with a busy
// error instead of waiting on locks. Readers operate on point-in-time
// snapshots and must release them promptly so truncating checkpoints and
// monthly rotation can proceed.
//
// architecture: Database
package sleighdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/memory"
)

var (
	// Error is the default error class for the sleighdb package.
	Error = errs.Class("sleighdb")
	// ErrStorageFull is returned when the store cannot grow any further.
	ErrStorageFull = errs.Class("storage full")
	// ErrStorageCorrupted is returned when the database fails integrity checks.
	ErrStorageCorrupted = errs.Class("storage corrupted")
)

var mon = monkit.Package()

// DeviceEventsTable is the fixed table holding Source-B device events.
const DeviceEventsTable = "device_events"

// Config defines the store location, write behavior and flush thresholds.
type Config struct {
	Path                string        `help:"location of the store database file" default:"$CONFDIR/sleigh.db"`
	ArchiveDir          string        `help:"directory rotated store files are moved into (default: <store dir>/archive)" default:""`
	CheckpointThreshold memory.Size   `help:"write-ahead log size that triggers a truncating checkpoint" default:"1.0GiB"`
	FreeSpaceFloor      memory.Size   `help:"appends fail with a storage full error when available disk space drops below this" default:"128MiB"`
	BatchSize           int           `help:"flush buffered records to the store after this many accumulate" default:"5000"`
	FlushInterval       time.Duration `help:"flush buffered records to the store after this much time since the previous flush" default:"5m0s"`
	QueueSize           int           `help:"maximum buffered records before the oldest are shed (0 means 4x batch size)" default:"0"`
}

// DB is the embedded store. It owns one writer handle shared by appends,
// checkpoints and exports, plus one read-only handle serving snapshots.
type DB struct {
	log    *zap.Logger
	config Config
	tables []string

	mu     sync.RWMutex
	writer *sql.DB
	reader *sql.DB
	closed bool
}

// Open opens or creates the store and ensures the schema for the given
// observation tables exists. Integrity is verified before any schema change;
// a write-lock probe rejects a concurrent writer at open rather than at the
// first flush.
func Open(ctx context.Context, log *zap.Logger, config Config, tables []string) (_ *DB, err error) {
	defer mon.Task()(&ctx)(&err)

	seen := make(map[string]bool)
	for _, table := range tables {
		if err := ValidateTableName(table); err != nil {
			return nil, err
		}
		if table == DeviceEventsTable {
			return nil, Error.New("table name %q is reserved", table)
		}
		if seen[table] {
			return nil, Error.New("duplicate table %q", table)
		}
		seen[table] = true
	}

	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, Error.Wrap(err)
		}
	}

	db := &DB{
		log:    log,
		config: config,
		tables: append([]string(nil), tables...),
	}
	if err := db.openHandles(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenExisting opens an existing store read-only for diagnostics. The
// schema is left untouched and observation tables are discovered from the
// file instead of configuration. Appends, exports and rotation are not
// available on a store opened this way.
func OpenExisting(ctx context.Context, log *zap.Logger, config Config) (_ *DB, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := os.Stat(config.Path); err != nil {
		return nil, Error.Wrap(err)
	}

	reader, err := sql.Open("sqlite3", readerDSN(config.Path))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	tables, err := listObservationTables(ctx, reader)
	if err != nil {
		return nil, errs.Combine(err, Error.Wrap(reader.Close()))
	}

	db := &DB{
		log:    log,
		config: config,
		tables: tables,
		reader: reader,
	}
	return db, nil
}

func listObservationTables(ctx context.Context, reader *sql.DB) (_ []string, err error) {
	rows, err := reader.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, Error.Wrap(err)
		}
		if name == DeviceEventsTable {
			continue
		}
		tables = append(tables, name)
	}
	return tables, Error.Wrap(rows.Err())
}

func writerDSN(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate&_busy_timeout=0"
}

func readerDSN(path string) string {
	return "file:" + path + "?mode=ro&_busy_timeout=5000"
}

func (db *DB) openHandles(ctx context.Context) (err error) {
	writer, err := sql.Open("sqlite3", writerDSN(db.config.Path))
	if err != nil {
		return Error.Wrap(err)
	}
	writer.SetMaxOpenConns(1)
	defer func() {
		if err != nil {
			err = errs.Combine(err, Error.Wrap(writer.Close()))
		}
	}()

	// checkpoints are issued explicitly once the WAL outgrows the
	// configured threshold, never by the driver.
	if _, err := writer.ExecContext(ctx, `PRAGMA wal_autocheckpoint = 0`); err != nil {
		return wrapWriteErr(err)
	}

	// probe the write lock so a concurrent writer surfaces now.
	probe, err := writer.BeginTx(ctx, nil)
	if err != nil {
		return wrapWriteErr(err)
	}
	if err := probe.Rollback(); err != nil {
		return Error.Wrap(err)
	}

	if err := integrityCheck(ctx, writer); err != nil {
		return err
	}
	if err := createSchema(ctx, writer, db.tables); err != nil {
		return err
	}

	reader, err := sql.Open("sqlite3", readerDSN(db.config.Path))
	if err != nil {
		return Error.Wrap(err)
	}
	reader.SetMaxOpenConns(2)

	db.writer = writer
	db.reader = reader
	return nil
}

func (db *DB) closeHandles() error {
	var group errs.Group
	if db.reader != nil {
		group.Add(db.reader.Close())
		db.reader = nil
	}
	if db.writer != nil {
		group.Add(db.writer.Close())
		db.writer = nil
	}
	return Error.Wrap(group.Err())
}

// Close flushes and closes the store. It is idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.closeHandles()
}

// Tables returns the observation table names the store was opened with.
func (db *DB) Tables() []string {
	return append([]string(nil), db.tables...)
}

// Path returns the location of the database file.
func (db *DB) Path() string { return db.config.Path }

// Preflight verifies database integrity. Failures are fatal to the daemon.
func (db *DB) Preflight(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return Error.New("database closed")
	}
	return integrityCheck(ctx, db.writer)
}

func integrityCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check(1)`).Scan(&result); err != nil {
		return wrapWriteErr(err)
	}
	if result != "ok" {
		return ErrStorageCorrupted.New("integrity check: %s", result)
	}
	return nil
}

func createSchema(ctx context.Context, db *sql.DB, tables []string) error {
	for _, table := range tables {
		_, err := db.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				id        INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp INTEGER NOT NULL,
				topic     TEXT NOT NULL,
				payload   TEXT NOT NULL,
				qos       INTEGER NOT NULL DEFAULT 0,
				retain    INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS %[1]s_timestamp_index ON %[1]s (timestamp);
			CREATE INDEX IF NOT EXISTS %[1]s_topic_timestamp_index ON %[1]s (topic, timestamp);
		`, table))
		if err != nil {
			return Error.Wrap(err)
		}
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS device_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp    INTEGER NOT NULL,
			device_id    TEXT NOT NULL,
			device_class TEXT NOT NULL,
			temperature  REAL,
			humidity     REAL,
			battery      INTEGER,
			signal       INTEGER,
			raw_json     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS device_events_device_timestamp_index ON device_events (device_id, timestamp);
	`)
	return Error.Wrap(err)
}

var tableNameRx = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateTableName rejects names that cannot be safely interpolated into
// schema statements.
func ValidateTableName(name string) error {
	if !tableNameRx.MatchString(name) {
		return Error.New("invalid table name %q", name)
	}
	return nil
}

// wrapWriteErr classifies driver errors into the storage error classes the
// rest of the pipeline switches on.
func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			return ErrStorageFull.Wrap(err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return ErrStorageCorrupted.Wrap(err)
		}
	}
	return Error.Wrap(err)
}

func (db *DB) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return wrapWriteErr(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, Error.Wrap(tx.Rollback()))
			return
		}
		err = wrapWriteErr(tx.Commit())
	}()
	return fn(tx)
}

func (db *DB) checkFreeSpace() error {
	floor := db.config.FreeSpaceFloor.Int64()
	if floor <= 0 {
		return nil
	}
	info, err := DiskInfoFromPath(filepath.Dir(db.config.Path))
	if err != nil {
		return Error.Wrap(err)
	}
	if info.AvailableSpace < floor {
		return ErrStorageFull.New("available space %v below floor %v",
			memory.Size(info.AvailableSpace), db.config.FreeSpaceFloor)
	}
	return nil
}

// maybeCheckpoint truncates the write-ahead log once it outgrows the
// configured threshold. Checkpoints are deliberately coarse to limit write
// amplification on slow media; a checkpoint blocked by an open snapshot is
// retried after the next flush.
func (db *DB) maybeCheckpoint(ctx context.Context) {
	threshold := db.config.CheckpointThreshold.Int64()
	if threshold <= 0 {
		return
	}
	info, err := os.Stat(db.config.Path + "-wal")
	if err != nil || info.Size() < threshold {
		return
	}

	start := time.Now()
	if _, err := db.writer.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		db.log.Warn("wal checkpoint failed", zap.Error(err))
		return
	}
	mon.Meter("wal_checkpoint").Mark(1)
	db.log.Debug("wal checkpoint",
		zap.Int64("wal size", info.Size()),
		zap.Duration("elapsed", time.Since(start)))
}

// Export writes a compact, transactionally consistent copy of the store to
// path using VACUUM INTO, without closing the writer.
func (db *DB) Export(ctx context.Context, path string) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return Error.New("database closed")
	}

	_, err = db.writer.ExecContext(ctx, `VACUUM INTO `+quoteLiteral(path))
	return wrapWriteErr(err)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Rotate archives the current database file under the archive directory
// using the provided year-month period and reopens a fresh, empty store.
// Rotation waits for open snapshots to release.
func (db *DB) Rotate(ctx context.Context, period string) (archived string, err error) {
	defer mon.Task()(&ctx)(&err)

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return "", Error.New("database closed")
	}

	// fold the WAL into the main file so the archive is self-contained.
	if _, err := db.writer.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return "", wrapWriteErr(err)
	}
	if err := db.closeHandles(); err != nil {
		db.closed = true
		return "", err
	}

	archiveDir := db.config.ArchiveDir
	if archiveDir == "" {
		archiveDir = filepath.Join(filepath.Dir(db.config.Path), "archive")
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		db.closed = true
		return "", Error.Wrap(err)
	}

	archived = filepath.Join(archiveDir, "store_"+period+".db")
	if err := os.Rename(db.config.Path, archived); err != nil {
		db.closed = true
		return "", Error.Wrap(err)
	}
	// the truncating checkpoint left these empty; drop leftovers.
	_ = os.Remove(db.config.Path + "-wal")
	_ = os.Remove(db.config.Path + "-shm")

	if err := db.openHandles(ctx); err != nil {
		db.closed = true
		return "", err
	}

	db.log.Info("store rotated", zap.String("archived", archived))
	return archived, nil
}

// SizeOnDisk reports the bytes the store occupies, including the write-ahead log.
func (db *DB) SizeOnDisk() (int64, error) {
	var total int64
	for _, suffix := range []string{"", "-wal"} {
		info, err := os.Stat(db.config.Path + suffix)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, Error.Wrap(err)
		}
		total += info.Size()
	}
	return total, nil
}

// DiskInfo reports available space on the filesystem holding the store.
func (db *DB) DiskInfo() (DiskInfo, error) {
	info, err := DiskInfoFromPath(filepath.Dir(db.config.Path))
	return info, Error.Wrap(err)
}

// TableStats summarizes one table for diagnostics.
type TableStats struct {
	Table    string
	Rows     int64
	Earliest time.Time
	Latest   time.Time
	Distinct int64 // topics for observation tables, devices for device events
}

// Stats returns row counts, time bounds and distinct key counts per table.
func (db *DB) Stats(ctx context.Context) (_ []TableStats, err error) {
	defer mon.Task()(&ctx)(&err)

	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, Error.New("database closed")
	}

	stats := make([]TableStats, 0, len(db.tables)+1)
	for _, table := range db.tables {
		st, err := db.tableStats(ctx, table, "topic")
		if err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	st, err := db.tableStats(ctx, DeviceEventsTable, "device_id")
	if err != nil {
		return nil, err
	}
	return append(stats, st), nil
}

func (db *DB) tableStats(ctx context.Context, table, keyColumn string) (TableStats, error) {
	st := TableStats{Table: table}
	var earliest, latest sql.NullInt64
	err := db.reader.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*), MIN(timestamp), MAX(timestamp), COUNT(DISTINCT %s) FROM %s`,
		keyColumn, table,
	)).Scan(&st.Rows, &earliest, &latest, &st.Distinct)
	if err != nil {
		return TableStats{}, Error.Wrap(err)
	}
	if earliest.Valid {
		st.Earliest = time.UnixMicro(earliest.Int64).UTC()
	}
	if latest.Valid {
		st.Latest = time.UnixMicro(latest.Int64).UTC()
	}
	return st, nil
}
