package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
)

// sqliteSchema is the SQL that NewSQLiteDatastore executes. It creates the
// tables if they do not exist; existing tables must match this shape.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS event_log (
	sequence_id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS consumer_cursors (
	consumer TEXT PRIMARY KEY,
	position INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS blob_registry (
	object_kind TEXT NOT NULL,
	object_id INTEGER NOT NULL,
	state TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	retry_at TIMESTAMP,
	last_synced_at TIMESTAMP,
	last_sync_failure TEXT,
	verification_checksum TEXT,
	last_verification_failure TEXT,
	checksum_mismatch BOOLEAN NOT NULL DEFAULT 0,
	resync BOOLEAN NOT NULL DEFAULT 0,
	missing_on_primary BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (object_kind, object_id)
);

CREATE INDEX IF NOT EXISTS blob_registry_state_idx ON blob_registry (state);
`

// SQLiteDatastore bundles the event log, cursor store and registry on a
// single SQLite file. It serves single-node secondaries that have no
// Postgres at hand, and tests that want real SQL without a server.
type SQLiteDatastore struct {
	db *sql.DB
}

// NewSQLiteDatastore opens (or creates) the datastore at path and
// bootstraps the schema.
func NewSQLiteDatastore(ctx context.Context, path string) (*SQLiteDatastore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite datastore: %w", err)
	}

	// SQLite allows a single writer; a second connection would fail with
	// SQLITE_BUSY instead of queueing.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap sqlite schema: %w", err)
	}

	return &SQLiteDatastore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteDatastore) Close() error { return s.db.Close() }

// Append implements EventLog.
func (s *SQLiteDatastore) Append(ctx context.Context, change Change) (Event, error) {
	payload, err := MarshalChange(change)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}

	createdAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_log (kind, payload, created_at) VALUES (?, ?, ?)`,
		string(change.Kind()), string(payload), createdAt,
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	sequenceID, err := res.LastInsertId()
	if err != nil {
		return Event{}, err
	}

	return Event{SequenceID: uint64(sequenceID), CreatedAt: createdAt, Change: change}, nil
}

// ReadAfter implements EventLog.
func (s *SQLiteDatastore) ReadAfter(ctx context.Context, after uint64, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_id, kind, payload, created_at
		FROM event_log
		WHERE sequence_id > ?
		ORDER BY sequence_id
		LIMIT ?`,
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var (
			event   Event
			kind    string
			payload string
		)
		if err := rows.Scan(&event.SequenceID, &kind, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		event.Change, err = UnmarshalChange(EventKind(kind), []byte(payload))
		if err != nil {
			return nil, err
		}

		result = append(result, event)
	}

	return result, rows.Err()
}

// Position implements CursorStore.
func (s *SQLiteDatastore) Position(ctx context.Context, consumer string) (uint64, error) {
	var position uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM consumer_cursors WHERE consumer = ?`, consumer,
	).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query cursor: %w", err)
	}
	return position, nil
}

// Advance implements CursorStore.
func (s *SQLiteDatastore) Advance(ctx context.Context, consumer string, from, to uint64) error {
	// Unlike lib/pq, go-sqlite3 binds arguments in order of placeholder
	// appearance, so the queries here use ? and pass arguments in their
	// textual order.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO consumer_cursors (consumer, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (consumer) DO UPDATE
		SET position = excluded.position, updated_at = excluded.updated_at
		WHERE consumer_cursors.position = ?`,
		consumer, to, time.Now().UTC(), from,
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCursorConflict
	}
	return nil
}

// Get implements Registry.
func (s *SQLiteDatastore) Get(ctx context.Context, kind ObjectKind, id int64) (RegistryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT object_kind, object_id, state, retry_count, retry_at, last_synced_at,
			last_sync_failure, verification_checksum, last_verification_failure,
			checksum_mismatch, resync, missing_on_primary
		FROM blob_registry
		WHERE object_kind = ? AND object_id = ?`,
		string(kind), id,
	)

	record, err := scanRegistryRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistryRecord{}, ErrNotExist
	}
	return record, err
}

// MarkPending implements Registry.
func (s *SQLiteDatastore) MarkPending(ctx context.Context, kind ObjectKind, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blob_registry (object_kind, object_id, state)
		VALUES (?, ?, 'pending')
		ON CONFLICT (object_kind, object_id) DO UPDATE
		SET state = 'pending', resync = 0, missing_on_primary = 0`,
		string(kind), id,
	)
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	return nil
}

// Start implements Registry.
func (s *SQLiteDatastore) Start(ctx context.Context, kind ObjectKind, id int64) error {
	return s.exec(ctx, `
		UPDATE blob_registry SET state = 'started'
		WHERE object_kind = ? AND object_id = ?`,
		string(kind), id,
	)
}

// MarkSynced implements Registry.
func (s *SQLiteDatastore) MarkSynced(ctx context.Context, kind ObjectKind, id int64, verificationChecksum string) error {
	return s.exec(ctx, `
		UPDATE blob_registry
		SET state = 'synced',
			last_synced_at = ?,
			last_sync_failure = NULL,
			verification_checksum = NULLIF(?, ''),
			last_verification_failure = NULL,
			checksum_mismatch = 0,
			resync = 0,
			missing_on_primary = 0
		WHERE object_kind = ? AND object_id = ?`,
		time.Now().UTC(), verificationChecksum, string(kind), id,
	)
}

// MarkFailed implements Registry.
func (s *SQLiteDatastore) MarkFailed(ctx context.Context, kind ObjectKind, id int64, failure RegistryFailure) error {
	return s.exec(ctx, `
		UPDATE blob_registry
		SET state = 'failed',
			retry_count = retry_count + 1,
			retry_at = ?,
			last_sync_failure = ?,
			checksum_mismatch = ?,
			last_verification_failure = CASE WHEN ? THEN ? ELSE last_verification_failure END,
			missing_on_primary = ?
		WHERE object_kind = ? AND object_id = ?`,
		failure.RetryAt.UTC(), failure.Cause, failure.ChecksumMismatch,
		failure.ChecksumMismatch, failure.Cause, failure.MissingOnPrimary,
		string(kind), id,
	)
}

// Delete implements Registry.
func (s *SQLiteDatastore) Delete(ctx context.Context, kind ObjectKind, id int64) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM blob_registry WHERE object_kind = ? AND object_id = ?`,
		string(kind), id,
	); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// RequestResync implements Registry.
func (s *SQLiteDatastore) RequestResync(ctx context.Context, kind ObjectKind, id int64, clearChecksum bool) error {
	return s.exec(ctx, `
		UPDATE blob_registry
		SET resync = 1,
			state = 'pending',
			missing_on_primary = 0,
			verification_checksum = CASE WHEN ? THEN NULL ELSE verification_checksum END
		WHERE object_kind = ? AND object_id = ?`,
		clearChecksum, string(kind), id,
	)
}

// ResyncAll implements Registry.
func (s *SQLiteDatastore) ResyncAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blob_registry SET resync = 1, state = 'pending', missing_on_primary = 0`,
	)
	if err != nil {
		return 0, fmt.Errorf("resync all: %w", err)
	}
	return res.RowsAffected()
}

// Sweep implements Registry.
func (s *SQLiteDatastore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE blob_registry
		SET state = 'pending', resync = 0
		WHERE resync
		OR (state = 'failed' AND NOT missing_on_primary AND retry_at <= ?)`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	return res.RowsAffected()
}

// List implements Registry.
func (s *SQLiteDatastore) List(ctx context.Context, kind ObjectKind, limit int) ([]RegistryRecord, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT object_kind, object_id, state, retry_count, retry_at, last_synced_at,
			last_sync_failure, verification_checksum, last_verification_failure,
			checksum_mismatch, resync, missing_on_primary
		FROM blob_registry
		WHERE ? = '' OR object_kind = ?
		ORDER BY object_kind, object_id
		LIMIT ?`,
		string(kind), string(kind), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var result []RegistryRecord
	for rows.Next() {
		record, err := scanRegistryRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return result, rows.Err()
}

// CountByState implements Registry.
func (s *SQLiteDatastore) CountByState(ctx context.Context) (map[SyncState]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM blob_registry GROUP BY state`,
	)
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := map[SyncState]int{}
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[SyncState(state)] = count
	}
	return counts, rows.Err()
}

func (s *SQLiteDatastore) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotExist
	}
	return nil
}
