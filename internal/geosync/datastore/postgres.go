package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore/glsql"
)

// PostgresEventLog is the production implementation of the EventLog. The
// sequence ID is assigned by a BIGSERIAL, which is strictly monotonic and
// free of duplicates under concurrent writers.
type PostgresEventLog struct {
	qc glsql.Querier
}

// NewPostgresEventLog returns an EventLog backed by the passed connection
// pool.
func NewPostgresEventLog(qc glsql.Querier) *PostgresEventLog {
	return &PostgresEventLog{qc: qc}
}

// WithTx returns a copy of the event log bound to the caller's transaction,
// so an appended event shares the durability boundary of the mutation it
// announces.
func (s *PostgresEventLog) WithTx(tx *sql.Tx) *PostgresEventLog {
	return &PostgresEventLog{qc: tx}
}

// Append implements EventLog.
func (s *PostgresEventLog) Append(ctx context.Context, change Change) (Event, error) {
	payload, err := MarshalChange(change)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO event_log (kind, payload)
		VALUES ($1, $2)
		RETURNING sequence_id, created_at`

	event := Event{Change: change}
	if err := s.qc.QueryRowContext(ctx, query, string(change.Kind()), payload).
		Scan(&event.SequenceID, &event.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	return event, nil
}

// ReadAfter implements EventLog.
func (s *PostgresEventLog) ReadAfter(ctx context.Context, after uint64, limit int) ([]Event, error) {
	query := `
		SELECT sequence_id, kind, payload, created_at
		FROM event_log
		WHERE sequence_id > $1
		ORDER BY sequence_id
		LIMIT $2`

	rows, err := s.qc.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var (
			event   Event
			kind    string
			payload []byte
		)
		if err := rows.Scan(&event.SequenceID, &kind, &payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		event.Change, err = UnmarshalChange(EventKind(kind), payload)
		if err != nil {
			return nil, err
		}

		result = append(result, event)
	}

	return result, rows.Err()
}

// PostgresCursorStore is the production implementation of the CursorStore.
type PostgresCursorStore struct {
	qc glsql.Querier
}

// NewPostgresCursorStore returns a CursorStore backed by the passed
// connection pool.
func NewPostgresCursorStore(qc glsql.Querier) *PostgresCursorStore {
	return &PostgresCursorStore{qc: qc}
}

// Position implements CursorStore.
func (s *PostgresCursorStore) Position(ctx context.Context, consumer string) (uint64, error) {
	var position uint64
	err := s.qc.QueryRowContext(
		ctx, `SELECT position FROM consumer_cursors WHERE consumer = $1`, consumer,
	).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query cursor: %w", err)
	}
	return position, nil
}

// Advance implements CursorStore with compare-and-swap semantics: the
// update only applies while the stored position still equals from.
func (s *PostgresCursorStore) Advance(ctx context.Context, consumer string, from, to uint64) error {
	res, err := s.qc.ExecContext(ctx, `
		INSERT INTO consumer_cursors (consumer, position)
		VALUES ($1, $2)
		ON CONFLICT (consumer) DO UPDATE
		SET position = EXCLUDED.position, updated_at = NOW()
		WHERE consumer_cursors.position = $3`,
		consumer, to, from,
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

// PostgresRegistry is the production implementation of the Registry.
type PostgresRegistry struct {
	qc glsql.Querier
}

// NewPostgresRegistry returns a Registry backed by the passed connection
// pool.
func NewPostgresRegistry(qc glsql.Querier) *PostgresRegistry {
	return &PostgresRegistry{qc: qc}
}

// Get implements Registry.
func (s *PostgresRegistry) Get(ctx context.Context, kind ObjectKind, id int64) (RegistryRecord, error) {
	row := s.qc.QueryRowContext(ctx, `
		SELECT object_kind, object_id, state, retry_count, retry_at, last_synced_at,
			last_sync_failure, verification_checksum, last_verification_failure,
			checksum_mismatch, resync, missing_on_primary
		FROM blob_registry
		WHERE object_kind = $1 AND object_id = $2`,
		string(kind), id,
	)

	record, err := scanRegistryRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RegistryRecord{}, ErrNotExist
	}
	return record, err
}

// MarkPending implements Registry. It creates the record lazily on the
// first event referencing the object.
func (s *PostgresRegistry) MarkPending(ctx context.Context, kind ObjectKind, id int64) error {
	_, err := s.qc.ExecContext(ctx, `
		INSERT INTO blob_registry (object_kind, object_id, state)
		VALUES ($1, $2, 'pending')
		ON CONFLICT (object_kind, object_id) DO UPDATE
		SET state = 'pending', resync = FALSE, missing_on_primary = FALSE`,
		string(kind), id,
	)
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	return nil
}

// Start implements Registry.
func (s *PostgresRegistry) Start(ctx context.Context, kind ObjectKind, id int64) error {
	return s.exec(ctx, `
		UPDATE blob_registry SET state = 'started'
		WHERE object_kind = $1 AND object_id = $2`,
		string(kind), id,
	)
}

// MarkSynced implements Registry.
func (s *PostgresRegistry) MarkSynced(ctx context.Context, kind ObjectKind, id int64, verificationChecksum string) error {
	return s.exec(ctx, `
		UPDATE blob_registry
		SET state = 'synced',
			last_synced_at = $3,
			last_sync_failure = NULL,
			verification_checksum = NULLIF($4, ''),
			last_verification_failure = NULL,
			checksum_mismatch = FALSE,
			resync = FALSE,
			missing_on_primary = FALSE
		WHERE object_kind = $1 AND object_id = $2`,
		string(kind), id, time.Now().UTC(), verificationChecksum,
	)
}

// MarkFailed implements Registry.
func (s *PostgresRegistry) MarkFailed(ctx context.Context, kind ObjectKind, id int64, failure RegistryFailure) error {
	return s.exec(ctx, `
		UPDATE blob_registry
		SET state = 'failed',
			retry_count = retry_count + 1,
			retry_at = $3,
			last_sync_failure = $4,
			checksum_mismatch = $5,
			last_verification_failure = CASE WHEN $5 THEN $4 ELSE last_verification_failure END,
			missing_on_primary = $6
		WHERE object_kind = $1 AND object_id = $2`,
		string(kind), id, failure.RetryAt.UTC(), failure.Cause, failure.ChecksumMismatch, failure.MissingOnPrimary,
	)
}

// Delete implements Registry. Deleting an absent record is a no-op so that
// redelivered delete events stay idempotent.
func (s *PostgresRegistry) Delete(ctx context.Context, kind ObjectKind, id int64) error {
	if _, err := s.qc.ExecContext(ctx, `
		DELETE FROM blob_registry WHERE object_kind = $1 AND object_id = $2`,
		string(kind), id,
	); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// RequestResync implements Registry.
func (s *PostgresRegistry) RequestResync(ctx context.Context, kind ObjectKind, id int64, clearChecksum bool) error {
	return s.exec(ctx, `
		UPDATE blob_registry
		SET resync = TRUE,
			state = 'pending',
			missing_on_primary = FALSE,
			verification_checksum = CASE WHEN $3 THEN NULL ELSE verification_checksum END
		WHERE object_kind = $1 AND object_id = $2`,
		string(kind), id, clearChecksum,
	)
}

// ResyncAll implements Registry.
func (s *PostgresRegistry) ResyncAll(ctx context.Context) (int64, error) {
	res, err := s.qc.ExecContext(ctx, `
		UPDATE blob_registry
		SET resync = TRUE, state = 'pending', missing_on_primary = FALSE`,
	)
	if err != nil {
		return 0, fmt.Errorf("resync all: %w", err)
	}
	return res.RowsAffected()
}

// Sweep implements Registry.
func (s *PostgresRegistry) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.qc.ExecContext(ctx, `
		UPDATE blob_registry
		SET state = 'pending', resync = FALSE
		WHERE resync
		OR (state = 'failed' AND NOT missing_on_primary AND retry_at <= $1)`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	return res.RowsAffected()
}

// List implements Registry.
func (s *PostgresRegistry) List(ctx context.Context, kind ObjectKind, limit int) ([]RegistryRecord, error) {
	rows, err := s.qc.QueryContext(ctx, `
		SELECT object_kind, object_id, state, retry_count, retry_at, last_synced_at,
			last_sync_failure, verification_checksum, last_verification_failure,
			checksum_mismatch, resync, missing_on_primary
		FROM blob_registry
		WHERE $1 = '' OR object_kind = $1
		ORDER BY object_kind, object_id
		LIMIT NULLIF($2, 0)`,
		string(kind), limit,
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
func (s *PostgresRegistry) CountByState(ctx context.Context) (map[SyncState]int, error) {
	rows, err := s.qc.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM blob_registry GROUP BY state`,
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

func (s *PostgresRegistry) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.qc.ExecContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRegistryRecord(s scanner) (RegistryRecord, error) {
	var (
		record                RegistryRecord
		kind, state           string
		retryAt, lastSyncedAt sql.NullTime
		syncFailure, checksum sql.NullString
		verificationFailure   sql.NullString
	)

	if err := s.Scan(
		&kind, &record.ObjectID, &state, &record.RetryCount, &retryAt, &lastSyncedAt,
		&syncFailure, &checksum, &verificationFailure,
		&record.ChecksumMismatch, &record.Resync, &record.MissingOnPrimary,
	); err != nil {
		return RegistryRecord{}, err
	}

	record.ObjectKind = ObjectKind(kind)
	record.State = SyncState(state)
	if retryAt.Valid {
		record.RetryAt = retryAt.Time
	}
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		record.LastSyncedAt = &t
	}
	record.LastSyncFailure = syncFailure.String
	record.VerificationChecksum = checksum.String
	record.LastVerificationFailure = verificationFailure.String

	return record, nil
}
