// Package datastore provides the durable state of the replication engine:
// the append-only event log written on the primary, the per-consumer cursor
// marking how far a secondary has processed that log, and the registry
// tracking per-object sync state on a secondary.
//
// Each abstraction ships with an in-memory implementation for tests and
// single-process setups, a Postgres implementation for production, and a
// SQLite implementation for single-node secondaries.
package datastore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotExist is returned when a requested record is not in the store.
	ErrNotExist = errors.New("record does not exist")
	// ErrCursorConflict is returned when a cursor advance loses a
	// compare-and-swap race, i.e. another poller moved the cursor first.
	ErrCursorConflict = errors.New("cursor was advanced concurrently")
)

// EventLog is the append-only, globally ordered record of mutation
// notifications. Entries are never updated or deleted; sequence IDs are
// strictly increasing and never reused, also under concurrent writers.
type EventLog interface {
	// Append writes a new event and returns it with its assigned
	// sequence ID. Implementations backed by a database accept the
	// caller's transaction so the event shares the durability boundary
	// of the mutation it announces; a failed append must surface as a
	// hard error to the caller.
	Append(ctx context.Context, change Change) (Event, error)
	// ReadAfter returns up to limit events with a sequence ID strictly
	// greater than after, in ascending order.
	ReadAfter(ctx context.Context, after uint64, limit int) ([]Event, error)
}

// CursorStore persists per-consumer bookmarks into the event log. A cursor
// only ever moves forward, and only after the event at the new position has
// been handled successfully.
type CursorStore interface {
	// Position returns the last processed sequence ID for the consumer.
	// An unknown consumer starts at position 0.
	Position(ctx context.Context, consumer string) (uint64, error)
	// Advance moves the consumer's cursor from to to. It fails with
	// ErrCursorConflict when the stored position no longer equals from.
	Advance(ctx context.Context, consumer string, from, to uint64) error
}

// SyncState is the replication state of a single tracked object.
type SyncState string

// The registry state machine: pending -> started -> synced|failed;
// failed -> pending on a retry sweep; synced -> pending when a new event
// for the object arrives.
const (
	StatePending SyncState = "pending"
	StateStarted SyncState = "started"
	StateSynced  SyncState = "synced"
	StateFailed  SyncState = "failed"
)

// RegistryRecord is the durable replication state of one object on this
// secondary.
type RegistryRecord struct {
	ObjectKind ObjectKind
	ObjectID   int64
	State      SyncState
	// RetryCount is the number of failed sync attempts since the last
	// full state reset. A successful sync keeps the count as history.
	RetryCount int
	// RetryAt is the earliest time a failed record becomes eligible for
	// the retry sweep.
	RetryAt      time.Time
	LastSyncedAt *time.Time
	// LastSyncFailure is a human readable cause of the last failure,
	// empty when the last attempt succeeded.
	LastSyncFailure string
	// VerificationChecksum is the digest verified after the last
	// successful transfer, empty when the primary had none to offer.
	VerificationChecksum    string
	LastVerificationFailure string
	// ChecksumMismatch reports that bytes arrived but did not match the
	// primary's recorded digest. Distinct from connectivity failure so
	// operators can tell corruption from network trouble.
	ChecksumMismatch bool
	// Resync forces the record back to pending regardless of its
	// current state on the next sweep.
	Resync bool
	// MissingOnPrimary marks objects whose source no longer exists.
	// Such records are not swept back to pending automatically.
	MissingOnPrimary bool
}

// RegistryFailure describes a failed sync attempt for recording on the
// registry.
type RegistryFailure struct {
	// Cause is the human readable failure reason.
	Cause string
	// ChecksumMismatch is set when bytes arrived but did not verify.
	ChecksumMismatch bool
	// MissingOnPrimary is set when the primary reported the object gone.
	MissingOnPrimary bool
	// RetryAt is the backoff deadline after which the retry sweep may
	// return the record to pending.
	RetryAt time.Time
}

// Registry tracks per-object replication state. Rows are created lazily by
// MarkPending on the first event referencing an object and removed by
// Delete when the object is gone for good. The replication engine is the
// only writer.
type Registry interface {
	// Get returns the record for the object or ErrNotExist.
	Get(ctx context.Context, kind ObjectKind, id int64) (RegistryRecord, error)
	// MarkPending creates the record if needed and moves it to pending,
	// clearing the resync flag.
	MarkPending(ctx context.Context, kind ObjectKind, id int64) error
	// Start moves the record to started on the first transfer attempt.
	Start(ctx context.Context, kind ObjectKind, id int64) error
	// MarkSynced records a successful, verified sync. The verification
	// checksum may be empty when the primary had none recorded.
	MarkSynced(ctx context.Context, kind ObjectKind, id int64, verificationChecksum string) error
	// MarkFailed records a failed attempt: state failed, retry count
	// incremented, cause and flags recorded.
	MarkFailed(ctx context.Context, kind ObjectKind, id int64, failure RegistryFailure) error
	// Delete removes the record. Deleting an absent record is a no-op.
	Delete(ctx context.Context, kind ObjectKind, id int64) error
	// RequestResync flags the record for a forced return to pending.
	// When clearChecksum is set the recorded verification checksum is
	// discarded as well.
	RequestResync(ctx context.Context, kind ObjectKind, id int64, clearChecksum bool) error
	// ResyncAll flags every record for resync and returns how many were
	// flagged.
	ResyncAll(ctx context.Context) (int64, error)
	// Sweep returns records to pending that are due for a retry: failed
	// records past their RetryAt deadline that are not missing on the
	// primary, plus any record flagged for resync. It reports how many
	// records it moved.
	Sweep(ctx context.Context, now time.Time) (int64, error)
	// List returns up to limit records, optionally filtered by kind
	// (empty kind matches all), ordered by kind then object ID.
	List(ctx context.Context, kind ObjectKind, limit int) ([]RegistryRecord, error)
	// CountByState returns the number of records per state.
	CountByState(ctx context.Context) (map[SyncState]int, error)
}
