package datastore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// NewMemoryEventLog returns an in-memory implementation of the EventLog.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

// MemoryEventLog implements the event log with in-memory storage. It is
// intended for tests and for single-process setups where durability is not
// required.
type MemoryEventLog struct {
	sync.RWMutex
	seq    uint64 // used to generate unique sequence IDs for events
	events []Event
}

// Append assigns the next sequence ID under the lock, so IDs are unique and
// strictly increasing also with concurrent writers.
func (s *MemoryEventLog) Append(_ context.Context, change Change) (Event, error) {
	s.Lock()
	defer s.Unlock()

	s.seq++
	event := Event{
		SequenceID: s.seq,
		CreatedAt:  time.Now().UTC(),
		Change:     change,
	}
	s.events = append(s.events, event)
	return event, nil
}

// ReadAfter returns up to limit events following the given sequence ID.
func (s *MemoryEventLog) ReadAfter(_ context.Context, after uint64, limit int) ([]Event, error) {
	s.RLock()
	defer s.RUnlock()

	var result []Event
	for _, event := range s.events {
		if event.SequenceID <= after {
			continue
		}
		result = append(result, event)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// NewMemoryCursorStore returns an in-memory implementation of the
// CursorStore.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{positions: map[string]uint64{}}
}

// MemoryCursorStore implements per-consumer cursors in memory.
type MemoryCursorStore struct {
	sync.Mutex
	positions map[string]uint64
}

// Position returns the consumer's bookmark; unknown consumers start at 0.
func (s *MemoryCursorStore) Position(_ context.Context, consumer string) (uint64, error) {
	s.Lock()
	defer s.Unlock()
	return s.positions[consumer], nil
}

// Advance moves the bookmark with compare-and-swap semantics.
func (s *MemoryCursorStore) Advance(_ context.Context, consumer string, from, to uint64) error {
	s.Lock()
	defer s.Unlock()

	if s.positions[consumer] != from {
		return ErrCursorConflict
	}
	s.positions[consumer] = to
	return nil
}

type registryKey struct {
	kind ObjectKind
	id   int64
}

// NewMemoryRegistry returns an in-memory implementation of the Registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: map[registryKey]RegistryRecord{}}
}

// MemoryRegistry implements the registry state machine in memory.
type MemoryRegistry struct {
	sync.Mutex
	records map[registryKey]RegistryRecord
}

// Get implements Registry.
func (s *MemoryRegistry) Get(_ context.Context, kind ObjectKind, id int64) (RegistryRecord, error) {
	s.Lock()
	defer s.Unlock()

	record, ok := s.records[registryKey{kind, id}]
	if !ok {
		return RegistryRecord{}, ErrNotExist
	}
	return record, nil
}

// MarkPending implements Registry.
func (s *MemoryRegistry) MarkPending(_ context.Context, kind ObjectKind, id int64) error {
	s.Lock()
	defer s.Unlock()

	key := registryKey{kind, id}
	record, ok := s.records[key]
	if !ok {
		record = RegistryRecord{ObjectKind: kind, ObjectID: id}
	}
	record.State = StatePending
	record.Resync = false
	record.MissingOnPrimary = false
	s.records[key] = record
	return nil
}

// Start implements Registry.
func (s *MemoryRegistry) Start(_ context.Context, kind ObjectKind, id int64) error {
	return s.update(kind, id, func(record *RegistryRecord) {
		record.State = StateStarted
	})
}

// MarkSynced implements Registry.
func (s *MemoryRegistry) MarkSynced(_ context.Context, kind ObjectKind, id int64, verificationChecksum string) error {
	now := time.Now().UTC()
	return s.update(kind, id, func(record *RegistryRecord) {
		record.State = StateSynced
		record.LastSyncedAt = &now
		record.LastSyncFailure = ""
		record.VerificationChecksum = verificationChecksum
		record.LastVerificationFailure = ""
		record.ChecksumMismatch = false
		record.Resync = false
		record.MissingOnPrimary = false
	})
}

// MarkFailed implements Registry.
func (s *MemoryRegistry) MarkFailed(_ context.Context, kind ObjectKind, id int64, failure RegistryFailure) error {
	return s.update(kind, id, func(record *RegistryRecord) {
		record.State = StateFailed
		record.RetryCount++
		record.RetryAt = failure.RetryAt
		record.LastSyncFailure = failure.Cause
		record.ChecksumMismatch = failure.ChecksumMismatch
		if failure.ChecksumMismatch {
			record.LastVerificationFailure = failure.Cause
		}
		record.MissingOnPrimary = failure.MissingOnPrimary
	})
}

// Delete implements Registry. Deleting an absent record is a no-op so that
// redelivered delete events stay idempotent.
func (s *MemoryRegistry) Delete(_ context.Context, kind ObjectKind, id int64) error {
	s.Lock()
	defer s.Unlock()

	delete(s.records, registryKey{kind, id})
	return nil
}

// RequestResync implements Registry.
func (s *MemoryRegistry) RequestResync(_ context.Context, kind ObjectKind, id int64, clearChecksum bool) error {
	return s.update(kind, id, func(record *RegistryRecord) {
		record.Resync = true
		record.State = StatePending
		record.MissingOnPrimary = false
		if clearChecksum {
			record.VerificationChecksum = ""
		}
	})
}

// ResyncAll implements Registry.
func (s *MemoryRegistry) ResyncAll(_ context.Context) (int64, error) {
	s.Lock()
	defer s.Unlock()

	var flagged int64
	for key, record := range s.records {
		record.Resync = true
		record.State = StatePending
		record.MissingOnPrimary = false
		s.records[key] = record
		flagged++
	}
	return flagged, nil
}

// Sweep implements Registry.
func (s *MemoryRegistry) Sweep(_ context.Context, now time.Time) (int64, error) {
	s.Lock()
	defer s.Unlock()

	var moved int64
	for key, record := range s.records {
		due := record.State == StateFailed && !record.MissingOnPrimary && !record.RetryAt.After(now)
		if !due && !record.Resync {
			continue
		}
		record.State = StatePending
		record.Resync = false
		s.records[key] = record
		moved++
	}
	return moved, nil
}

// List implements Registry.
func (s *MemoryRegistry) List(_ context.Context, kind ObjectKind, limit int) ([]RegistryRecord, error) {
	s.Lock()
	defer s.Unlock()

	var result []RegistryRecord
	for _, record := range s.records {
		if kind != "" && record.ObjectKind != kind {
			continue
		}
		result = append(result, record)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ObjectKind != result[j].ObjectKind {
			return result[i].ObjectKind < result[j].ObjectKind
		}
		return result[i].ObjectID < result[j].ObjectID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CountByState implements Registry.
func (s *MemoryRegistry) CountByState(_ context.Context) (map[SyncState]int, error) {
	s.Lock()
	defer s.Unlock()

	counts := map[SyncState]int{}
	for _, record := range s.records {
		counts[record.State]++
	}
	return counts, nil
}

func (s *MemoryRegistry) update(kind ObjectKind, id int64, apply func(*RegistryRecord)) error {
	s.Lock()
	defer s.Unlock()

	key := registryKey{kind, id}
	record, ok := s.records[key]
	if !ok {
		return ErrNotExist
	}
	apply(&record)
	s.records[key] = record
	return nil
}
