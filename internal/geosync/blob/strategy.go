// Package blob glues replication events to the transfer protocol and the
// registry. The strategy is the only component that talks to both: the
// dispatcher routes events here, and the registry records what came of them.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
	"gitlab.com/gitlab-org/geosync/internal/geosync/transfer"
)

// Fetcher downloads a single object from the primary into a local path.
// *transfer.Client is the production implementation.
type Fetcher interface {
	Fetch(ctx context.Context, kind datastore.ObjectKind, id int64, expectedChecksum, destPath string) transfer.Result
}

// Strategy binds an object kind to its registry key, its local storage path
// and the transfer calls that keep the local copy current.
type Strategy struct {
	log      logrus.FieldLogger
	registry datastore.Registry
	fetcher  Fetcher
	locator  Locator
	backoff  func(retries int) time.Duration
}

// NewStrategy returns a strategy recording outcomes on registry and storing
// fetched objects at the paths locator derives. backoff maps the current
// retry count of a failed record to the delay before the retry sweep may
// return it to pending.
func NewStrategy(
	log logrus.FieldLogger,
	registry datastore.Registry,
	fetcher Fetcher,
	locator Locator,
	backoff func(retries int) time.Duration,
) *Strategy {
	return &Strategy{
		log:      log.WithField("component", "blob.Strategy"),
		registry: registry,
		fetcher:  fetcher,
		locator:  locator,
		backoff:  backoff,
	}
}

// Sync replicates one object from the primary. The registry row moves
// pending, then started, then synced or failed depending on the transfer
// outcome. Sync is idempotent: re-syncing an object already in place fetches
// and verifies it again, converging on the same state.
//
// A missing source is recorded as failed with the missing flag and returns
// nil: the object is gone on the primary, retrying the event cannot help,
// and only an explicit resync or a new creation event revives the record.
// Every other failure is returned to the caller so the event is retried.
func (s *Strategy) Sync(ctx context.Context, kind datastore.ObjectKind, id int64) error {
	log := s.log.WithFields(logrus.Fields{"object_kind": kind, "object_id": id})

	if err := s.registry.MarkPending(ctx, kind, id); err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	if err := s.registry.Start(ctx, kind, id); err != nil {
		return fmt.Errorf("mark started: %w", err)
	}

	result := s.fetcher.Fetch(ctx, kind, id, "", s.locator.Path(kind, id))
	if result.Success {
		if err := s.registry.MarkSynced(ctx, kind, id, result.Checksum); err != nil {
			return fmt.Errorf("mark synced: %w", err)
		}
		log.WithField("bytes", result.BytesTransferred).Info("object synced")
		return nil
	}

	failure := datastore.RegistryFailure{
		Cause:            failureCause(result),
		ChecksumMismatch: result.ChecksumMismatch,
		MissingOnPrimary: result.PrimaryMissing,
		RetryAt:          time.Now().Add(s.backoff(s.retryCount(ctx, kind, id))),
	}
	if err := s.registry.MarkFailed(ctx, kind, id, failure); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	if result.PrimaryMissing {
		log.Warn("object missing on primary, sync abandoned until resync")
		return nil
	}

	log.WithError(result.Err).Warn("object sync failed")
	return result.Err
}

// Remove deletes the local copy and the registry row of an object. Both
// tolerate being already gone, so re-applying a delete event is a no-op.
func (s *Strategy) Remove(ctx context.Context, kind datastore.ObjectKind, id int64) error {
	path := s.locator.Path(kind, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}

	if err := s.registry.Delete(ctx, kind, id); err != nil {
		return fmt.Errorf("deleting registry record: %w", err)
	}

	s.log.WithFields(logrus.Fields{"object_kind": kind, "object_id": id}).Info("object removed")
	return nil
}

// Resync flags the object for a forced return to pending on the next retry
// sweep. clearChecksum additionally discards the recorded verification
// digest so the object is verified from scratch.
//
// A resync for an object with no registry row creates one in pending state,
// so an operator can revive an object this node never saw an event for.
func (s *Strategy) Resync(ctx context.Context, kind datastore.ObjectKind, id int64, clearChecksum bool) error {
	err := s.registry.RequestResync(ctx, kind, id, clearChecksum)
	if errors.Is(err, datastore.ErrNotExist) {
		err = s.registry.MarkPending(ctx, kind, id)
	}
	if err != nil {
		return fmt.Errorf("requesting resync: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"object_kind":    kind,
		"object_id":      id,
		"clear_checksum": clearChecksum,
	}).Info("object flagged for resync")
	return nil
}

func (s *Strategy) retryCount(ctx context.Context, kind datastore.ObjectKind, id int64) int {
	record, err := s.registry.Get(ctx, kind, id)
	if err != nil {
		return 0
	}
	return record.RetryCount
}

func failureCause(result transfer.Result) string {
	switch {
	case result.Err != nil:
		return result.Err.Error()
	case result.PrimaryMissing:
		return "object missing on primary"
	default:
		return "transfer failed"
	}
}
