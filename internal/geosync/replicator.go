// Package geosync drives replication on a secondary: it follows the
// primary's event log through a durable cursor and routes each event to the
// blob replication strategy.
package geosync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
	"gitlab.com/gitlab-org/geosync/internal/helper"
)

// Strategy applies events to the local object store and records outcomes on
// the registry. *blob.Strategy is the production implementation.
type Strategy interface {
	Sync(ctx context.Context, kind datastore.ObjectKind, id int64) error
	Remove(ctx context.Context, kind datastore.ObjectKind, id int64) error
	Resync(ctx context.Context, kind datastore.ObjectKind, id int64, clearChecksum bool) error
}

// CacheInvalidator is notified of cache invalidation events. The default
// implementation does nothing.
type CacheInvalidator interface {
	Invalidate(key string)
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(string) {}

const defaultBatchSize = 10

// ReplMgr is the replication manager of one secondary consumer. It owns the
// consumer's cursor: at most one ReplMgr may run per consumer identity.
type ReplMgr struct {
	log         logrus.FieldLogger
	consumer    string
	storageName string
	events      datastore.EventLog
	cursors     datastore.CursorStore
	registry    datastore.Registry
	strategy    Strategy
	invalidator CacheInvalidator
	batchSize   int

	eventsTotal    *prometheus.CounterVec
	handlerSeconds *prometheus.HistogramVec
}

// ReplMgrOpt allows a replication manager to be configured with additional
// options.
type ReplMgrOpt func(*ReplMgr)

// WithBatchSize overrides how many events a single tick may drain.
func WithBatchSize(n int) ReplMgrOpt {
	return func(r *ReplMgr) {
		r.batchSize = n
	}
}

// WithCacheInvalidator wires a consumer for cache invalidation events.
func WithCacheInvalidator(ci CacheInvalidator) ReplMgrOpt {
	return func(r *ReplMgr) {
		r.invalidator = ci
	}
}

// NewReplMgr initializes a replication manager with the provided dependencies
// and options. consumer is the durable cursor identity; storageName is this
// node's storage and decides which bulk-change events apply here.
func NewReplMgr(
	log logrus.FieldLogger,
	consumer, storageName string,
	events datastore.EventLog,
	cursors datastore.CursorStore,
	registry datastore.Registry,
	strategy Strategy,
	opts ...ReplMgrOpt,
) *ReplMgr {
	r := &ReplMgr{
		log:         log.WithField("component", "geosync.ReplMgr").WithField("consumer", consumer),
		consumer:    consumer,
		storageName: storageName,
		events:      events,
		cursors:     cursors,
		registry:    registry,
		strategy:    strategy,
		invalidator: noopInvalidator{},
		batchSize:   defaultBatchSize,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geosync_replication_events_total",
			Help: "Number of replication events handled, by kind and outcome.",
		}, []string{"kind", "status"}),
		handlerSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "geosync_replication_handler_seconds",
			Help: "Time spent handling one replication event.",
		}, []string{"kind"}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Describe implements prometheus.Collector.
func (r *ReplMgr) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(r, ch)
}

// Collect implements prometheus.Collector.
func (r *ReplMgr) Collect(ch chan<- prometheus.Metric) {
	r.eventsTotal.Collect(ch)
	r.handlerSeconds.Collect(ch)
}

// ProcessBacklog follows the event log until ctx is done. Each tick drains
// up to the configured batch size of events, strictly in sequence order; a
// failing event stops the drain and is retried on the next tick.
func (r *ReplMgr) ProcessBacklog(ctx context.Context, ticker helper.Ticker) error {
	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}

		for i := 0; i < r.batchSize; i++ {
			advanced, err := r.poll(ctx)
			if err != nil {
				r.log.WithError(err).Error("processing replication event")
				break
			}
			if !advanced {
				break
			}
		}
	}
}

// poll handles the single next unprocessed event, if any. It reports whether
// the cursor advanced. The cursor only moves after the handler returned
// success, so a crash between handling and advancing redelivers the event;
// all handlers are idempotent for that reason.
func (r *ReplMgr) poll(ctx context.Context) (bool, error) {
	position, err := r.cursors.Position(ctx, r.consumer)
	if err != nil {
		return false, fmt.Errorf("reading cursor: %w", err)
	}

	events, err := r.events.ReadAfter(ctx, position, 1)
	if err != nil {
		return false, fmt.Errorf("reading events after %d: %w", position, err)
	}
	if len(events) == 0 {
		return false, nil
	}

	event := events[0]
	kind := string(event.Kind())

	start := time.Now()
	err = r.handle(ctx, event)
	r.handlerSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if err != nil {
		r.eventsTotal.WithLabelValues(kind, "fail").Inc()
		return false, fmt.Errorf("handling event %d (%s): %w", event.SequenceID, kind, err)
	}
	r.eventsTotal.WithLabelValues(kind, "ok").Inc()

	if err := r.cursors.Advance(ctx, r.consumer, position, event.SequenceID); err != nil {
		if errors.Is(err, datastore.ErrCursorConflict) {
			// Another poller for this consumer moved the cursor. The
			// event was handled twice; handlers are idempotent, so the
			// only thing to do is re-read the position next poll.
			r.log.WithField("sequence_id", event.SequenceID).
				Warn("cursor was advanced concurrently")
			return false, nil
		}
		return false, fmt.Errorf("advancing cursor to %d: %w", event.SequenceID, err)
	}

	return true, nil
}

// handle routes one event to the matching handler. Panics in a handler are
// recovered into errors so a single poisonous event cannot take the whole
// consumer down.
func (r *ReplMgr) handle(ctx context.Context, event datastore.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()

	switch change := event.Change.(type) {
	case datastore.RepositoryCreated:
		return r.strategy.Sync(ctx, datastore.ObjectRepository, change.RepositoryID)
	case datastore.RepositoryUpdated:
		return r.strategy.Sync(ctx, datastore.ObjectRepository, change.RepositoryID)
	case datastore.RepositoryDeleted:
		return r.strategy.Remove(ctx, datastore.ObjectRepository, change.RepositoryID)
	case datastore.RepositoryRenamed:
		// The local layout keys on the repository ID, so a rename moves
		// nothing on this node. Re-verify the copy instead.
		return r.strategy.Resync(ctx, datastore.ObjectRepository, change.RepositoryID, false)
	case datastore.HashedStorageMigrated:
		return r.strategy.Resync(ctx, datastore.ObjectRepository, change.RepositoryID, false)
	case datastore.HashedStorageAttachmentsMoved:
		return r.strategy.Resync(ctx, datastore.ObjectRepository, change.RepositoryID, false)
	case datastore.JobArtifactDeleted:
		return r.strategy.Remove(ctx, datastore.ObjectJobArtifact, change.ArtifactID)
	case datastore.ResetChecksum:
		return r.strategy.Resync(ctx, change.ObjectKind, change.ObjectID, true)
	case datastore.CacheInvalidation:
		r.invalidator.Invalidate(change.Key)
		return nil
	case datastore.ContainerRepositoryUpdated:
		return r.strategy.Sync(ctx, datastore.ObjectContainerRepository, change.ContainerRepositoryID)
	case datastore.RepositoriesChanged:
		if change.StorageName != r.storageName {
			return nil
		}
		flagged, err := r.registry.ResyncAll(ctx)
		if err != nil {
			return fmt.Errorf("resyncing all records: %w", err)
		}
		r.log.WithField("records", flagged).Info("storage changed on primary, full resync flagged")
		return nil
	default:
		// A newer primary may emit kinds this node does not know yet.
		// Acknowledging them is the only way to make progress.
		r.log.WithField("kind", event.Kind()).Warn("skipping event of unknown kind")
		return nil
	}
}

// ProcessRetries periodically returns due failed records to pending and
// re-syncs every record left in pending outside the event flow, i.e. records
// flagged for resync or swept back after a backoff.
func (r *ReplMgr) ProcessRetries(ctx context.Context, ticker helper.Ticker) error {
	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}

		moved, err := r.registry.Sweep(ctx, time.Now())
		if err != nil {
			r.log.WithError(err).Error("sweeping registry for retries")
			continue
		}
		if moved > 0 {
			r.log.WithField("records", moved).Info("returned records to pending for retry")
		}

		r.syncPending(ctx)
	}
}

func (r *ReplMgr) syncPending(ctx context.Context) {
	records, err := r.registry.List(ctx, "", 0)
	if err != nil {
		r.log.WithError(err).Error("listing registry records")
		return
	}

	for _, record := range records {
		if record.State != datastore.StatePending {
			continue
		}
		if err := r.strategy.Sync(ctx, record.ObjectKind, record.ObjectID); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"object_kind": record.ObjectKind,
				"object_id":   record.ObjectID,
			}).Warn("retrying object sync")
		}
	}
}
