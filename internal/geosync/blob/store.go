package blob

import (
	"context"
	"os"
	"sync"

	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
	"gitlab.com/gitlab-org/geosync/internal/geosync/transfer"
)

type objectKey struct {
	kind datastore.ObjectKind
	id   int64
}

// LocalStore exposes the primary's blob layout to the transfer server. The
// mutation layer registers each object and, when it computed one at write
// time, its content digest; objects never registered are unknown to the
// server even when a file happens to exist at their path.
type LocalStore struct {
	locator Locator

	mu      sync.RWMutex
	objects map[objectKey]string
}

// NewLocalStore returns an empty store resolving paths through locator.
func NewLocalStore(locator Locator) *LocalStore {
	return &LocalStore{
		locator: locator,
		objects: make(map[objectKey]string),
	}
}

// seedBatchSize bounds one event log read during SeedFromEvents.
const seedBatchSize = 512

// SeedFromEvents replays the event log into the store so a restarted primary
// serves the objects it already announced. Creation and content events
// register their object with an empty digest, the server computes it on
// demand; deletions forget it. Later events win, matching the order the
// mutation layer applied them. It returns the number of events replayed.
//
// Kinds the log never announces (attachments, artifacts) reach the store
// through the transfer server's registration endpoint instead.
func (s *LocalStore) SeedFromEvents(ctx context.Context, events datastore.EventLog) (int, error) {
	var replayed int
	var after uint64

	for {
		batch, err := events.ReadAfter(ctx, after, seedBatchSize)
		if err != nil {
			return replayed, err
		}
		if len(batch) == 0 {
			return replayed, nil
		}

		for _, event := range batch {
			switch change := event.Change.(type) {
			case datastore.RepositoryCreated:
				s.Register(datastore.ObjectRepository, change.RepositoryID, "")
			case datastore.RepositoryUpdated:
				s.Register(datastore.ObjectRepository, change.RepositoryID, "")
			case datastore.RepositoryDeleted:
				s.Forget(datastore.ObjectRepository, change.RepositoryID)
			case datastore.ContainerRepositoryUpdated:
				s.Register(datastore.ObjectContainerRepository, change.ContainerRepositoryID, "")
			case datastore.JobArtifactDeleted:
				s.Forget(datastore.ObjectJobArtifact, change.ArtifactID)
			}
			after = event.SequenceID
			replayed++
		}
	}
}

// Register records an object as stored, with its write-time digest. An empty
// digest registers the object as stored but unverified; the transfer server
// then computes the digest on demand.
func (s *LocalStore) Register(kind datastore.ObjectKind, id int64, checksum string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey{kind: kind, id: id}] = checksum
}

// Forget removes an object from the store's metadata. The file itself is not
// touched.
func (s *LocalStore) Forget(kind datastore.ObjectKind, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectKey{kind: kind, id: id})
}

// Checksum returns the recorded write-time digest of an object, empty when
// none was recorded or the object is unknown.
func (s *LocalStore) Checksum(kind datastore.ObjectKind, id int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[objectKey{kind: kind, id: id}]
}

// Lookup implements transfer.ObjectStore. A registered object whose file has
// gone missing is still returned so the server can report the data loss
// distinctly from an unknown object.
func (s *LocalStore) Lookup(_ context.Context, kind datastore.ObjectKind, id int64) (transfer.ObjectInfo, error) {
	s.mu.RLock()
	checksum, ok := s.objects[objectKey{kind: kind, id: id}]
	s.mu.RUnlock()

	if !ok {
		return transfer.ObjectInfo{}, transfer.ErrUnknownObject
	}

	return transfer.ObjectInfo{
		Kind:     kind,
		ID:       id,
		Path:     s.locator.Path(kind, id),
		Checksum: checksum,
	}, nil
}

// Remove deletes an object's file and metadata. An already absent file is
// not an error.
func (s *LocalStore) Remove(kind datastore.ObjectKind, id int64) error {
	if err := os.Remove(s.locator.Path(kind, id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.Forget(kind, id)
	return nil
}
