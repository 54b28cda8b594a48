package datastore

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies the type of mutation an event announces. Every kind
// maps to exactly one Change payload type.
type EventKind string

// The full set of event kinds the log can carry.
const (
	KindRepositoryCreated             EventKind = "repository_created"
	KindRepositoryUpdated             EventKind = "repository_updated"
	KindRepositoryDeleted             EventKind = "repository_deleted"
	KindRepositoryRenamed             EventKind = "repository_renamed"
	KindHashedStorageMigrated         EventKind = "hashed_storage_migrated"
	KindHashedStorageAttachmentsMoved EventKind = "hashed_storage_attachments_moved"
	KindJobArtifactDeleted            EventKind = "job_artifact_deleted"
	KindResetChecksum                 EventKind = "reset_checksum"
	KindCacheInvalidation             EventKind = "cache_invalidation"
	KindContainerRepositoryUpdated    EventKind = "container_repository_updated"
	KindRepositoriesChanged           EventKind = "repositories_changed"
)

// ObjectKind identifies a class of replicable object tracked by the
// registry.
type ObjectKind string

// Replicable object kinds.
const (
	ObjectRepository          ObjectKind = "repository"
	ObjectAttachment          ObjectKind = "attachment"
	ObjectJobArtifact         ObjectKind = "job_artifact"
	ObjectContainerRepository ObjectKind = "container_repository"
)

// Change is the payload of an event. Exactly one implementation exists per
// event kind; an event carries exactly one Change.
type Change interface {
	Kind() EventKind
}

// RepositoryCreated announces a repository that came into existence on the
// primary.
type RepositoryCreated struct {
	RepositoryID int64  `json:"repository_id"`
	Path         string `json:"path"`
	StorageName  string `json:"storage_name"`
}

// Kind implements Change.
func (RepositoryCreated) Kind() EventKind { return KindRepositoryCreated }

// RepositoryUpdated announces new content in an existing repository.
type RepositoryUpdated struct {
	RepositoryID int64  `json:"repository_id"`
	Path         string `json:"path"`
}

// Kind implements Change.
func (RepositoryUpdated) Kind() EventKind { return KindRepositoryUpdated }

// RepositoryDeleted announces a repository removed on the primary. The
// deleted path is recorded in the payload because the repository row itself
// is already gone.
type RepositoryDeleted struct {
	RepositoryID int64  `json:"repository_id"`
	DeletedPath  string `json:"deleted_path"`
}

// Kind implements Change.
func (RepositoryDeleted) Kind() EventKind { return KindRepositoryDeleted }

// RepositoryRenamed announces a repository moved to a new path.
type RepositoryRenamed struct {
	RepositoryID int64  `json:"repository_id"`
	OldPath      string `json:"old_path"`
	NewPath      string `json:"new_path"`
}

// Kind implements Change.
func (RepositoryRenamed) Kind() EventKind { return KindRepositoryRenamed }

// HashedStorageMigrated announces a repository migrated to hashed storage
// layout on disk.
type HashedStorageMigrated struct {
	RepositoryID int64  `json:"repository_id"`
	OldDiskPath  string `json:"old_disk_path"`
	NewDiskPath  string `json:"new_disk_path"`
}

// Kind implements Change.
func (HashedStorageMigrated) Kind() EventKind { return KindHashedStorageMigrated }

// HashedStorageAttachmentsMoved announces attachments relocated as part of a
// hashed storage migration.
type HashedStorageAttachmentsMoved struct {
	RepositoryID       int64  `json:"repository_id"`
	OldAttachmentsPath string `json:"old_attachments_path"`
	NewAttachmentsPath string `json:"new_attachments_path"`
}

// Kind implements Change.
func (HashedStorageAttachmentsMoved) Kind() EventKind { return KindHashedStorageAttachmentsMoved }

// JobArtifactDeleted announces a CI artifact removed on the primary.
type JobArtifactDeleted struct {
	ArtifactID int64  `json:"artifact_id"`
	FilePath   string `json:"file_path"`
}

// Kind implements Change.
func (JobArtifactDeleted) Kind() EventKind { return KindJobArtifactDeleted }

// ResetChecksum requests that the recorded verification checksum of an
// object is discarded and the object verified again.
type ResetChecksum struct {
	ObjectKind ObjectKind `json:"object_kind"`
	ObjectID   int64      `json:"object_id"`
}

// Kind implements Change.
func (ResetChecksum) Kind() EventKind { return KindResetChecksum }

// CacheInvalidation requests consumers to drop a cached key. It references
// no replicable object and has no registry row.
type CacheInvalidation struct {
	Key string `json:"key"`
}

// Kind implements Change.
func (CacheInvalidation) Kind() EventKind { return KindCacheInvalidation }

// ContainerRepositoryUpdated announces new content in a container registry
// repository.
type ContainerRepositoryUpdated struct {
	ContainerRepositoryID int64  `json:"container_repository_id"`
	Path                  string `json:"path"`
}

// Kind implements Change.
func (ContainerRepositoryUpdated) Kind() EventKind { return KindContainerRepositoryUpdated }

// RepositoriesChanged announces a bulk change of all repositories on a
// storage, e.g. after accepting data loss. Consumers attached to the named
// storage resync everything.
type RepositoriesChanged struct {
	StorageName string `json:"storage_name"`
}

// Kind implements Change.
func (RepositoriesChanged) Kind() EventKind { return KindRepositoriesChanged }

// Event is a single entry of the append-only log. Events are immutable once
// written; SequenceID is assigned at insert and strictly increasing.
type Event struct {
	SequenceID uint64
	CreatedAt  time.Time
	Change     Change
}

// Kind returns the kind of the wrapped change.
func (e Event) Kind() EventKind { return e.Change.Kind() }

// MarshalChange encodes a change payload for storage.
func MarshalChange(change Change) ([]byte, error) {
	return json.Marshal(change)
}

// UnmarshalChange decodes a stored payload back into its typed change
// according to kind.
func UnmarshalChange(kind EventKind, data []byte) (Change, error) {
	var change Change
	switch kind {
	case KindRepositoryCreated:
		change = &RepositoryCreated{}
	case KindRepositoryUpdated:
		change = &RepositoryUpdated{}
	case KindRepositoryDeleted:
		change = &RepositoryDeleted{}
	case KindRepositoryRenamed:
		change = &RepositoryRenamed{}
	case KindHashedStorageMigrated:
		change = &HashedStorageMigrated{}
	case KindHashedStorageAttachmentsMoved:
		change = &HashedStorageAttachmentsMoved{}
	case KindJobArtifactDeleted:
		change = &JobArtifactDeleted{}
	case KindResetChecksum:
		change = &ResetChecksum{}
	case KindCacheInvalidation:
		change = &CacheInvalidation{}
	case KindContainerRepositoryUpdated:
		change = &ContainerRepositoryUpdated{}
	case KindRepositoriesChanged:
		change = &RepositoriesChanged{}
	default:
		return nil, fmt.Errorf("unknown event kind: %q", kind)
	}

	if err := json.Unmarshal(data, change); err != nil {
		return nil, fmt.Errorf("unmarshal %q payload: %w", kind, err)
	}

	return deref(change), nil
}

// deref unwraps the pointer used for unmarshalling so events always carry
// value payloads.
func deref(change Change) Change {
	switch c := change.(type) {
	case *RepositoryCreated:
		return *c
	case *RepositoryUpdated:
		return *c
	case *RepositoryDeleted:
		return *c
	case *RepositoryRenamed:
		return *c
	case *HashedStorageMigrated:
		return *c
	case *HashedStorageAttachmentsMoved:
		return *c
	case *JobArtifactDeleted:
		return *c
	case *ResetChecksum:
		return *c
	case *CacheInvalidation:
		return *c
	case *ContainerRepositoryUpdated:
		return *c
	case *RepositoriesChanged:
		return *c
	default:
		return change
	}
}
