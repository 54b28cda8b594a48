package datastore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChangeRoundTrip(t *testing.T) {
	changes := []Change{
		RepositoryCreated{RepositoryID: 1, Path: "group/project.git", StorageName: "default"},
		RepositoryRenamed{RepositoryID: 1, OldPath: "group/old.git", NewPath: "group/new.git"},
		JobArtifactDeleted{ArtifactID: 42, FilePath: "artifacts/42/trace.log"},
		ResetChecksum{ObjectKind: ObjectRepository, ObjectID: 1},
		RepositoriesChanged{StorageName: "default"},
	}

	for _, change := range changes {
		t.Run(string(change.Kind()), func(t *testing.T) {
			payload, err := MarshalChange(change)
			require.NoError(t, err)

			decoded, err := UnmarshalChange(change.Kind(), payload)
			require.NoError(t, err)
			require.Equal(t, change, decoded)
		})
	}
}

func TestUnmarshalChangeUnknownKind(t *testing.T) {
	_, err := UnmarshalChange("chatter", []byte(`{}`))
	require.EqualError(t, err, `unknown event kind: "chatter"`)
}
