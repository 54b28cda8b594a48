package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"

	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
)

// Locator derives the local storage path of a replicated object. Paths are
// deterministic in object kind and ID so every node resolves the same object
// to the same location under its own storage root, independent of the
// human-facing path the primary may rename at will.
type Locator interface {
	Path(kind datastore.ObjectKind, id int64) string
}

// HashedLocator lays objects out under a storage root in a two-level fan-out
// of the hex SHA-256 of the object ID:
//
//	<root>/<kind>/@hashed/ab/cd/abcd123...
//
// The fan-out keeps directory sizes bounded regardless of object count.
type HashedLocator struct {
	// Root is the absolute storage root of this node.
	Root string
}

// Path implements Locator.
func (l HashedLocator) Path(kind datastore.ObjectKind, id int64) string {
	sum := sha256.Sum256([]byte(strconv.FormatInt(id, 10)))
	digest := hex.EncodeToString(sum[:])

	return filepath.Join(l.Root, string(kind), "@hashed", digest[0:2], digest[2:4], digest)
}
