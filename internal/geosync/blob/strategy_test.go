package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
	"gitlab.com/gitlab-org/geosync/internal/geosync/transfer"
	"gitlab.com/gitlab-org/geosync/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.VerifyNoGoroutines(m)
}

type stubFetcher struct {
	// content is written to destPath on a successful fetch.
	content string
	// results are returned in order; once exhausted the fetch succeeds.
	results []transfer.Result
	calls   int
}

func (f *stubFetcher) Fetch(_ context.Context, _ datastore.ObjectKind, _ int64, _ string, destPath string) transfer.Result {
	f.calls++
	if len(f.results) > 0 {
		result := f.results[0]
		f.results = f.results[1:]
		return result
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return transfer.Result{Err: err}
	}
	if err := os.WriteFile(destPath, []byte(f.content), 0o644); err != nil {
		return transfer.Result{Err: err}
	}

	return transfer.Result{
		Success:          true,
		BytesTransferred: int64(len(f.content)),
		Checksum:         "digest-of-" + f.content,
	}
}

func noBackoff(int) time.Duration { return 0 }

func setupStrategy(t *testing.T, fetcher Fetcher) (*Strategy, *datastore.MemoryRegistry, Locator) {
	t.Helper()

	registry := datastore.NewMemoryRegistry()
	locator := HashedLocator{Root: t.TempDir()}
	return NewStrategy(testhelper.NewDiscardingLogger(), registry, fetcher, locator, noBackoff), registry, locator
}

func TestStrategySync(t *testing.T) {
	ctx := context.Background()

	fetcher := &stubFetcher{content: "blob bytes"}
	strategy, registry, locator := setupStrategy(t, fetcher)

	require.NoError(t, strategy.Sync(ctx, datastore.ObjectAttachment, 1))

	record, err := registry.Get(ctx, datastore.ObjectAttachment, 1)
	require.NoError(t, err)
	require.Equal(t, datastore.StateSynced, record.State)
	require.Equal(t, "digest-of-blob bytes", record.VerificationChecksum)
	require.Zero(t, record.RetryCount)
	require.NotNil(t, record.LastSyncedAt)

	content, err := os.ReadFile(locator.Path(datastore.ObjectAttachment, 1))
	require.NoError(t, err)
	require.Equal(t, "blob bytes", string(content))
}

func TestStrategySyncRetriesKeepHistory(t *testing.T) {
	ctx := context.Background()

	fetcher := &stubFetcher{
		content: "third time lucky",
		results: []transfer.Result{
			{Err: errors.New("connection reset")},
			{Err: errors.New("connection reset")},
		},
	}
	strategy, registry, _ := setupStrategy(t, fetcher)

	require.Error(t, strategy.Sync(ctx, datastore.ObjectJobArtifact, 7))
	require.Error(t, strategy.Sync(ctx, datastore.ObjectJobArtifact, 7))
	require.NoError(t, strategy.Sync(ctx, datastore.ObjectJobArtifact, 7))

	record, err := registry.Get(ctx, datastore.ObjectJobArtifact, 7)
	require.NoError(t, err)
	require.Equal(t, datastore.StateSynced, record.State)
	require.Equal(t, 2, record.RetryCount, "retry count is kept as history after success")
}

func TestStrategySyncBackoffSchedulesRetry(t *testing.T) {
	ctx := context.Background()

	fetcher := &stubFetcher{results: []transfer.Result{{Err: errors.New("timeout")}}}
	registry := datastore.NewMemoryRegistry()
	backoff := func(retries int) time.Duration { return time.Duration(retries+1) * time.Minute }
	strategy := NewStrategy(testhelper.NewDiscardingLogger(), registry, fetcher, HashedLocator{Root: t.TempDir()}, backoff)

	before := time.Now()
	require.Error(t, strategy.Sync(ctx, datastore.ObjectAttachment, 3))

	record, err := registry.Get(ctx, datastore.ObjectAttachment, 3)
	require.NoError(t, err)
	require.Equal(t, datastore.StateFailed, record.State)
	require.Equal(t, "timeout", record.LastSyncFailure)
	require.True(t, record.RetryAt.After(before.Add(time.Minute-time.Second)),
		"first failure backs off by at least the base delay")
}

func TestStrategySyncChecksumMismatch(t *testing.T) {
	ctx := context.Background()

	fetcher := &stubFetcher{results: []transfer.Result{{
		BytesTransferred: 11,
		ChecksumMismatch: true,
		Err:              errors.New("checksum mismatch: got aa, want bb"),
	}}}
	strategy, registry, _ := setupStrategy(t, fetcher)

	require.Error(t, strategy.Sync(ctx, datastore.ObjectAttachment, 5))

	record, err := registry.Get(ctx, datastore.ObjectAttachment, 5)
	require.NoError(t, err)
	require.Equal(t, datastore.StateFailed, record.State)
	require.True(t, record.ChecksumMismatch)
	require.False(t, record.MissingOnPrimary)
	require.Contains(t, record.LastSyncFailure, "checksum mismatch")
}

func TestStrategySyncPrimaryMissing(t *testing.T) {
	ctx := context.Background()

	fetcher := &stubFetcher{results: []transfer.Result{{
		PrimaryMissing: true,
		Err:            errors.New("primary reports object missing (object)"),
	}}}
	strategy, registry, _ := setupStrategy(t, fetcher)

	// a missing source is recorded but the event is acknowledged
	require.NoError(t, strategy.Sync(ctx, datastore.ObjectJobArtifact, 9))

	record, err := registry.Get(ctx, datastore.ObjectJobArtifact, 9)
	require.NoError(t, err)
	require.Equal(t, datastore.StateFailed, record.State)
	require.True(t, record.MissingOnPrimary)

	// the missing record is not picked up by the retry sweep
	moved, err := registry.Sweep(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, moved)
}

func TestStrategyRemoveIdempotent(t *testing.T) {
	ctx := context.Background()

	fetcher := &stubFetcher{content: "short lived"}
	strategy, registry, locator := setupStrategy(t, fetcher)

	require.NoError(t, strategy.Sync(ctx, datastore.ObjectAttachment, 2))
	path := locator.Path(datastore.ObjectAttachment, 2)

	require.NoError(t, strategy.Remove(ctx, datastore.ObjectAttachment, 2))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, err = registry.Get(ctx, datastore.ObjectAttachment, 2)
	require.ErrorIs(t, err, datastore.ErrNotExist)

	// a second delivery of the same delete event is a no-op
	require.NoError(t, strategy.Remove(ctx, datastore.ObjectAttachment, 2))
}

func TestStrategyResync(t *testing.T) {
	ctx := context.Background()

	fetcher := &stubFetcher{content: "verified bytes"}
	strategy, registry, _ := setupStrategy(t, fetcher)

	require.NoError(t, strategy.Sync(ctx, datastore.ObjectAttachment, 4))

	require.NoError(t, strategy.Resync(ctx, datastore.ObjectAttachment, 4, true))

	record, err := registry.Get(ctx, datastore.ObjectAttachment, 4)
	require.NoError(t, err)
	require.Equal(t, datastore.StatePending, record.State)
	require.True(t, record.Resync)
	require.Empty(t, record.VerificationChecksum, "checksum reset discards the recorded digest")
}

func TestStrategyResyncUnknownObject(t *testing.T) {
	ctx := context.Background()

	strategy, registry, _ := setupStrategy(t, &stubFetcher{})

	require.NoError(t, strategy.Resync(ctx, datastore.ObjectRepository, 99, false))

	record, err := registry.Get(ctx, datastore.ObjectRepository, 99)
	require.NoError(t, err)
	require.Equal(t, datastore.StatePending, record.State)
}

func TestHashedLocatorLayout(t *testing.T) {
	locator := HashedLocator{Root: "/var/opt/geosync"}

	first := locator.Path(datastore.ObjectAttachment, 42)
	require.Equal(t, first, locator.Path(datastore.ObjectAttachment, 42), "paths are deterministic")
	require.NotEqual(t, first, locator.Path(datastore.ObjectJobArtifact, 42), "kinds do not collide")
	require.NotEqual(t, first, locator.Path(datastore.ObjectAttachment, 43))

	require.True(t, strings.HasPrefix(first, "/var/opt/geosync/attachment/@hashed/"))

	rel, err := filepath.Rel("/var/opt/geosync/attachment/@hashed", first)
	require.NoError(t, err)
	parts := strings.Split(rel, string(filepath.Separator))
	require.Len(t, parts, 3)
	require.Len(t, parts[0], 2)
	require.Len(t, parts[1], 2)
	require.Len(t, parts[2], 64)
	require.True(t, strings.HasPrefix(parts[2], parts[0]+parts[1]))
}

func TestLocalStoreLookup(t *testing.T) {
	ctx := context.Background()

	locator := HashedLocator{Root: t.TempDir()}
	store := NewLocalStore(locator)

	_, err := store.Lookup(ctx, datastore.ObjectAttachment, 1)
	require.ErrorIs(t, err, transfer.ErrUnknownObject)

	store.Register(datastore.ObjectAttachment, 1, "abc123")

	info, err := store.Lookup(ctx, datastore.ObjectAttachment, 1)
	require.NoError(t, err)
	require.Equal(t, datastore.ObjectAttachment, info.Kind)
	require.Equal(t, int64(1), info.ID)
	require.Equal(t, "abc123", info.Checksum)
	require.Equal(t, locator.Path(datastore.ObjectAttachment, 1), info.Path)

	store.Forget(datastore.ObjectAttachment, 1)
	_, err = store.Lookup(ctx, datastore.ObjectAttachment, 1)
	require.ErrorIs(t, err, transfer.ErrUnknownObject)
}

func TestLocalStoreSeedFromEvents(t *testing.T) {
	ctx := context.Background()

	events := datastore.NewMemoryEventLog()
	for _, change := range []datastore.Change{
		datastore.RepositoryCreated{RepositoryID: 1, Path: "group/a"},
		datastore.RepositoryCreated{RepositoryID: 2, Path: "group/b"},
		datastore.RepositoryUpdated{RepositoryID: 1, Path: "group/a"},
		datastore.RepositoryDeleted{RepositoryID: 2, DeletedPath: "group/b"},
		datastore.ContainerRepositoryUpdated{ContainerRepositoryID: 3, Path: "group/a/image"},
		datastore.JobArtifactDeleted{ArtifactID: 4, FilePath: "artifacts/4"},
		datastore.CacheInvalidation{Key: "some-key"},
	} {
		_, err := events.Append(ctx, change)
		require.NoError(t, err)
	}

	store := NewLocalStore(HashedLocator{Root: t.TempDir()})
	replayed, err := store.SeedFromEvents(ctx, events)
	require.NoError(t, err)
	require.Equal(t, 7, replayed)

	info, err := store.Lookup(ctx, datastore.ObjectRepository, 1)
	require.NoError(t, err)
	require.Empty(t, info.Checksum)

	_, err = store.Lookup(ctx, datastore.ObjectContainerRepository, 3)
	require.NoError(t, err)

	// deleted during replay, so the restarted primary must not serve it
	_, err = store.Lookup(ctx, datastore.ObjectRepository, 2)
	require.ErrorIs(t, err, transfer.ErrUnknownObject)

	_, err = store.Lookup(ctx, datastore.ObjectJobArtifact, 4)
	require.ErrorIs(t, err, transfer.ErrUnknownObject)
}

func TestLocalStoreRemove(t *testing.T) {
	locator := HashedLocator{Root: t.TempDir()}
	store := NewLocalStore(locator)

	path := locator.Path(datastore.ObjectJobArtifact, 8)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("artifact"), 0o644))
	store.Register(datastore.ObjectJobArtifact, 8, "")

	require.NoError(t, store.Remove(datastore.ObjectJobArtifact, 8))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// removing an already removed object is fine
	require.NoError(t, store.Remove(datastore.ObjectJobArtifact, 8))
}
