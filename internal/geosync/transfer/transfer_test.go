package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
	"gitlab.com/gitlab-org/geosync/internal/testhelper"
)

type mockObjectStore struct {
	objects map[int64]ObjectInfo
}

func (m mockObjectStore) Lookup(_ context.Context, _ datastore.ObjectKind, id int64) (ObjectInfo, error) {
	info, ok := m.objects[id]
	if !ok {
		return ObjectInfo{}, ErrUnknownObject
	}
	return info, nil
}

func digestOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func setupTransfer(t *testing.T, store ObjectStore, token string) (*httptest.Server, *Client) {
	t.Helper()

	server, err := NewServer(testhelper.NewDiscardingLogger(), store, token)
	require.NoError(t, err)

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	client := NewClient(testhelper.NewDiscardingLogger(), srv.URL, token, 10*time.Second)
	return srv, client
}

func TestFetchRoundTrip(t *testing.T) {
	const content = "artifact payload"

	primaryDir := t.TempDir()
	source := filepath.Join(primaryDir, "42")
	require.NoError(t, os.WriteFile(source, []byte(content), 0o644))

	store := mockObjectStore{objects: map[int64]ObjectInfo{
		42: {Kind: datastore.ObjectJobArtifact, ID: 42, Path: source, Checksum: digestOf(content)},
	}}
	_, client := setupTransfer(t, store, "secret")

	dest := filepath.Join(t.TempDir(), "artifacts", "42")
	result := client.Fetch(context.Background(), datastore.ObjectJobArtifact, 42, digestOf(content), dest)

	require.NoError(t, result.Err)
	require.True(t, result.Success)
	require.False(t, result.PrimaryMissing)
	require.Equal(t, int64(len(content)), result.BytesTransferred)
	require.Equal(t, digestOf(content), result.Checksum)

	replicated, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, string(replicated))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestFetchChecksumMismatch(t *testing.T) {
	const content = "actual bytes"

	primaryDir := t.TempDir()
	source := filepath.Join(primaryDir, "7")
	require.NoError(t, os.WriteFile(source, []byte(content), 0o644))

	// the store's recorded checksum does not match what is on disk,
	// i.e. the bytes were corrupted after the checksum was taken
	store := mockObjectStore{objects: map[int64]ObjectInfo{
		7: {Kind: datastore.ObjectAttachment, ID: 7, Path: source, Checksum: digestOf("original bytes")},
	}}
	_, client := setupTransfer(t, store, "")

	dest := filepath.Join(t.TempDir(), "7")
	result := client.Fetch(context.Background(), datastore.ObjectAttachment, 7, digestOf("original bytes"), dest)

	require.False(t, result.Success)
	require.False(t, result.PrimaryMissing)
	require.True(t, result.ChecksumMismatch)
	require.Equal(t, int64(len(content)), result.BytesTransferred, "bytes counted even on failure")
	require.Error(t, result.Err)
	require.Contains(t, result.Err.Error(), "checksum mismatch")

	_, err := os.Stat(dest)
	require.True(t, os.IsNotExist(err), "mismatching bytes must not be renamed into place")
}

func TestFetchStaleChecksum(t *testing.T) {
	const content = "current bytes"

	source := filepath.Join(t.TempDir(), "9")
	require.NoError(t, os.WriteFile(source, []byte(content), 0o644))

	store := mockObjectStore{objects: map[int64]ObjectInfo{
		9: {Kind: datastore.ObjectAttachment, ID: 9, Path: source, Checksum: digestOf(content)},
	}}
	_, client := setupTransfer(t, store, "")

	dest := filepath.Join(t.TempDir(), "9")
	result := client.Fetch(context.Background(), datastore.ObjectAttachment, 9, digestOf("old belief"), dest)

	require.False(t, result.Success)
	require.False(t, result.PrimaryMissing)
	require.True(t, result.ChecksumMismatch)
	require.Zero(t, result.BytesTransferred)

	_, err := os.Stat(dest)
	require.True(t, os.IsNotExist(err))
}

func TestFetchPrimaryMissing(t *testing.T) {
	_, client := setupTransfer(t, mockObjectStore{objects: map[int64]ObjectInfo{}}, "")

	destDir := t.TempDir()
	dest := filepath.Join(destDir, "gone")
	result := client.Fetch(context.Background(), datastore.ObjectJobArtifact, 404, "", dest)

	require.False(t, result.Success)
	require.True(t, result.PrimaryMissing)
	require.Zero(t, result.BytesTransferred)

	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	require.Empty(t, entries, "no file may be written for a missing object")
}

func TestFetchFileMissingOnDisk(t *testing.T) {
	store := mockObjectStore{objects: map[int64]ObjectInfo{
		1: {Kind: datastore.ObjectJobArtifact, ID: 1, Path: filepath.Join(t.TempDir(), "vanished")},
	}}
	_, client := setupTransfer(t, store, "")

	result := client.Fetch(context.Background(), datastore.ObjectJobArtifact, 1, "", filepath.Join(t.TempDir(), "dest"))

	require.False(t, result.Success)
	require.True(t, result.PrimaryMissing, "file loss on the primary is a missing source for the client")
	require.Zero(t, result.BytesTransferred)
}

func TestFetchUnverifiedWhenNoChecksumKnown(t *testing.T) {
	const content = "no recorded digest"

	source := filepath.Join(t.TempDir(), "3")
	require.NoError(t, os.WriteFile(source, []byte(content), 0o644))

	store := mockObjectStore{objects: map[int64]ObjectInfo{
		3: {Kind: datastore.ObjectAttachment, ID: 3, Path: source},
	}}
	_, client := setupTransfer(t, store, "")

	dest := filepath.Join(t.TempDir(), "3")
	result := client.Fetch(context.Background(), datastore.ObjectAttachment, 3, "", dest)

	// the server computes the digest on the fly, so the transfer still
	// verifies end to end
	require.True(t, result.Success)
	require.Equal(t, digestOf(content), result.Checksum)
}

func TestFetchCancelled(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	client := NewClient(testhelper.NewDiscardingLogger(), srv.URL, "", 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	dest := filepath.Join(t.TempDir(), "dest")
	result := client.Fetch(ctx, datastore.ObjectJobArtifact, 1, "", dest)

	require.False(t, result.Success)
	require.Error(t, result.Err)

	_, err := os.Stat(dest)
	require.True(t, os.IsNotExist(err), "a cancelled fetch must not install a file")
}

// registeringObjectStore is a mock store that also accepts registrations,
// resolving object paths under dir.
type registeringObjectStore struct {
	dir     string
	objects map[int64]ObjectInfo
}

func (m *registeringObjectStore) path(kind datastore.ObjectKind, id int64) string {
	return filepath.Join(m.dir, string(kind)+"-"+strconv.FormatInt(id, 10))
}

func (m *registeringObjectStore) Lookup(_ context.Context, _ datastore.ObjectKind, id int64) (ObjectInfo, error) {
	info, ok := m.objects[id]
	if !ok {
		return ObjectInfo{}, ErrUnknownObject
	}
	return info, nil
}

func (m *registeringObjectStore) Register(kind datastore.ObjectKind, id int64, checksum string) {
	m.objects[id] = ObjectInfo{Kind: kind, ID: id, Path: m.path(kind, id), Checksum: checksum}
}

func (m *registeringObjectStore) Forget(_ datastore.ObjectKind, id int64) {
	delete(m.objects, id)
}

func TestServerRegistration(t *testing.T) {
	const content = "attachment bytes"

	store := &registeringObjectStore{dir: t.TempDir(), objects: map[int64]ObjectInfo{}}
	srv, client := setupTransfer(t, store, "secret")

	do := func(t *testing.T, method, path string, header map[string]string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, nil)
		require.NoError(t, err)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	auth := map[string]string{HeaderToken: "secret"}

	t.Run("register requires token", func(t *testing.T) {
		resp := do(t, http.MethodPut, "/objects/attachment/7", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Empty(t, store.objects)
	})

	t.Run("registered object is served", func(t *testing.T) {
		require.NoError(t, os.WriteFile(store.path(datastore.ObjectAttachment, 7), []byte(content), 0o644))

		resp := do(t, http.MethodPut, "/objects/attachment/7", map[string]string{
			HeaderToken:    "secret",
			HeaderChecksum: digestOf(content),
		})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		dest := filepath.Join(t.TempDir(), "7")
		result := client.Fetch(context.Background(), datastore.ObjectAttachment, 7, "", dest)
		require.NoError(t, result.Err)
		require.True(t, result.Success)
		require.Equal(t, digestOf(content), result.Checksum)
	})

	t.Run("withdrawn object reports missing", func(t *testing.T) {
		resp := do(t, http.MethodDelete, "/objects/attachment/7", auth)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		resp = do(t, http.MethodGet, "/objects/attachment/7", auth)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		require.Equal(t, MissingObject, resp.Header.Get(HeaderMissing))
	})

	t.Run("read-only store refuses registration", func(t *testing.T) {
		readonly, _ := setupTransfer(t, mockObjectStore{objects: map[int64]ObjectInfo{}}, "secret")

		req, err := http.NewRequest(http.MethodPut, readonly.URL+"/objects/attachment/7", nil)
		require.NoError(t, err)
		req.Header.Set(HeaderToken, "secret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestServerValidation(t *testing.T) {
	const content = "bytes"

	source := filepath.Join(t.TempDir(), "5")
	require.NoError(t, os.WriteFile(source, []byte(content), 0o644))

	store := mockObjectStore{objects: map[int64]ObjectInfo{
		5: {Kind: datastore.ObjectJobArtifact, ID: 5, Path: source, Checksum: digestOf(content)},
	}}

	srv, _ := setupTransfer(t, store, "secret")

	get := func(t *testing.T, path string, header map[string]string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		for k, v := range header {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	auth := map[string]string{HeaderToken: "secret"}

	t.Run("missing token", func(t *testing.T) {
		resp := get(t, "/objects/job_artifact/5", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong token", func(t *testing.T) {
		resp := get(t, "/objects/job_artifact/5", map[string]string{HeaderToken: "guess"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("malformed path", func(t *testing.T) {
		resp := get(t, "/objects/nope", auth)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown object", func(t *testing.T) {
		resp := get(t, "/objects/job_artifact/99", auth)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		require.Equal(t, MissingObject, resp.Header.Get(HeaderMissing))
	})

	t.Run("kind mismatch", func(t *testing.T) {
		resp := get(t, "/objects/attachment/5", auth)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("stale request checksum", func(t *testing.T) {
		resp := get(t, "/objects/job_artifact/5?checksum="+digestOf("stale belief"), auth)
		require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
		require.Empty(t, resp.Header.Get(HeaderMissing))
	})

	t.Run("success carries checksum header", func(t *testing.T) {
		resp := get(t, "/objects/job_artifact/5?checksum="+digestOf(content), auth)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, digestOf(content), resp.Header.Get(HeaderChecksum))
	})
}
