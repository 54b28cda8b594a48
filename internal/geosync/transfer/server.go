// Package transfer implements the checksum-verified file fetch protocol
// between a primary and its secondaries. The server half runs next to the
// primary's object store and serves object bytes; the client half runs on a
// secondary and downloads them into place atomically.
package transfer

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/geosync/internal/checksum"
	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
)

// Protocol headers. The missing marker distinguishes "the object is gone on
// the primary" from any other failure so the client can short-circuit
// instead of retrying.
const (
	HeaderToken         = "X-Geosync-Token"
	HeaderChecksum      = "X-Geosync-Checksum"
	HeaderMissing       = "X-Geosync-Missing"
	HeaderCorrelationID = "X-Geosync-Correlation-Id"

	// MissingObject is the marker value when the object is unknown.
	MissingObject = "object"
	// MissingFile is the marker value when metadata exists but the bytes
	// are absent on disk. This is a data loss condition on the primary.
	MissingFile = "file"

	checksumCacheSize = 1024
)

// ErrUnknownObject is returned by an ObjectStore when no object with the
// requested ID is recorded.
var ErrUnknownObject = errors.New("unknown object")

// ObjectInfo describes a stored object on the primary.
type ObjectInfo struct {
	Kind datastore.ObjectKind
	ID   int64
	// Path is the absolute path of the object's bytes on disk.
	Path string
	// Checksum is the digest recorded when the object was written, empty
	// when none is known.
	Checksum string
}

// ObjectStore resolves object metadata on the primary. Lookup receives the
// kind the caller believes the object has; implementations return the
// recorded metadata so the server can detect a stale or cross-kind request.
type ObjectStore interface {
	Lookup(ctx context.Context, kind datastore.ObjectKind, id int64) (ObjectInfo, error)
}

// Registrar is the mutation surface of an object store. A store implementing
// it lets the server accept PUT and DELETE on object paths so the primary's
// mutation layer can announce objects after writing their bytes; a store
// without it serves fetches only.
type Registrar interface {
	Register(kind datastore.ObjectKind, id int64, checksum string)
	Forget(kind datastore.ObjectKind, id int64)
}

// Server is the primary half of the transfer protocol, an http.Handler
// serving object bytes under /objects/{kind}/{id}. When the object store
// implements Registrar, PUT and DELETE on the same paths mutate the store.
type Server struct {
	log       logrus.FieldLogger
	store     ObjectStore
	authToken string
	// checksums caches computed digests for objects whose store carries
	// none, keyed by path, size and mtime.
	checksums *lru.Cache
}

// NewServer returns a transfer server reading from the passed object store.
// authToken may be empty to disable the auth gate (tests only).
func NewServer(log logrus.FieldLogger, store ObjectStore, authToken string) (*Server, error) {
	cache, err := lru.New(checksumCacheSize)
	if err != nil {
		return nil, err
	}

	return &Server{
		log:       log.WithField("component", "transfer.Server"),
		store:     store,
		authToken: authToken,
		checksums: cache,
	}, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(HeaderCorrelationID)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	w.Header().Set(HeaderCorrelationID, correlationID)

	log := s.log.WithField("correlation_id", correlationID)

	if !s.authorized(r) {
		log.Warn("transfer request with missing or invalid token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	kind, id, err := parseObjectPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	log = log.WithFields(logrus.Fields{"object_kind": kind, "object_id": id})

	switch r.Method {
	case http.MethodGet:
		s.serveObject(w, r, log, kind, id)
	case http.MethodPut, http.MethodDelete:
		s.registerObject(w, r, log, kind, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// registerObject mutates the object store on behalf of the primary's
// mutation layer: PUT announces an object (with its write-time digest in the
// checksum header, may be empty), DELETE withdraws it. The file itself is
// owned by the mutation layer and never touched here.
func (s *Server) registerObject(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, kind datastore.ObjectKind, id int64) {
	registrar, ok := s.store.(Registrar)
	if !ok {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch r.Method {
	case http.MethodPut:
		registrar.Register(kind, id, r.Header.Get(HeaderChecksum))
		log.Info("object registered")
	case http.MethodDelete:
		registrar.Forget(kind, id)
		log.Info("object withdrawn")
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, kind datastore.ObjectKind, id int64) {
	info, err := s.store.Lookup(r.Context(), kind, id)
	if errors.Is(err, ErrUnknownObject) {
		log.Info("requested object is not recorded")
		w.Header().Set(HeaderMissing, MissingObject)
		http.Error(w, "object not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithError(err).Error("object lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if info.Kind != kind || info.ID != id {
		log.WithFields(logrus.Fields{"recorded_kind": info.Kind, "recorded_id": info.ID}).
			Warn("request does not match recorded object metadata")
		http.Error(w, "object metadata mismatch", http.StatusBadRequest)
		return
	}

	// The caller's belief about the checksum may be stale, e.g. the
	// object changed after the event that triggered the fetch. Such a
	// request must not be retried with the same parameters.
	if want := r.URL.Query().Get("checksum"); want != "" && info.Checksum != "" && want != info.Checksum {
		log.Warn("request checksum does not match recorded checksum")
		http.Error(w, "checksum mismatch", http.StatusPreconditionFailed)
		return
	}

	f, err := os.Open(info.Path)
	if os.IsNotExist(err) {
		// Metadata exists but the bytes are gone. This is data loss on
		// the primary, not a routine miss.
		log.WithField("path", info.Path).Error("object file missing on disk")
		w.Header().Set(HeaderMissing, MissingFile)
		http.Error(w, "object file missing", http.StatusNotFound)
		return
	}
	if err != nil {
		log.WithError(err).Error("opening object file")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		log.WithError(err).Error("stat object file")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	digest := info.Checksum
	if digest == "" {
		digest, err = s.cachedChecksum(info.Path, fi)
		if err != nil {
			log.WithError(err).Error("computing object checksum")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set(HeaderChecksum, digest)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))

	if _, err := io.Copy(w, f); err != nil {
		// headers are already out, all we can do is log
		log.WithError(err).Warn("streaming object bytes")
		return
	}

	log.WithField("bytes", fi.Size()).Info("object served")
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	token := r.Header.Get(HeaderToken)
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func (s *Server) cachedChecksum(path string, fi os.FileInfo) (string, error) {
	key := fmt.Sprintf("%s|%d|%d", path, fi.Size(), fi.ModTime().UnixNano())
	if digest, ok := s.checksums.Get(key); ok {
		return digest.(string), nil
	}

	digest, err := checksum.File(path)
	if err != nil {
		return "", err
	}

	s.checksums.Add(key, digest)
	return digest, nil
}

func parseObjectPath(path string) (datastore.ObjectKind, int64, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "objects" {
		return "", 0, errors.New("malformed object path")
	}

	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed object id: %q", parts[2])
	}

	return datastore.ObjectKind(parts[1]), id, nil
}
