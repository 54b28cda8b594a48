package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
	"gitlab.com/gitlab-org/geosync/internal/safe"
)

// blobPerm is the canonical mode of replicated files on a secondary.
const blobPerm = 0o644

// Result is the outcome of a single fetch. It is consumed immediately by
// the calling strategy and never persisted.
type Result struct {
	// Success reports that the bytes are verified and in place.
	Success bool
	// BytesTransferred counts the bytes received off the wire, also on
	// failure, for diagnostics.
	BytesTransferred int64
	// PrimaryMissing distinguishes "the source object no longer exists"
	// from a generic failure.
	PrimaryMissing bool
	// ChecksumMismatch reports that bytes arrived in full but their digest
	// did not match the expected one. Reported separately from generic
	// failure so corruption is distinguishable from network trouble.
	ChecksumMismatch bool
	// Checksum is the digest of the received bytes when they verified.
	Checksum string
	// Err carries the failure cause for logging and registry records.
	Err error
}

// Client is the secondary half of the transfer protocol.
type Client struct {
	log        logrus.FieldLogger
	baseURL    string
	authToken  string
	httpClient *http.Client

	bytesTotal   *prometheus.CounterVec
	fetchSeconds *prometheus.HistogramVec
}

// NewClient returns a transfer client fetching from the primary at baseURL.
// timeout bounds a whole fetch including the body; a cancelled or timed out
// fetch is a failure and never leaves a partial file in place.
func NewClient(log logrus.FieldLogger, baseURL, authToken string, timeout time.Duration) *Client {
	return &Client{
		log:        log.WithField("component", "transfer.Client"),
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geosync_transfer_bytes_total",
			Help: "Bytes received from the primary, including failed fetches.",
		}, []string{"kind"}),
		fetchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "geosync_transfer_fetch_seconds",
			Help: "Time spent fetching one object from the primary.",
		}, []string{"kind"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Client) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Client) Collect(ch chan<- prometheus.Metric) {
	c.bytesTotal.Collect(ch)
	c.fetchSeconds.Collect(ch)
}

// Fetch downloads the object into destPath. The body is streamed into a
// temporary file next to destPath and only renamed into place after the
// digest verified, so a reader never observes partial bytes.
// expectedChecksum is the caller's belief about the object's digest and may
// be empty.
func (c *Client) Fetch(ctx context.Context, kind datastore.ObjectKind, id int64, expectedChecksum, destPath string) Result {
	start := time.Now()
	result := c.fetch(ctx, kind, id, expectedChecksum, destPath)

	c.fetchSeconds.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	c.bytesTotal.WithLabelValues(string(kind)).Add(float64(result.BytesTransferred))

	return result
}

func (c *Client) fetch(ctx context.Context, kind datastore.ObjectKind, id int64, expectedChecksum, destPath string) Result {
	correlationID := uuid.New().String()
	log := c.log.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"object_kind":    kind,
		"object_id":      id,
	})

	req, err := c.newRequest(ctx, kind, id, expectedChecksum, correlationID)
	if err != nil {
		return Result{Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("transfer request failed")
		return Result{Err: fmt.Errorf("fetching object: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if marker := resp.Header.Get(HeaderMissing); marker != "" {
			log.WithField("missing", marker).Info("object gone on primary")
			return Result{
				PrimaryMissing: true,
				Err:            fmt.Errorf("primary reports object missing (%s)", marker),
			}
		}
		if resp.StatusCode == http.StatusPreconditionFailed {
			// Our belief about the checksum is stale. Retrying with the
			// same parameters cannot succeed.
			log.Warn("primary rejected stale request checksum")
			return Result{
				ChecksumMismatch: true,
				Err:              errors.New("request checksum is stale on primary"),
			}
		}
		log.WithField("status", resp.StatusCode).Warn("primary refused transfer")
		return Result{Err: fmt.Errorf("unexpected response status: %d", resp.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		log.WithError(err).Error("creating destination directory")
		return Result{Err: fmt.Errorf("creating destination directory: %w", err)}
	}

	// The temp file is created in the destination directory so the final
	// rename stays on one filesystem and is atomic.
	writer, err := safe.NewFileWriter(destPath, safe.FileWriterConfig{FileMode: blobPerm})
	if err != nil {
		log.WithError(err).Error("creating temporary file")
		return Result{Err: fmt.Errorf("creating temporary file: %w", err)}
	}
	defer writer.Close()

	digester := sha256.New()
	received, err := io.Copy(io.MultiWriter(writer, digester), resp.Body)
	if err != nil {
		log.WithError(err).WithField("bytes", received).Warn("receiving object bytes")
		return Result{
			BytesTransferred: received,
			Err:              fmt.Errorf("receiving object bytes: %w", err),
		}
	}

	actual := hex.EncodeToString(digester.Sum(nil))

	// Prefer the digest the primary recorded for this exact response over
	// the caller's possibly stale belief.
	expected := resp.Header.Get(HeaderChecksum)
	if expected == "" {
		expected = expectedChecksum
	}

	if expected != "" && actual != expected {
		log.WithFields(logrus.Fields{"want": expected, "got": actual}).
			Warn("received bytes do not match checksum")
		return Result{
			BytesTransferred: received,
			ChecksumMismatch: true,
			Err:              fmt.Errorf("checksum mismatch: got %s, want %s", actual, expected),
		}
	}

	if expected == "" {
		log.Info("no checksum known on primary, storing unverified")
	}

	if err := writer.Commit(); err != nil {
		log.WithError(err).Error("committing downloaded file")
		return Result{
			BytesTransferred: received,
			Err:              fmt.Errorf("committing downloaded file: %w", err),
		}
	}

	log.WithField("bytes", received).Info("object fetched")
	return Result{Success: true, BytesTransferred: received, Checksum: actual}
}

func (c *Client) newRequest(ctx context.Context, kind datastore.ObjectKind, id int64, expectedChecksum, correlationID string) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing primary URL: %w", err)
	}
	u.Path = fmt.Sprintf("/objects/%s/%d", kind, id)
	if expectedChecksum != "" {
		u.RawQuery = url.Values{"checksum": {expectedChecksum}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.authToken != "" {
		req.Header.Set(HeaderToken, c.authToken)
	}
	req.Header.Set(HeaderCorrelationID, correlationID)

	return req, nil
}
