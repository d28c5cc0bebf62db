// Package fetch streams a chosen format URL into the artifact store
// under a hard size cap. The cap is enforced on actual bytes read, not
// on the upstream's claimed length.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/swagaswaga777/kachokvideo-bot/internal/artifact"
	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Doer issues the download requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads format URLs to local artifacts.
type Fetcher struct {
	client  Doer
	store   *artifact.Store
	timeout time.Duration
	logger  observability.Logger
	metrics observability.Metrics
}

// New creates a Fetcher. A nil client uses a default http.Client.
func New(client Doer, store *artifact.Store, timeout time.Duration, provider *observability.Provider) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Fetcher{
		client:  client,
		store:   store,
		timeout: timeout,
		logger:  provider.Logger("fetch"),
		metrics: provider.Metrics("fetch"),
	}
}

// Fetch downloads url into an artifact for jobID, failing if the body
// exceeds maxBytes. On any failure the partial artifact is released
// before returning.
func (f *Fetcher) Fetch(ctx context.Context, jobID, url, filename string, maxBytes int64, headers map[string]string) (*artifact.Handle, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	f.metrics.StartOperation("download")
	defer f.metrics.EndOperation("download")
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, domain.NewFailure(domain.FailUnknown, err, "build download request")
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			f.metrics.RecordError("download", string(domain.FailTimeout))
			return nil, 0, domain.NewFailure(domain.FailTimeout, err, "download exceeded %s", f.timeout)
		}
		f.metrics.RecordError("download", "network")
		return nil, 0, domain.NewFailure(domain.FailUnknown, err, "download request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		f.metrics.RecordError("download", fmt.Sprintf("status_%d", resp.StatusCode))
		return nil, 0, domain.NewFailure(domain.FailUnknown, nil, "unexpected status %d", resp.StatusCode)
	}

	// Read one byte past the cap so an oversize body is detected
	// without trusting Content-Length.
	limited := io.LimitReader(resp.Body, maxBytes+1)
	h, n, err := f.store.Save(ctx, jobID, filename, limited)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			f.metrics.RecordError("download", string(domain.FailTimeout))
			return nil, 0, domain.NewFailure(domain.FailTimeout, err, "download exceeded %s", f.timeout)
		}
		f.metrics.RecordError("download", "write")
		return nil, 0, domain.NewFailure(domain.FailUnknown, err, "save artifact")
	}
	if n > maxBytes {
		h.Release(ctx)
		f.metrics.RecordError("download", "oversize")
		return nil, 0, domain.NewFailure(domain.FailDeliveryFailed, nil, "body exceeded cap of %d bytes", maxBytes)
	}

	f.metrics.RecordSuccess("download")
	f.metrics.RecordBytes("download", n)
	f.metrics.RecordDuration("download", time.Since(start).Seconds())
	f.logger.Info(ctx, "download complete", observability.Fields{
		"bytes":       n,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return h, n, nil
}
