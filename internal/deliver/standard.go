package deliver

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

// Doer abstracts the HTTP client for tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StandardChannel posts the artifact to the transport's upload endpoint
// as a multipart form. It is the default path for anything under the
// standard size cap.
type StandardChannel struct {
	uploadURL string
	client    Doer
	logger    observability.Logger
}

// NewStandardChannel builds the standard channel. A nil client falls
// back to http.DefaultClient.
func NewStandardChannel(uploadURL string, client Doer, logger observability.Logger) *StandardChannel {
	if client == nil {
		client = http.DefaultClient
	}
	return &StandardChannel{uploadURL: uploadURL, client: client, logger: logger}
}

// Name implements Channel.
func (c *StandardChannel) Name() domain.Channel { return domain.ChannelStandard }

// Send implements Channel. The file is streamed through a pipe so the
// whole artifact is never held in memory.
func (c *StandardChannel) Send(ctx context.Context, job *domain.DownloadJob, path string, size int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", domain.NewFailure(domain.FailDeliveryFailed, err, "open artifact").
			WithDelivery(size, domain.ChannelStandard)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeForm(mw, job, f)
		mw.Close()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, pr)
	if err != nil {
		return "", domain.NewFailure(domain.FailDeliveryFailed, err, "build upload request").
			WithDelivery(size, domain.ChannelStandard)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", domain.NewFailure(domain.FailTimeout, err, "upload timed out").
				WithDelivery(size, domain.ChannelStandard)
		}
		return "", domain.NewFailure(domain.FailDeliveryFailed, err, "upload").
			WithDelivery(size, domain.ChannelStandard)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", domain.NewFailure(domain.FailDeliveryFailed, nil, "upload rejected: status %d: %s",
			resp.StatusCode, string(body)).WithDelivery(size, domain.ChannelStandard)
	}

	ref, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	c.logger.Info(ctx, "artifact delivered", observability.Fields{
		"job_id":  job.ID,
		"channel": string(domain.ChannelStandard),
		"bytes":   size,
	})
	return string(ref), nil
}

func writeForm(mw *multipart.Writer, job *domain.DownloadJob, f *os.File) error {
	if err := mw.WriteField("user_id", strconv.FormatInt(job.UserID, 10)); err != nil {
		return err
	}
	if err := mw.WriteField("job_id", job.ID); err != nil {
		return err
	}
	if job.Media != nil && job.Media.Title != "" {
		if err := mw.WriteField("caption", job.Media.Title); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(f.Name()))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}
