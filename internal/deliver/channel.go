// Package deliver moves finished artifacts onto a delivery channel and
// guarantees the local files are removed afterwards, on success and on
// every failure path alike.
package deliver

import (
	"context"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
)

// Channel uploads one artifact to a delivery path. Implementations make
// exactly one attempt; retry policy belongs to the caller.
type Channel interface {
	Name() domain.Channel

	// Send uploads the file at path and returns an opaque reference to
	// the delivered artifact (message id, object key).
	Send(ctx context.Context, job *domain.DownloadJob, path string, size int64) (string, error)
}
