// Package artifact owns the temporary files produced by downloads.
// Every artifact lives under a jobID-namespaced path so concurrent
// jobs never collide, and every artifact carries a release handle that
// deletes it exactly once regardless of which exit path runs it.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

// Store manages the artifact directory.
type Store struct {
	baseDir string
	logger  observability.Logger
	metrics observability.Metrics
}

// NewStore creates the base directory if needed.
func NewStore(baseDir string, provider *observability.Provider) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create base dir %s: %w", baseDir, err)
	}
	return &Store{
		baseDir: baseDir,
		logger:  provider.Logger("artifact"),
		metrics: provider.Metrics("artifact"),
	}, nil
}

// Handle is one job's claim on a local file. Release is safe to call
// any number of times from any exit path; the file is removed once.
type Handle struct {
	path    string
	store   *Store
	release sync.Once
}

// Path returns the artifact's location on disk.
func (h *Handle) Path() string { return h.path }

// Release deletes the artifact. Idempotent.
func (h *Handle) Release(ctx context.Context) {
	h.release.Do(func() {
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			h.store.logger.Error(ctx, "artifact delete failed", err, observability.Fields{"path": h.path})
			h.store.metrics.RecordError("release", "unlink")
			return
		}
		h.store.metrics.RecordSuccess("release")
		h.store.logger.Debug(ctx, "artifact released", observability.Fields{"path": h.path})
	})
}

// Create opens a new artifact file for jobID and returns its handle
// with a writer the caller must close.
func (s *Store) Create(ctx context.Context, jobID, filename string) (*Handle, *os.File, error) {
	path := s.pathFor(jobID, filename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("artifact: create %s: %w", path, err)
	}
	s.metrics.RecordSuccess("create")
	return &Handle{path: path, store: s}, f, nil
}

// Adopt wraps an existing file (e.g. a merge output) in a handle so it
// inherits the same release guarantee.
func (s *Store) Adopt(path string) *Handle {
	return &Handle{path: path, store: s}
}

// Save streams r into a new artifact for jobID, returning the handle
// and the byte count. The partial file is removed on write failure.
func (s *Store) Save(ctx context.Context, jobID, filename string, r io.Reader) (*Handle, int64, error) {
	h, f, err := s.Create(ctx, jobID, filename)
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		h.Release(ctx)
		return nil, 0, fmt.Errorf("artifact: write %s: %w", h.path, err)
	}
	s.metrics.RecordBytes("save", n)
	return h, n, nil
}

// PathFor exposes where an artifact for jobID would live, for callers
// that hand paths to external tools.
func (s *Store) PathFor(jobID, filename string) string {
	return s.pathFor(jobID, filename)
}

func (s *Store) pathFor(jobID, filename string) string {
	return filepath.Join(s.baseDir, jobID+"_"+SanitizeFilename(filename))
}

var unsafeFilenameChars = regexp.MustCompile(`[/\\:*?"<>|\x00-\x1f]`)

// SanitizeFilename strips path separators, control bytes and leading
// dots so engine-reported titles cannot traverse out of the base dir.
func SanitizeFilename(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if len(name) > 200 {
		ext := filepath.Ext(name)
		name = name[:200-len(ext)] + ext
	}
	if name == "" {
		return "file"
	}
	return name
}
