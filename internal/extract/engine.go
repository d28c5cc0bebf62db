package extract

import (
	"context"
	"time"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
)

// EngineOptions is the per-platform configuration handed to the
// external extraction engine.
type EngineOptions struct {
	// FormatPreference is an engine format selection expression,
	// ordered best-first.
	FormatPreference string
	// PreferNoWatermark asks the engine for the clean source variant
	// where the platform serves watermarked renditions by default.
	PreferNoWatermark bool
	// CookieFile is a path to a Netscape cookie jar for platforms that
	// gate content behind a session. Empty means anonymous.
	CookieFile string
	// Headers are extra HTTP headers the engine should send upstream.
	Headers map[string]string
}

// EngineFormat is one media variant as reported by the engine.
type EngineFormat struct {
	FormatID    string
	URL         string
	FileSize    int64 // bytes, 0 when the engine could not estimate
	Height      int
	HasAudio    bool
	HasVideo    bool
	NoWatermark bool
}

// EngineResult is the engine's raw answer, before normalization.
type EngineResult struct {
	Kind      domain.MediaKind
	Title     string
	Formats   []EngineFormat
	ExpiresAt time.Time
}

// Engine is the external extraction capability: given a platform URL
// and options it returns the available media variants. The adapter
// treats it as a black box.
type Engine interface {
	Extract(ctx context.Context, url string, opts EngineOptions) (*EngineResult, error)
}

// EngineError classifies engine failures so the adapter can decide
// whether to retry.
type EngineError struct {
	Code domain.FailureCode
	Msg  string
}

func (e *EngineError) Error() string { return e.Msg }

// Transient reports whether retrying the extraction may help.
func (e *EngineError) Transient() bool {
	switch e.Code {
	case domain.FailUpstreamRateLimited, domain.FailUnknown, domain.FailTimeout:
		return true
	}
	return false
}
