package extract

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
)

// fakeEngine scripts engine behavior per call.
type fakeEngine struct {
	calls    int
	lastOpts EngineOptions
	results  []func() (*EngineResult, error)
}

func (f *fakeEngine) Extract(ctx context.Context, url string, opts EngineOptions) (*EngineResult, error) {
	f.lastOpts = opts
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]()
}

func testProvider() *observability.Provider {
	return observability.NewProvider(observability.Config{
		ServiceName: "test",
		LogLevel:    "error",
		LogOutput:   io.Discard,
	})
}

func newAdapter(engine Engine, cfg Config) *Adapter {
	a := NewAdapter(engine, cfg, testProvider())
	a.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return a
}

func videoResult() *EngineResult {
	return &EngineResult{
		Kind:  domain.KindVideo,
		Title: "clip",
		Formats: []EngineFormat{
			{FormatID: "hd", URL: "https://cdn/hd", FileSize: 1 << 20, Height: 1080, HasAudio: true, HasVideo: true},
			{FormatID: "sd", URL: "https://cdn/sd", FileSize: 1 << 18, Height: 480, HasAudio: true, HasVideo: true},
		},
	}
}

func TestExtractOrdersFormatsBestFirst(t *testing.T) {
	engine := &fakeEngine{results: []func() (*EngineResult, error){
		func() (*EngineResult, error) {
			res := videoResult()
			// Deliberately worst-first input.
			res.Formats[0], res.Formats[1] = res.Formats[1], res.Formats[0]
			return res, nil
		},
	}}
	a := newAdapter(engine, Config{Retries: 0})

	media, err := a.Extract(context.Background(), "https://youtube.com/watch?v=x", domain.PlatformYouTube)
	require.NoError(t, err)
	require.Len(t, media.Formats, 2)
	assert.Equal(t, 1080, media.Formats[0].Height)
	assert.False(t, media.RequiresMerge)
}

func TestExtractPairsSplitStreamsForMerge(t *testing.T) {
	engine := &fakeEngine{results: []func() (*EngineResult, error){
		func() (*EngineResult, error) {
			return &EngineResult{
				Kind: domain.KindVideo,
				Formats: []EngineFormat{
					{FormatID: "video-hd", URL: "https://cdn/v-hd", FileSize: 1 << 22, Height: 1080, HasVideo: true},
					{FormatID: "audio-lo", URL: "https://cdn/a-lo", FileSize: 1 << 16, HasAudio: true},
					{FormatID: "audio-hi", URL: "https://cdn/a-hi", FileSize: 1 << 18, HasAudio: true},
				},
			}, nil
		},
	}}
	a := newAdapter(engine, Config{})

	media, err := a.Extract(context.Background(), "https://youtube.com/watch?v=x", domain.PlatformYouTube)
	require.NoError(t, err)
	assert.True(t, media.RequiresMerge)
	for _, f := range media.Formats {
		if f.ContainsVideo {
			assert.Equal(t, "https://cdn/a-hi", f.AudioURL, "video-only format %s must carry the best audio stream", f.FormatID)
		}
	}
}

func TestExtractNoAudioSourceMeansNoMerge(t *testing.T) {
	engine := &fakeEngine{results: []func() (*EngineResult, error){
		func() (*EngineResult, error) {
			return &EngineResult{
				Kind: domain.KindVideo,
				Formats: []EngineFormat{
					{FormatID: "video-hd", URL: "https://cdn/v-hd", FileSize: 1 << 22, Height: 1080, HasVideo: true},
				},
			}, nil
		},
	}}
	a := newAdapter(engine, Config{})

	media, err := a.Extract(context.Background(), "https://youtube.com/watch?v=x", domain.PlatformYouTube)
	require.NoError(t, err)
	assert.False(t, media.RequiresMerge, "a merge must not be promised without an audio stream")
	assert.Empty(t, media.Formats[0].AudioURL)
}

func TestExtractRetriesTransientFailures(t *testing.T) {
	engine := &fakeEngine{results: []func() (*EngineResult, error){
		func() (*EngineResult, error) {
			return nil, &EngineError{Code: domain.FailUpstreamRateLimited, Msg: "429"}
		},
		func() (*EngineResult, error) {
			return nil, &EngineError{Code: domain.FailUpstreamRateLimited, Msg: "429"}
		},
		func() (*EngineResult, error) { return videoResult(), nil },
	}}
	a := newAdapter(engine, Config{Retries: 2})

	media, err := a.Extract(context.Background(), "https://youtube.com/watch?v=x", domain.PlatformYouTube)
	require.NoError(t, err)
	assert.Equal(t, 3, engine.calls)
	assert.Equal(t, "clip", media.Title)
}

func TestExtractDoesNotRetryDefinitiveFailures(t *testing.T) {
	engine := &fakeEngine{results: []func() (*EngineResult, error){
		func() (*EngineResult, error) {
			return nil, &EngineError{Code: domain.FailUnsupportedContent, Msg: "video removed"}
		},
	}}
	a := newAdapter(engine, Config{Retries: 2})

	_, err := a.Extract(context.Background(), "https://youtube.com/watch?v=x", domain.PlatformYouTube)
	f, ok := domain.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, domain.FailUnsupportedContent, f.Code)
	assert.Equal(t, 1, engine.calls, "definitive failures must not be retried")
}

func TestExtractTimeoutProducesTimeoutFailure(t *testing.T) {
	engine := &fakeEngine{results: []func() (*EngineResult, error){
		func() (*EngineResult, error) {
			// Simulates an engine that never returns until its
			// context expires.
			time.Sleep(50 * time.Millisecond)
			return nil, context.DeadlineExceeded
		},
	}}
	a := newAdapter(engine, Config{Retries: 0, Timeout: 10 * time.Millisecond})

	_, err := a.Extract(context.Background(), "https://youtube.com/watch?v=x", domain.PlatformYouTube)
	f, ok := domain.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, domain.FailTimeout, f.Code)
}

func TestExtractTikTokWatermarkFallbackIsFlagged(t *testing.T) {
	engine := &fakeEngine{results: []func() (*EngineResult, error){
		func() (*EngineResult, error) {
			return &EngineResult{
				Kind: domain.KindVideo,
				Formats: []EngineFormat{
					{FormatID: "watermarked", URL: "https://cdn/wm", FileSize: 1 << 20, Height: 720, HasAudio: true, HasVideo: true},
				},
			}, nil
		},
	}}
	a := newAdapter(engine, Config{})

	media, err := a.Extract(context.Background(), "https://tiktok.com/@u/video/1", domain.PlatformTikTok)
	require.NoError(t, err)
	assert.True(t, media.Degraded, "watermarked fallback must be surfaced, not silent")
	assert.True(t, engine.lastOpts.PreferNoWatermark)
}

func TestExtractTikTokCleanSourceNotDegraded(t *testing.T) {
	engine := &fakeEngine{results: []func() (*EngineResult, error){
		func() (*EngineResult, error) {
			return &EngineResult{
				Kind: domain.KindVideo,
				Formats: []EngineFormat{
					{FormatID: "source", URL: "https://cdn/clean", FileSize: 1 << 20, Height: 720, HasAudio: true, HasVideo: true, NoWatermark: true},
				},
			}, nil
		},
	}}
	a := newAdapter(engine, Config{})

	media, err := a.Extract(context.Background(), "https://tiktok.com/@u/video/1", domain.PlatformTikTok)
	require.NoError(t, err)
	assert.False(t, media.Degraded)
}

func TestExtractInstagramCookiePassthrough(t *testing.T) {
	engine := &fakeEngine{results: []func() (*EngineResult, error){
		func() (*EngineResult, error) { return videoResult(), nil },
	}}
	a := newAdapter(engine, Config{InstagramCookie: "/etc/kachok/ig-cookies.txt"})

	_, err := a.Extract(context.Background(), "https://instagram.com/reel/x", domain.PlatformInstagram)
	require.NoError(t, err)
	assert.Equal(t, "/etc/kachok/ig-cookies.txt", engine.lastOpts.CookieFile)
}

func TestExtractAuthRequiredSurfaces(t *testing.T) {
	engine := &fakeEngine{results: []func() (*EngineResult, error){
		func() (*EngineResult, error) {
			return nil, &EngineError{Code: domain.FailAuthRequired, Msg: "login required"}
		},
	}}
	a := newAdapter(engine, Config{Retries: 2})

	_, err := a.Extract(context.Background(), "https://instagram.com/reel/x", domain.PlatformInstagram)
	f, ok := domain.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, domain.FailAuthRequired, f.Code)
	assert.Equal(t, 1, engine.calls)
}

func TestExtractEmptyFormatsRejected(t *testing.T) {
	engine := &fakeEngine{results: []func() (*EngineResult, error){
		func() (*EngineResult, error) { return &EngineResult{Kind: domain.KindVideo}, nil },
	}}
	a := newAdapter(engine, Config{})

	_, err := a.Extract(context.Background(), "https://youtube.com/watch?v=x", domain.PlatformYouTube)
	f, ok := domain.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, domain.FailUnsupportedContent, f.Code)
}
