package domain

import (
	"time"
)

// Platform identifies the source site of a submitted link.
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
	PlatformInstagram Platform = "instagram"
	PlatformPinterest Platform = "pinterest"
	PlatformVK        Platform = "vk"
	PlatformOther     Platform = "other"
)

// Tier is a user's service level. It determines rate limits and
// scheduling priority.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierAdmin   Tier = "admin"
)

// Priority returns the scheduling priority for the tier.
// Lower values are served first.
func (t Tier) Priority() int {
	switch t {
	case TierAdmin:
		return 0
	case TierPremium:
		return 1
	default:
		return 2
	}
}

// JobState is the lifecycle state of a DownloadJob.
type JobState string

const (
	StateQueued      JobState = "queued"
	StateExtracting  JobState = "extracting"
	StateGating      JobState = "gating"
	StateDownloading JobState = "downloading"
	StateDelivering  JobState = "delivering"
	StateCompleted   JobState = "completed"
	StateFailed      JobState = "failed"
	StateRejected    JobState = "rejected"
	StateCancelled   JobState = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected, StateCancelled:
		return true
	}
	return false
}

// stateOrder encodes the forward-only progression of non-terminal
// states. Failed and Cancelled are reachable from any of them.
var stateOrder = map[JobState]int{
	StateQueued:      0,
	StateExtracting:  1,
	StateGating:      2,
	StateDownloading: 3,
	StateDelivering:  4,
}

// CanTransition reports whether a job may move from one state to the
// next. Forward-only through the pipeline states; Failed and Cancelled
// are reachable from any non-terminal state.
func CanTransition(from, to JobState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateFailed, StateCancelled:
		return true
	case StateCompleted:
		return from == StateDelivering
	}
	fo, fok := stateOrder[from]
	to2, tok := stateOrder[to]
	if !fok || !tok {
		return false
	}
	return to2 > fo
}

// DownloadJob is the unit of work executed by the scheduler. A job is
// created only after classification, extraction and routing have all
// succeeded; exactly one worker executes it at a time.
type DownloadJob struct {
	ID           string
	UserID       int64
	SourceURL    string
	Platform     Platform
	State        JobState
	Priority     int // derived from tier at admission, immutable
	Tier         Tier
	Media        *ExtractedMedia
	Route        *RouteDecision
	ArtifactPath string // owned exclusively by the job until cleanup
	Degraded     bool   // quality degraded (e.g. watermarked fallback)
	FailureCode  string
	CreatedAt    time.Time
	TerminalAt   time.Time
}

// MediaKind describes what the extraction engine found behind a URL.
type MediaKind string

const (
	KindVideo    MediaKind = "single-video"
	KindPhoto    MediaKind = "single-photo"
	KindCarousel MediaKind = "photo-carousel"
	KindAudio    MediaKind = "audio"
)

// MediaFormat is one downloadable variant of an extracted post.
type MediaFormat struct {
	FormatID      string
	URL           string
	EstimatedSize int64 // bytes; 0 means unknown
	Height        int
	ContainsAudio bool
	ContainsVideo bool
	// AudioURL is set when this format is a video-only stream that
	// needs a separate audio stream merged in.
	AudioURL string
}

// ExtractedMedia is the normalized result of the Extraction Adapter.
// Formats are ordered best-quality-first.
type ExtractedMedia struct {
	Platform      Platform
	Kind          MediaKind
	Title         string
	Formats       []MediaFormat
	RequiresMerge bool
	Degraded      bool
	// ExpiresAt bounds the validity of format URLs. Zero means no
	// known expiry.
	ExpiresAt time.Time
}

// Expired reports whether the extracted format URLs can no longer be
// trusted at time now.
func (m *ExtractedMedia) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Channel is a delivery path with an associated size cap.
type Channel string

const (
	ChannelStandard Channel = "standard"
	ChannelLarge    Channel = "large-file"
)

// RouteDecision is the output of the size and route gate.
type RouteDecision struct {
	Format        MediaFormat
	Channel       Channel
	EstimatedSize int64
	RequiresMerge bool
}

// UserQuotaSnapshot is an immutable view of a user's limits, read from
// the quota tracker at admission time.
type UserQuotaSnapshot struct {
	Tier               Tier
	ConcurrentJobLimit int
	RequestsPerWindow  int
	WindowDuration     time.Duration
	RemainingInWindow  int
}

// JobOutcome summarizes a finished job for usage accounting.
type JobOutcome struct {
	JobID     string
	UserID    int64
	State     JobState
	Platform  Platform
	SizeBytes int64
}

// DeliveryResult is returned to the caller once a job reaches a
// terminal state.
type DeliveryResult struct {
	JobID     string
	Channel   Channel
	SizeBytes int64
	Title     string
	Degraded  bool
	// Reference locates the delivered artifact on the chosen channel
	// (message id, object key), opaque to the core.
	Reference string
}
