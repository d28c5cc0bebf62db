// Package config loads pipeline configuration from the environment.
// The core consumes this surface; it never mutates it at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for every tunable. They are policy, not contract: deployments
// override them through the environment.
const (
	DefaultTempDir            = "/tmp/kachok_dl"
	DefaultWorkerCount        = 4
	DefaultMaxQueueDepth      = 64
	DefaultStandardCapBytes   = 45 * 1024 * 1024
	DefaultLargeCapBytes      = 2000 * 1024 * 1024
	DefaultLowResourceCap     = 25 * 1024 * 1024
	DefaultUnknownSizeCap     = DefaultStandardCapBytes
	DefaultExtractTimeout     = 45 * time.Second
	DefaultDownloadTimeout    = 180 * time.Second
	DefaultUploadTimeout      = 120 * time.Second
	DefaultMergeTimeout       = 300 * time.Second
	DefaultExtractRetries     = 2
	DefaultRetryBaseDelay     = 1 * time.Second
	DefaultMaxRedirectHops    = 5
	DefaultMaxURLLength       = 2048
	DefaultFreeConcurrent     = 1
	DefaultPremiumConcurrent  = 3
	DefaultAdminConcurrent    = 5
	DefaultFreePerWindow      = 5
	DefaultPremiumPerWindow   = 30
	DefaultQuotaWindow        = time.Minute
	DefaultPriorityBoostAge   = 2 * time.Minute
	DefaultYtDlpPath          = "yt-dlp"
	DefaultFFmpegPath         = "ffmpeg"
	DefaultMetricsAddr        = ":9100"
)

// DefaultPlatformHosts is the whitelist shipped with the bot. Matching
// is exact or by suffix, so "tiktok.com" also admits "vm.tiktok.com".
const DefaultPlatformHosts = "youtube.com,youtu.be,music.youtube.com," +
	"tiktok.com,vm.tiktok.com,vt.tiktok.com," +
	"instagram.com,instagr.am," +
	"pinterest.com,pin.it," +
	"vk.com,vk.ru,vkvideo.ru," +
	"twitter.com,x.com,t.co,reddit.com,v.redd.it,vimeo.com"

// Config is the full configuration surface consumed by the pipeline.
type Config struct {
	// Classifier
	PlatformHosts   []string
	MaxRedirectHops int
	MaxURLLength    int

	// Channel caps and routing
	StandardCapBytes int64
	LargeCapBytes    int64
	LargeChannelOn   bool
	LowResourceMode  bool
	UnknownSizeCap   int64

	// Scheduler
	WorkerCount      int
	MaxQueueDepth    int
	PriorityBoostAge time.Duration

	// Per-tier quota defaults (used by the in-memory tracker)
	FreeConcurrent    int
	PremiumConcurrent int
	AdminConcurrent   int
	FreePerWindow     int
	PremiumPerWindow  int
	QuotaWindow       time.Duration

	// Timeouts and retries
	ExtractTimeout  time.Duration
	DownloadTimeout time.Duration
	UploadTimeout   time.Duration
	MergeTimeout    time.Duration
	ExtractRetries  int
	RetryBaseDelay  time.Duration

	// External tools
	TempDir         string
	YtDlpPath       string
	FFmpegPath      string
	InstagramCookie string // path to a Netscape cookie file, may be empty

	// Delivery
	StandardUploadURL string // transport upload endpoint for the standard channel
	S3Bucket          string // large-file channel; empty disables it
	S3Region          string
	S3Prefix          string

	// Quota tracker backend
	RedisAddr     string // empty selects the in-memory tracker
	RedisPassword string
	RedisDB       int

	// Observability
	ServiceName string
	Environment string
	LogLevel    string
	MetricsAddr string
}

// Load builds a Config from the environment, falling back to defaults.
func Load() (*Config, error) {
	cfg := &Config{
		PlatformHosts:   splitCSV(envStr("PLATFORM_HOSTS", DefaultPlatformHosts)),
		MaxRedirectHops: envInt("MAX_REDIRECT_HOPS", DefaultMaxRedirectHops),
		MaxURLLength:    envInt("MAX_URL_LENGTH", DefaultMaxURLLength),

		StandardCapBytes: envInt64("STANDARD_CAP_BYTES", DefaultStandardCapBytes),
		LargeCapBytes:    envInt64("LARGE_CAP_BYTES", DefaultLargeCapBytes),
		LargeChannelOn:   envBool("LARGE_CHANNEL_ENABLED", false),
		LowResourceMode:  envBool("LOW_RESOURCE_MODE", false),
		UnknownSizeCap:   envInt64("UNKNOWN_SIZE_CAP_BYTES", DefaultUnknownSizeCap),

		WorkerCount:      envInt("WORKER_COUNT", DefaultWorkerCount),
		MaxQueueDepth:    envInt("MAX_QUEUE_DEPTH", DefaultMaxQueueDepth),
		PriorityBoostAge: envDuration("PRIORITY_BOOST_AGE", DefaultPriorityBoostAge),

		FreeConcurrent:    envInt("FREE_CONCURRENT_LIMIT", DefaultFreeConcurrent),
		PremiumConcurrent: envInt("PREMIUM_CONCURRENT_LIMIT", DefaultPremiumConcurrent),
		AdminConcurrent:   envInt("ADMIN_CONCURRENT_LIMIT", DefaultAdminConcurrent),
		FreePerWindow:     envInt("FREE_PER_WINDOW", DefaultFreePerWindow),
		PremiumPerWindow:  envInt("PREMIUM_PER_WINDOW", DefaultPremiumPerWindow),
		QuotaWindow:       envDuration("QUOTA_WINDOW", DefaultQuotaWindow),

		ExtractTimeout:  envDuration("EXTRACT_TIMEOUT", DefaultExtractTimeout),
		DownloadTimeout: envDuration("DOWNLOAD_TIMEOUT", DefaultDownloadTimeout),
		UploadTimeout:   envDuration("UPLOAD_TIMEOUT", DefaultUploadTimeout),
		MergeTimeout:    envDuration("MERGE_TIMEOUT", DefaultMergeTimeout),
		ExtractRetries:  envInt("EXTRACT_RETRIES", DefaultExtractRetries),
		RetryBaseDelay:  envDuration("RETRY_BASE_DELAY", DefaultRetryBaseDelay),

		TempDir:         envStr("TEMP_DIR", DefaultTempDir),
		YtDlpPath:       envStr("YTDLP_PATH", DefaultYtDlpPath),
		FFmpegPath:      envStr("FFMPEG_PATH", DefaultFFmpegPath),
		InstagramCookie: os.Getenv("INSTAGRAM_COOKIE_FILE"),

		StandardUploadURL: os.Getenv("STANDARD_UPLOAD_URL"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Region:          envStr("S3_REGION", "us-east-1"),
		S3Prefix:          envStr("S3_PREFIX", "artifacts"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		ServiceName: envStr("SERVICE_NAME", "kachokvideo"),
		Environment: envStr("ENVIRONMENT", "development"),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		MetricsAddr: envStr("METRICS_ADDR", DefaultMetricsAddr),
	}

	// Low-resource deployments bound peak memory regardless of what
	// the environment asked for.
	if cfg.LowResourceMode {
		if cfg.StandardCapBytes > DefaultLowResourceCap {
			cfg.StandardCapBytes = DefaultLowResourceCap
		}
		cfg.LargeChannelOn = false
		if cfg.WorkerCount > 1 {
			cfg.WorkerCount = 1
		}
	}
	if cfg.S3Bucket == "" {
		cfg.LargeChannelOn = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run under.
func (c *Config) Validate() error {
	if len(c.PlatformHosts) == 0 {
		return fmt.Errorf("config: platform whitelist is empty")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("config: worker count must be positive, got %d", c.WorkerCount)
	}
	if c.MaxQueueDepth <= 0 {
		return fmt.Errorf("config: queue depth must be positive, got %d", c.MaxQueueDepth)
	}
	if c.StandardCapBytes <= 0 {
		return fmt.Errorf("config: standard channel cap must be positive")
	}
	if c.LargeChannelOn && c.LargeCapBytes <= c.StandardCapBytes {
		return fmt.Errorf("config: large channel cap %d must exceed standard cap %d",
			c.LargeCapBytes, c.StandardCapBytes)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToLower(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
