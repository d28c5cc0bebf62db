// Command mediafetch runs the download pipeline as a standalone worker
// daemon: it accepts links over a small HTTP surface, executes them on
// the scheduler's worker pool and exposes Prometheus metrics.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/swagaswaga777/kachokvideo-bot/internal/artifact"
	"github.com/swagaswaga777/kachokvideo-bot/internal/classify"
	"github.com/swagaswaga777/kachokvideo-bot/internal/config"
	"github.com/swagaswaga777/kachokvideo-bot/internal/deliver"
	"github.com/swagaswaga777/kachokvideo-bot/internal/extract"
	"github.com/swagaswaga777/kachokvideo-bot/internal/extract/ytdlp"
	"github.com/swagaswaga777/kachokvideo-bot/internal/fetch"
	"github.com/swagaswaga777/kachokvideo-bot/internal/mediaproc"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
	"github.com/swagaswaga777/kachokvideo-bot/internal/pipeline"
	"github.com/swagaswaga777/kachokvideo-bot/internal/quota"
	"github.com/swagaswaga777/kachokvideo-bot/internal/route"
	"github.com/swagaswaga777/kachokvideo-bot/internal/scheduler"
)

const shutdownGrace = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	provider := observability.NewProvider(observability.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
	})
	logger := provider.Logger("main")
	ctx := context.Background()

	app, err := buildApplication(ctx, cfg, provider)
	if err != nil {
		logger.Error(ctx, "startup failed", err, nil)
		os.Exit(1)
	}

	app.sched.Start()
	srv := startHTTP(cfg, provider, app.svc)
	logger.Info(ctx, "mediafetch started", observability.Fields{
		"workers":       cfg.WorkerCount,
		"metrics_addr":  cfg.MetricsAddr,
		"large_channel": cfg.LargeChannelOn,
		"low_resource":  cfg.LowResourceMode,
	})

	waitForSignal()
	logger.Info(ctx, "shutting down", nil)

	stopCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	if err := app.sched.Stop(stopCtx); err != nil {
		logger.Warn(ctx, "shutdown exceeded grace period", observability.Fields{"error": err.Error()})
	}
	_ = srv.Shutdown(stopCtx)
}

// application is the assembled pipeline.
type application struct {
	svc   *pipeline.Service
	sched *scheduler.Scheduler
}

func buildApplication(ctx context.Context, cfg *config.Config, provider *observability.Provider) (*application, error) {
	classifier := classify.New(classify.Options{
		Hosts:        cfg.PlatformHosts,
		MaxHops:      cfg.MaxRedirectHops,
		MaxURLLength: cfg.MaxURLLength,
	}, provider.Logger("classify"))

	engine := ytdlp.New(cfg.YtDlpPath)
	extractor := extract.NewAdapter(engine, extract.Config{
		Timeout:         cfg.ExtractTimeout,
		Retries:         cfg.ExtractRetries,
		BaseDelay:       cfg.RetryBaseDelay,
		InstagramCookie: cfg.InstagramCookie,
	}, provider)

	gate := route.New(route.Config{
		StandardCapBytes: cfg.StandardCapBytes,
		LargeCapBytes:    cfg.LargeCapBytes,
		LargeChannelOn:   cfg.LargeChannelOn,
		LowResourceMode:  cfg.LowResourceMode,
		UnknownSizeCap:   cfg.UnknownSizeCap,
	}, provider)

	store, err := artifact.NewStore(cfg.TempDir, provider)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.New(nil, store, cfg.DownloadTimeout, provider)
	merger := mediaproc.NewFFmpegMerger(cfg.FFmpegPath, cfg.MergeTimeout, provider)

	standard := deliver.NewStandardChannel(cfg.StandardUploadURL, nil, provider.Logger("deliver"))
	large, err := buildLargeChannel(ctx, cfg, provider)
	if err != nil {
		return nil, err
	}
	manager := deliver.NewManager(standard, large, merger, store, cfg.UploadTimeout, provider)

	tracker := buildTracker(cfg, provider)

	runner := pipeline.NewRunner(extractor, gate, fetcher, manager,
		pipeline.Caps{Standard: cfg.StandardCapBytes, Large: cfg.LargeCapBytes}, provider)
	sched := scheduler.New(scheduler.Config{
		WorkerCount:      cfg.WorkerCount,
		MaxQueueDepth:    cfg.MaxQueueDepth,
		PriorityBoostAge: cfg.PriorityBoostAge,
	}, runner, tracker, provider)

	svc := pipeline.New(classifier, extractor, gate, sched, provider)
	return &application{svc: svc, sched: sched}, nil
}

// buildLargeChannel returns nil when the large-file channel is off;
// delivery then fails closed for oversized routes.
func buildLargeChannel(ctx context.Context, cfg *config.Config, provider *observability.Provider) (deliver.Channel, error) {
	if !cfg.LargeChannelOn {
		return nil, nil
	}
	client, err := deliver.NewS3Client(ctx, cfg.S3Region)
	if err != nil {
		return nil, err
	}
	return deliver.NewLargeFileChannel(client, cfg.S3Bucket, cfg.S3Prefix, provider.Logger("deliver")), nil
}

func buildTracker(cfg *config.Config, provider *observability.Provider) quota.Tracker {
	limits := quota.Limits{
		FreeConcurrent:    cfg.FreeConcurrent,
		PremiumConcurrent: cfg.PremiumConcurrent,
		AdminConcurrent:   cfg.AdminConcurrent,
		FreePerWindow:     cfg.FreePerWindow,
		PremiumPerWindow:  cfg.PremiumPerWindow,
		Window:            cfg.QuotaWindow,
	}
	if cfg.RedisAddr == "" {
		return quota.NewMemoryTracker(limits, nil)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return quota.NewRedisTracker(client, limits, nil, provider.Logger("quota"))
}

func startHTTP(cfg *config.Config, provider *observability.Provider, svc *pipeline.Service) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(provider.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	registerJobRoutes(mux, svc, provider.Logger("http"))

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()
	return srv
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
