package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/sitedigest/sitedigest/internal/api"
	"github.com/sitedigest/sitedigest/internal/clock/system"
	"github.com/sitedigest/sitedigest/internal/config"
	"github.com/sitedigest/sitedigest/internal/crawler"
	"github.com/sitedigest/sitedigest/internal/dispatcher"
	"github.com/sitedigest/sitedigest/internal/extractor"
	collyfetcher "github.com/sitedigest/sitedigest/internal/fetcher/colly"
	"github.com/sitedigest/sitedigest/internal/hash/sha256"
	"github.com/sitedigest/sitedigest/internal/id/uuid"
	"github.com/sitedigest/sitedigest/internal/logging"
	"github.com/sitedigest/sitedigest/internal/policy/ratelimit"
	memorypublisher "github.com/sitedigest/sitedigest/internal/publisher/memory"
	pubsubpublisher "github.com/sitedigest/sitedigest/internal/publisher/pubsub"
	queuememory "github.com/sitedigest/sitedigest/internal/queue/memory"
	gcsstorage "github.com/sitedigest/sitedigest/internal/storage/gcs"
	localstorage "github.com/sitedigest/sitedigest/internal/storage/local"
	memorystorage "github.com/sitedigest/sitedigest/internal/storage/memory"
	"github.com/sitedigest/sitedigest/internal/storage/postgres"
	"github.com/sitedigest/sitedigest/internal/summarizer"
	"github.com/sitedigest/sitedigest/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobStore, closeJobStore, err := buildJobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("job store init failed", zap.Error(err))
	}
	defer closeJobStore()

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	eventPublisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer closePublisher()

	fetchRetry := crawler.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, cfg.BackoffInitial(), cfg.BackoffMax())
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RequestsPerSecond,
		DefaultBurst: cfg.RateLimit.Burst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: cfg.Crawler.MaxPageBytes,
	}, limiter, fetchRetry, logger.Named("fetcher"))

	summarizerClient, err := summarizer.New(summarizer.Config{
		Endpoint:        cfg.Summarizer.Endpoint,
		APIKey:          cfg.Summarizer.APIKey,
		Timeout:         cfg.SummarizerTimeout(),
		MaxContentBytes: cfg.Summarizer.MaxContentBytes,
		RPS:             cfg.Summarizer.RequestsPerSecond,
		Burst:           cfg.Summarizer.Burst,
	}, fetchRetry, logger.Named("summarizer"))
	if err != nil {
		logger.Fatal("summarizer init failed", zap.Error(err))
	}

	robots := crawler.NewRobotsEnforcer(cfg.Crawler.UserAgent, &http.Client{
		Timeout: cfg.FetchTimeout(),
	}, logger.Named("robots"))

	hasher := sha256.New()
	clock := system.New()
	idGen := uuid.New()
	registry := worker.NewRegistry()

	pipeline := worker.NewPipeline(
		jobStore,
		blobStore,
		eventPublisher,
		fetcher,
		extractor.New(logger.Named("extractor")),
		summarizerClient,
		robots,
		hasher,
		clock,
		idGen,
		registry,
		worker.Config{
			Concurrency:          cfg.Crawler.Concurrency,
			SummarizeConcurrency: cfg.Summarizer.Concurrency,
			MaxDepth:             cfg.Crawler.MaxDepthDefault,
			MaxPages:             cfg.Crawler.MaxPagesDefault,
			FailureRateThreshold: cfg.Crawler.FailureRateThreshold,
			FailureMinPages:      cfg.Crawler.FailureMinPages,
			CancelGrace:          cfg.CancelGrace(),
			BlobContentType:      cfg.Storage.ContentType,
			PageTopic:            cfg.PubSub.PageTopic,
			JobTopic:             cfg.PubSub.JobTopic,
		},
		logger.Named("pipeline"),
	)

	queue := queuememory.NewQueue(cfg.Crawler.QueueDepth)
	dispatch := dispatcher.New(queue, pipeline, cfg.Crawler.JobConcurrency, logger.Named("dispatcher"))

	apiServer := api.NewServer(jobStore, dispatch, registry, robots, idGen, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("runners", cfg.Crawler.JobConcurrency))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

func buildJobStore(ctx context.Context, cfg config.Config) (crawler.JobStore, func(), error) {
	if cfg.DB.DSN == "" {
		return memorystorage.NewJobStore(), func() {}, nil
	}
	store, err := postgres.NewJobStore(ctx, postgres.JobStoreConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres job store: %w", err)
	}
	return store, store.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (crawler.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "local":
		return localstorage.New(localstorage.Config{BaseDir: cfg.Storage.LocalDir})
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsstorage.New(client, gcsstorage.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (crawler.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		return memorypublisher.New(), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, nil, err
	}
	return pub, pub.Close, nil
}
