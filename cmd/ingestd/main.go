// Package main wires together the race-data ingestion service.
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

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JaysonBrenton/MRE-sub001/internal/api"
	"github.com/JaysonBrenton/MRE-sub001/internal/clock/system"
	"github.com/JaysonBrenton/MRE-sub001/internal/config"
	"github.com/JaysonBrenton/MRE-sub001/internal/connector"
	"github.com/JaysonBrenton/MRE-sub001/internal/discovery"
	"github.com/JaysonBrenton/MRE-sub001/internal/hash/sha256"
	"github.com/JaysonBrenton/MRE-sub001/internal/id/uuid"
	"github.com/JaysonBrenton/MRE-sub001/internal/ingest"
	"github.com/JaysonBrenton/MRE-sub001/internal/logging"
	"github.com/JaysonBrenton/MRE-sub001/internal/metrics"
	"github.com/JaysonBrenton/MRE-sub001/internal/pipeline"
	"github.com/JaysonBrenton/MRE-sub001/internal/politeness"
	memorypublisher "github.com/JaysonBrenton/MRE-sub001/internal/publisher/memory"
	pubsubpublisher "github.com/JaysonBrenton/MRE-sub001/internal/publisher/pubsub"
	"github.com/JaysonBrenton/MRE-sub001/internal/scheduler"
	gcsstorage "github.com/JaysonBrenton/MRE-sub001/internal/storage/gcs"
	localstorage "github.com/JaysonBrenton/MRE-sub001/internal/storage/local"
	memorystorage "github.com/JaysonBrenton/MRE-sub001/internal/storage/memory"
	"github.com/JaysonBrenton/MRE-sub001/internal/storage/postgres"
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
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, err := newEventStore(ctx, cfg)
	if err != nil {
		logger.Fatal("event store init failed", zap.Error(err))
	}
	defer events.Close()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	publisher, err := newPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn("publisher close failed", zap.Error(closeErr))
		}
	}()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	engine := politeness.NewEngine(politeness.Options{
		Matcher:       politeness.NewRuleMatcher(cfg.Scraper.Hosts),
		Oracle:        politeness.NewRobotsOracle(cfg.Scraper.UserAgent, logging.WithSubsystem(logger, "robots")),
		Cache:         politeness.NewConditionalCache(cfg.Cache.Capacity),
		Gate:          politeness.NewThrottleGate(nil),
		KillSwitchEnv: cfg.Scraper.KillSwitchEnv,
		UserAgent:     cfg.Scraper.UserAgent,
		Logger:        logging.WithSubsystem(logger, "politeness"),
	})

	conn := connector.New(engine, connector.Config{
		Timeout:   cfg.FetchTimeout(),
		GlobalRPS: cfg.Scraper.GlobalRPS,
	}, logging.WithSubsystem(logger, "connector"))

	pipe := pipeline.New(
		conn,
		events,
		blobs,
		publisher,
		hasher,
		clock,
		idGen,
		pipeline.Config{
			BaseURL:        cfg.Scraper.BaseURL,
			SnapshotPrefix: cfg.Storage.Prefix,
			Topic:          cfg.PubSub.TopicName,
		},
		logging.WithSubsystem(logger, "pipeline"),
	)

	sched := scheduler.New(pipe, clock, idGen, logging.WithSubsystem(logger, "scheduler"), scheduler.Config{
		Enabled:           cfg.Queue.Enabled,
		MaxConcurrentJobs: cfg.Queue.MaxConcurrentJobs,
		Workers:           cfg.WorkerCount(),
		RetentionTTL:      cfg.Queue.RetentionTTL(),
	})
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Discovery.Enabled {
		tracks := make([]discovery.Track, 0, len(cfg.Discovery.Tracks))
		for _, t := range cfg.Discovery.Tracks {
			tracks = append(tracks, discovery.Track{TrackID: t.TrackID, IndexURL: t.IndexURL})
		}
		disc := discovery.New(conn, sched, discovery.Config{
			Schedule:     cfg.Discovery.Schedule,
			FetchTimeout: time.Duration(cfg.Discovery.FetchTimeoutSeconds) * time.Second,
			Depth:        ingest.Depth(cfg.Discovery.Depth),
			Tracks:       tracks,
		}, logging.WithSubsystem(logger, "discovery"))
		if err := disc.Start(ctx); err != nil {
			logger.Fatal("discovery start failed", zap.Error(err))
		}
		defer disc.Stop()
	}

	apiServer := api.NewServer(sched, cfg, logging.WithSubsystem(logger, "api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

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
	logger.Info("shutdown complete")
}

func newEventStore(ctx context.Context, cfg config.Config) (ingest.EventStore, error) {
	switch cfg.DB.Provider {
	case "postgres":
		return postgres.NewEventStore(ctx, postgres.EventStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		})
	case "memory", "":
		return memorystorage.NewEventStore(), nil
	default:
		return nil, fmt.Errorf("unknown db provider %q", cfg.DB.Provider)
	}
}

func newBlobStore(ctx context.Context, cfg config.Config) (ingest.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
	case "local":
		return localstorage.New(localstorage.Config{BaseDir: cfg.Storage.LocalDir})
	case "memory", "":
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func newPublisher(ctx context.Context, cfg config.Config) (ingest.Publisher, error) {
	switch cfg.PubSub.Provider {
	case "pubsub":
		return pubsubpublisher.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
	case "memory", "":
		return memorypublisher.New(), nil
	default:
		return nil, fmt.Errorf("unknown pubsub provider %q", cfg.PubSub.Provider)
	}
}
