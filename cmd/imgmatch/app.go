package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.uber.org/zap"

	"github.com/kailas-cloud/imgmatch/internal/config"
	dbRedis "github.com/kailas-cloud/imgmatch/internal/db/redis"
	"github.com/kailas-cloud/imgmatch/internal/imaging"
	logpkg "github.com/kailas-cloud/imgmatch/internal/logger"
	"github.com/kailas-cloud/imgmatch/internal/metrics"
	artifactrepo "github.com/kailas-cloud/imgmatch/internal/repository/artifact"
	"github.com/kailas-cloud/imgmatch/internal/repository/imgcache"
	statusrepo "github.com/kailas-cloud/imgmatch/internal/repository/status"
	"github.com/kailas-cloud/imgmatch/internal/retry"
	"github.com/kailas-cloud/imgmatch/internal/telemetry"
	"github.com/kailas-cloud/imgmatch/internal/transport/bing"
	"github.com/kailas-cloud/imgmatch/internal/transport/facecompare"
	"github.com/kailas-cloud/imgmatch/internal/transport/httpclient"
	openaiCmp "github.com/kailas-cloud/imgmatch/internal/transport/openai"
	"github.com/kailas-cloud/imgmatch/internal/transport/webhook"
	"github.com/kailas-cloud/imgmatch/internal/usecase/compare"
	"github.com/kailas-cloud/imgmatch/internal/usecase/discovery"
	healthuc "github.com/kailas-cloud/imgmatch/internal/usecase/health"
	searchuc "github.com/kailas-cloud/imgmatch/internal/usecase/search"
	"github.com/kailas-cloud/imgmatch/internal/version"
)

// app is the composition root shared by every subcommand.
type app struct {
	cfg        config.Config
	env        string
	logger     *zap.Logger
	store      *dbRedis.Store
	mongo      *mongo.Client
	search     *searchuc.Service
	dispatcher *searchuc.Dispatcher
	notifier   *webhook.Notifier
	health     *healthuc.Service
	shutdownTr telemetry.Shutdown
}

// newApp loads config and wires the full stack.
func newApp(ctx context.Context) (*app, error) {
	env := resolveEnv()
	cfg, err := config.Load(env)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	a := &app{cfg: cfg, env: env, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	logger.Info("Starting imgmatch",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", a.env),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Strings("db_addrs", cfg.Database.Addrs),
		zap.String("comparator", cfg.Comparator.Driver),
	)

	metrics.RegisterPipelineMetrics()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.shutdownTr = shutdown

	// Redis (or Valkey) always backs artifacts and the image cache.
	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Password: cfg.Database.Password,
	})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	a.store = store

	readiness := time.Duration(cfg.Database.ReadinessTimeout) * time.Second
	if err := store.WaitForReady(ctx, readiness); err != nil {
		return fmt.Errorf("database not ready: %w", err)
	}
	logger.Info("Connected to database")

	statuses, pinger, err := a.statusStore(ctx, readiness)
	if err != nil {
		return err
	}

	base := retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		Multiplier:   cfg.Retry.Multiplier,
	}
	callTimeout := cfg.Pipeline.CallTimeout()

	normalizer := imaging.New(httpclient.New(httpclient.WithTimeout(callTimeout)), imaging.Options{
		MaxDimension:     cfg.Pipeline.MaxDimension,
		JPEGQuality:      cfg.Pipeline.JPEGQuality,
		FallbackQuality:  cfg.Pipeline.FallbackJPEGQuality,
		MaxBytes:         cfg.Pipeline.MaxImageBytes,
		MaxDownloadBytes: cfg.Pipeline.MaxDownloadBytes,
		FetchTimeout:     callTimeout,
	})
	cached := imgcache.New(normalizer, store, cfg.Storage.KeyPrefix, cfg.Storage.ImageCacheTTL(),
		metrics.ImageCacheTotal, logger)
	artifacts := artifactrepo.New(store, cfg.Storage.KeyPrefix, cfg.Storage.ArtifactTTL())

	comparator, checker := buildComparator(cfg, callTimeout)

	evaluator := compare.NewPipeline(cached, artifacts, comparator, compare.Options{
		Threshold:    cfg.Comparator.Threshold,
		AbortOnError: cfg.Comparator.OnError == config.OnErrorAbort,
		Policy:       base.WithTimeout(callTimeout),
	})

	visual, text := buildProviders(cfg.Providers.Bing, callTimeout)
	if len(visual) == 0 && len(text) == 0 {
		logger.Warn("No search providers enabled; every search completes empty")
	}

	a.notifier = webhook.New(webhook.Config{
		MatchesURL:    cfg.Notify.MatchesURL,
		ClearedURL:    cfg.Notify.ClearedURL,
		Secret:        cfg.Notify.Secret,
		SecretHeader:  cfg.Notify.SecretHeader,
		BatchSize:     cfg.Notify.ClearedBatchSize,
		FlushInterval: time.Duration(cfg.Notify.ClearedFlushIntervalSec) * time.Second,
		Client:        httpclient.New(httpclient.WithTimeout(callTimeout)),
		Logger:        logger,
	})

	a.dispatcher = searchuc.NewDispatcher(cfg.Pipeline.MaxConcurrentRequests, logger)
	a.search = searchuc.New(searchuc.Deps{
		Statuses:   statuses,
		Probes:     normalizer,
		Discovery:  discovery.New(visual, text, base),
		Evaluator:  evaluator,
		Artifacts:  artifacts,
		Notifier:   a.notifier,
		Dispatcher: a.dispatcher,
	}, searchuc.Options{
		BatchWidth:               cfg.Pipeline.BatchWidth,
		FailWhenAllProvidersFail: cfg.Pipeline.FailWhenAllProvidersFail,
		StatusPolicy:             base.WithTimeout(callTimeout),
	}, logger)

	a.health = healthuc.New(pinger, checker)
	return nil
}

// statusStore selects the status backend for the configured driver.
func (a *app) statusStore(ctx context.Context, readiness time.Duration) (searchuc.StatusStore, healthuc.DBPinger, error) {
	cfg := a.cfg
	switch cfg.Database.Driver {
	case config.DriverMongo:
		client, err := statusrepo.Connect(ctx, cfg.Database.MongoURI,
			options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err != nil {
			return nil, nil, err
		}
		a.mongo = client

		repo := statusrepo.NewMongo(client, cfg.Database.MongoDatabase, cfg.Storage.StatusTTL())
		pingCtx, cancel := context.WithTimeout(ctx, readiness)
		defer cancel()
		if err := repo.Ping(pingCtx); err != nil {
			return nil, nil, fmt.Errorf("mongo not ready: %w", err)
		}
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, nil, err
		}
		a.logger.Info("Using MongoDB status store", zap.String("database", cfg.Database.MongoDatabase))
		return repo, repo, nil
	default:
		return statusrepo.New(a.store, cfg.Storage.KeyPrefix, cfg.Storage.StatusTTL()), a.store, nil
	}
}

// buildComparator returns the configured comparator and its health check, if any.
func buildComparator(cfg config.Config, callTimeout time.Duration) (compare.Comparator, healthuc.ComparatorChecker) {
	c := cfg.Comparator
	client := httpclient.New(
		httpclient.WithTimeout(callTimeout),
		httpclient.WithRateLimit(c.RatePerSecond, int(c.RatePerSecond)),
	)
	if c.Driver == config.ComparatorOpenAI {
		cmp := openaiCmp.NewComparator(&openaiCmp.Config{
			APIKey:     c.APIKey,
			BaseURL:    c.Endpoint,
			Model:      c.Model,
			HTTPClient: client,
		})
		return cmp, cmp
	}
	return facecompare.New(facecompare.Config{
		Endpoint:  c.Endpoint,
		APIKey:    c.APIKey,
		Threshold: c.Threshold,
		Client:    client,
	}), nil
}

// buildProviders returns the enabled Bing searchers. They share one throttled client.
func buildProviders(b config.BingConfig, callTimeout time.Duration) ([]discovery.ImageSearcher, []discovery.TextSearcher) {
	if b.APIKey == "" {
		return nil, nil
	}
	bc := bing.Config{
		Endpoint: b.Endpoint,
		APIKey:   b.APIKey,
		Market:   b.Market,
		PageSize: b.PageSize,
		MaxPages: b.MaxPages,
		Client: httpclient.New(
			httpclient.WithTimeout(callTimeout),
			httpclient.WithRateLimit(b.RatePerSecond, 1),
		),
	}

	var visual []discovery.ImageSearcher
	var text []discovery.TextSearcher
	if b.VisualSearchEnabled() {
		visual = append(visual, bing.NewVisualSearch(bc))
	}
	if b.TextSearchEnabled() {
		text = append(text, bing.NewImageSearch(bc))
	}
	return visual, text
}

// close drains background work and releases connections.
func (a *app) close(ctx context.Context) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Wait(ctx); err != nil {
			a.logger.Warn("Searches still running at shutdown", zap.Error(err))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Close(ctx); err != nil {
			a.logger.Warn("Pending notifications dropped", zap.Error(err))
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Disconnect(ctx); err != nil {
			a.logger.Warn("Mongo disconnect failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.shutdownTr != nil {
		if err := a.shutdownTr(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
