package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/classifier"
	"github.com/lvonguyen/repsentinel/internal/config"
	"github.com/lvonguyen/repsentinel/internal/dedup"
	"github.com/lvonguyen/repsentinel/internal/entity"
	"github.com/lvonguyen/repsentinel/internal/feeds"
	"github.com/lvonguyen/repsentinel/internal/fetch"
	"github.com/lvonguyen/repsentinel/internal/health"
	"github.com/lvonguyen/repsentinel/internal/observability"
	"github.com/lvonguyen/repsentinel/internal/pipeline"
	"github.com/lvonguyen/repsentinel/internal/playbooks"
	"github.com/lvonguyen/repsentinel/internal/prediction"
	"github.com/lvonguyen/repsentinel/internal/query"
	"github.com/lvonguyen/repsentinel/internal/repository"
	"github.com/lvonguyen/repsentinel/internal/taxonomy"
)

// app holds every wired component of one process.
type app struct {
	cfg       *config.Config
	telemetry *observability.Telemetry
	logger    *zap.Logger
	store     repository.Store
	redis     *redis.Client
	renderer  *feeds.ChromeRenderer
	chain     *classifier.Chain
	pipeline  *pipeline.Pipeline
	predictor *prediction.Engine
	monitor   *health.Monitor
	entities  []entity.Entity
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := observability.New(observability.ConfigFrom(cfg, Version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	logger := tel.Logger()
	metrics := tel.Metrics()

	a := &app{cfg: cfg, telemetry: tel, logger: logger}

	a.store, err = repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	a.redis, err = repository.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, using in-process seen-set", zap.Error(err))
		a.redis = nil
	}
	var seen dedup.SeenSet
	if a.redis != nil {
		seen = dedup.NewRedisSeen(a.redis, cfg.Redis.SeenTTL)
	} else {
		seen = dedup.NewMemorySeen(cfg.Redis.SeenTTL)
	}
	writer := dedup.NewWriter(a.store, seen, dedup.DefaultWindow, metrics, logger)

	client := fetch.NewClient(fetch.ClientConfig{
		UserAgent: cfg.Pipeline.UserAgent,
		Timeout:   cfg.Pipeline.FetchTimeout,
		Retry:     fetch.RetryConfigFrom(cfg.Retry),
	}, nil, logger)
	a.renderer = feeds.NewChromeRenderer(cfg.Pipeline.UserAgent, logger)

	adapters, err := feeds.Build(cfg.EnabledFeeds(), feeds.Options{
		Client:   client,
		Renderer: a.renderer,
		MaxItems: cfg.Pipeline.MaxItemsPerSource,
		Logger:   logger,
	})
	if err != nil {
		// Misconfigured feeds are skipped; the rest still run.
		logger.Warn("Some feeds could not be built", zap.Error(err))
	}

	a.chain, err = classifier.New(cfg.Classifier, cfg.Vocabulary, taxonomy.New(logger), metrics, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building classifier: %w", err)
	}

	for _, ec := range cfg.Entities {
		a.entities = append(a.entities, entity.FromConfig(ec))
	}

	a.pipeline = pipeline.New(pipeline.Deps{
		Store:      a.store,
		Adapters:   adapters,
		Expander:   query.NewExpander(cfg.Vocabulary.Modifiers, cfg.Pipeline.MaxTerms),
		Classifier: a.chain,
		Writer:     writer,
		Tracer:     tel.Tracer(),
		Metrics:    metrics,
		Logger:     logger,
		Entities:   a.entities,
	}, pipeline.ConfigFrom(cfg.Pipeline))

	library := playbooks.NewLibrary(logger)
	if path := cfg.Prediction.PlaybooksPath; path != "" {
		if err := library.LoadFile(path); err != nil {
			a.Close()
			return nil, fmt.Errorf("loading playbooks: %w", err)
		}
	}
	a.predictor = prediction.NewEngine(a.store, library, prediction.ConfigFrom(cfg.Prediction), metrics, logger)
	a.monitor = health.NewMonitor(a.store, health.ConfigFrom(cfg), metrics, logger)

	logger.Info("RepSentinel initialized",
		zap.String("version", Version),
		zap.Int("adapters", len(adapters)),
		zap.Int("entities", len(a.entities)),
		zap.String("classifier", cfg.Classifier.Provider),
		zap.Bool("redis", a.redis != nil))

	return a, nil
}

// startCacheCleanup evicts expired external classifier results until ctx
// ends.
func (a *app) startCacheCleanup(ctx context.Context) {
	if ext, ok := a.chain.External().(*classifier.External); ok {
		ext.StartCacheCleanup(ctx, 10*time.Minute)
	}
}

// Close releases every resource in reverse order of acquisition.
func (a *app) Close() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
