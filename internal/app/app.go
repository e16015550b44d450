// Package app assembles the lesson pipeline from configuration. Both binaries
// share it: the API builds everything, the worker skips the HTTP surface.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/lesson-pipeline/internal/ai"
	"github.com/iago/lesson-pipeline/internal/breaker"
	"github.com/iago/lesson-pipeline/internal/cache"
	"github.com/iago/lesson-pipeline/internal/config"
	contextbuilder "github.com/iago/lesson-pipeline/internal/context"
	"github.com/iago/lesson-pipeline/internal/pipeline"
	"github.com/iago/lesson-pipeline/internal/policy"
	"github.com/iago/lesson-pipeline/internal/queue"
	"github.com/iago/lesson-pipeline/internal/repository"
	"github.com/iago/lesson-pipeline/internal/screener"
	"github.com/iago/lesson-pipeline/internal/storage"
	"github.com/iago/lesson-pipeline/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Components is the wired process. Close releases every backend in reverse
// order of creation.
type Components struct {
	Config  config.Config
	Tuning  config.Tuning
	Logger  zerolog.Logger
	Catalog *pipeline.Catalog

	Requests     repository.RequestsRepository
	Lessons      *cache.Cache
	Producer     queue.Producer
	Consumer     queue.Consumer
	Screener     *screener.Screener
	Orchestrator *pipeline.Orchestrator

	closers []func()
}

func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *Components) onClose(fn func()) {
	c.closers = append(c.closers, fn)
}

// LoadTuning reads the configured TOML files plus their APP_ENV overrides.
func LoadTuning(cfg config.Config, logger zerolog.Logger) config.Tuning {
	tuning, err := config.LoadTuning(config.TuningPaths(cfg.TuningFiles, cfg.AppEnv)...)
	if err != nil {
		logger.Warn().Err(err).Msg("failed loading tuning files, using defaults")
	}
	return tuning
}

// Build connects every backend. Optional backends that fail to initialize
// fall back to their in-process variant with a warning; a pipeline that
// cannot be assembled at all is an error.
func Build(ctx context.Context, cfg config.Config, tuning config.Tuning, logger zerolog.Logger) (*Components, error) {
	c := &Components{
		Config:  cfg,
		Tuning:  tuning,
		Logger:  logger,
		Catalog: pipeline.CatalogFromTuning(tuning.Topics),
	}

	pool := c.setupDatabase(ctx)
	c.Requests = setupRequests(ctx, pool, logger)
	c.Lessons = cache.New(setupCacheStore(ctx, pool, logger), cache.Options{
		Weights: SimilarityWeights(tuning.Similarity),
		Logger:  logger.With().Str("component", "cache").Logger(),
	})
	c.Producer, c.Consumer = c.setupQueue(ctx)
	c.Screener = screener.New(ScreenerConfig(tuning.Screener))

	store, err := c.setupObjectStore(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	text, err := setupTextGenerator(ctx, cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	var video ai.VideoAssembler
	videoClient := ai.NewVideoClient(ai.VideoClientConfig{
		BaseURL:    cfg.VideoBaseURL,
		APIKey:     cfg.VideoAPIKey,
		MaxRetries: cfg.VideoMaxRetries,
	})
	if videoClient.Available() {
		video = videoClient
	} else {
		logger.Warn().Msg("VIDEO_BASE_URL not configured, text_and_video requests will fail")
	}

	responses := cache.NewResponseCache(cache.ResponseCacheConfig{
		TTL:        time.Duration(cfg.TopicCacheTTLSeconds) * time.Second,
		MaxEntries: cfg.TopicCacheMaxEntries,
	})
	speech := ai.NewSpeechClient(ai.SpeechClientConfig{
		BaseURL:    cfg.SpeechBaseURL,
		APIKey:     cfg.SpeechAPIKey,
		Voice:      cfg.SpeechVoice,
		MaxRetries: cfg.SpeechMaxRetries,
	})
	if !speech.Available() {
		logger.Warn().Msg("TTS_BASE_URL not configured, speech synthesis will fail")
	}

	orchestrator, err := pipeline.New(pipeline.Dependencies{
		Requests:  c.Requests,
		Cache:     c.Lessons,
		Responses: responses,
		Breakers:  BreakerRegistry(tuning.Breaker, logger),
		Text:      text,
		Router:    modelRouter(cfg),
		Speech:    speech,
		Video:     video,
		Store:     store,
		Builder:   contextbuilder.NewBuilder(contextbuilder.NewBasicRetriever(c.Catalog.Notes())),
		Scope:     policy.NewScopeGuard(tuning.Policy.BlockedSubjects),
		Catalog:   c.Catalog,
		Prompts:   pipeline.NewPromptLibrary(cfg.PromptsDir),
		Tuning:    tuning.Pipeline,
		Logger:    logger,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	c.Orchestrator = orchestrator
	return c, nil
}

// Worker builds a queue worker over the process consumer.
func (c *Components) Worker() *worker.Worker {
	return worker.New(c.Consumer, c.Orchestrator, WorkerConfig(c.Tuning.Worker, c.Logger))
}

func (c *Components) setupDatabase(ctx context.Context) *pgxpool.Pool {
	if c.Config.DatabaseURL == "" {
		c.Logger.Info().Msg("DATABASE_URL not configured, using in-memory ledger and cache")
		return nil
	}
	pool, err := repository.OpenPool(ctx, c.Config.DatabaseURL)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("failed to open postgres, falling back to memory")
		return nil
	}
	c.onClose(pool.Close)
	return pool
}

func setupRequests(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) repository.RequestsRepository {
	if pool == nil {
		return repository.NewMemoryRequestsRepository()
	}
	if err := repository.EnsureSchema(ctx, pool); err != nil {
		logger.Warn().Err(err).Msg("failed to ensure ledger schema, falling back to memory")
		return repository.NewMemoryRequestsRepository()
	}
	logger.Info().Msg("postgres request ledger initialized")
	return repository.NewPostgresRequestsRepository(pool)
}

func setupCacheStore(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) cache.Store {
	if pool == nil {
		return cache.NewMemoryStore()
	}
	store := cache.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to ensure cache schema, falling back to memory")
		return cache.NewMemoryStore()
	}
	return store
}

func (c *Components) setupQueue(ctx context.Context) (queue.Producer, queue.Consumer) {
	cfg := c.Config
	var (
		base     queue.Producer
		consumer queue.Consumer
	)

	switch cfg.QueueBackend {
	case "redis":
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:          cfg.RedisAddr,
			Password:      cfg.RedisPassword,
			DB:            cfg.RedisDB,
			Stream:        cfg.RedisStream,
			DLQStream:     cfg.RedisDLQ,
			Group:         cfg.RedisGroup,
			Consumer:      cfg.RedisConsumer,
			MaxDeliveries: cfg.QueueMaxDeliveries,
			LeaseTimeout:  time.Duration(cfg.RedisLeaseTimeoutS) * time.Second,
		})
		if err != nil {
			c.Logger.Warn().Err(err).Msg("failed to initialize redis streams queue, falling back to local")
			break
		}
		c.Logger.Info().Str("stream", cfg.RedisStream).Msg("redis streams queue initialized")
		c.onClose(func() { _ = streams.Close() })
		base, consumer = streams, streams
	case "rabbitmq":
		rabbit, err := queue.NewRabbitQueue(queue.RabbitConfig{
			URL:           cfg.RabbitURL,
			Queue:         cfg.RabbitQueue,
			MaxDeliveries: cfg.QueueMaxDeliveries,
		})
		if err != nil {
			c.Logger.Warn().Err(err).Msg("failed to initialize rabbitmq queue, falling back to local")
			break
		}
		c.Logger.Info().Str("queue", cfg.RabbitQueue).Msg("rabbitmq queue initialized")
		c.onClose(func() { _ = rabbit.Close() })
		base, consumer = rabbit, rabbit
	}

	if base == nil {
		local := queue.NewLocalQueue(512, cfg.QueueMaxDeliveries, c.Logger)
		base, consumer = local, local
	}

	if !cfg.QueueBatchingEnabled {
		return base, consumer
	}
	batching := queue.NewBatchingProducer(ctx, base, queue.BatchingConfig{
		MaxBatchSize:       cfg.QueueBatchSize,
		FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
		FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
		QueueCapacity:      cfg.QueueBatchQueueCapacity,
		MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
		Logger:             c.Logger,
	})
	c.onClose(batching.Close)
	c.Logger.Info().
		Int("batch_size", cfg.QueueBatchSize).
		Int("flush_ms", cfg.QueueBatchFlushMS).
		Int("queue_capacity", cfg.QueueBatchQueueCapacity).
		Msg("queue batching enabled")
	return batching, consumer
}

func (c *Components) setupObjectStore(ctx context.Context) (storage.Store, error) {
	if c.Config.ObjectStore == "gcs" {
		gcs, err := storage.NewGCSStore(ctx, storage.GCSConfig{
			Bucket:        c.Config.GCSBucket,
			PublicBaseURL: c.Config.GCSPublicBase,
		})
		if err == nil {
			c.onClose(func() { _ = gcs.Close() })
			c.Logger.Info().Str("bucket", c.Config.GCSBucket).Msg("gcs object store initialized")
			return gcs, nil
		}
		c.Logger.Warn().Err(err).Msg("failed to initialize gcs, falling back to filesystem")
	}
	files, err := storage.NewFileStore(c.Config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	return files, nil
}

func setupTextGenerator(ctx context.Context, cfg config.Config, logger zerolog.Logger) (ai.TextGenerator, error) {
	var text ai.TextGenerator
	switch cfg.TextProvider {
	case "gemini":
		gemini, err := ai.NewGeminiClient(ctx, ai.GeminiClientConfig{
			APIKey:     cfg.GeminiAPIKey,
			Timeout:    time.Duration(cfg.OpenRouterTimeoutMS) * time.Millisecond,
			MaxRetries: cfg.OpenRouterMaxRetries,
		})
		if err != nil {
			return nil, err
		}
		text = gemini
	default:
		text = ai.NewOpenRouterClient(ai.OpenRouterClientConfig{
			APIKey:     cfg.OpenRouterAPIKey,
			BaseURL:    cfg.OpenRouterBaseURL,
			Timeout:    time.Duration(cfg.OpenRouterTimeoutMS) * time.Millisecond,
			MaxRetries: cfg.OpenRouterMaxRetries,
			SiteURL:    cfg.OpenRouterSiteURL,
			AppName:    cfg.OpenRouterAppName,
		})
	}
	if !text.Available() {
		logger.Warn().Str("provider", cfg.TextProvider).Msg("text generation provider has no credentials")
	}
	return ai.NewQuotaLimited(text, cfg.OpenRouterRequestsPerMinute, 2), nil
}

func modelRouter(cfg config.Config) *ai.ModelRouter {
	if cfg.TextProvider == "gemini" {
		return ai.NewModelRouter(ai.ModelRouterConfig{
			TopicPrimary:   cfg.GeminiModel,
			TopicFallback:  cfg.GeminiModel,
			ScriptPrimary:  cfg.GeminiModel,
			ScriptFallback: cfg.GeminiModel,
		})
	}
	return ai.NewModelRouter(ai.ModelRouterConfig{
		TopicPrimary:   cfg.OpenRouterModelTopicPrimary,
		TopicFallback:  cfg.OpenRouterModelTopicFallback,
		ScriptPrimary:  cfg.OpenRouterModelScriptPrimary,
		ScriptFallback: cfg.OpenRouterModelScriptFallback,
	})
}

func ScreenerConfig(tuning config.ScreenerTuning) screener.Config {
	return screener.Config{
		MinInformativeWords: tuning.MinInformativeWords,
		VaguePrefixes:       tuning.VaguePrefixes,
		QualifierWords:      tuning.QualifierWords,
		BroadenQuestion:     tuning.BroadenQuestion,
		NarrowQuestion:      tuning.NarrowQuestion,
		SpecificityQuestion: tuning.SpecificityQuestion,
	}
}

func SimilarityWeights(tuning config.SimilarityTuning) cache.Weights {
	return cache.Weights{
		Topic:           tuning.TopicWeight,
		Interest:        tuning.InterestWeight,
		Keyword:         tuning.KeywordWeight,
		Recency:         tuning.RecencyWeight,
		HighThreshold:   tuning.HighThreshold,
		MediumThreshold: tuning.MediumThreshold,
		FreshnessWindow: time.Duration(tuning.FreshnessDays) * 24 * time.Hour,
		CandidateLimit:  tuning.CandidateLimit,
	}
}

func BreakerRegistry(tuning config.BreakerTuning, logger zerolog.Logger) *breaker.Registry {
	services := make(map[string]breaker.Settings, len(tuning.Services))
	for name, service := range tuning.Services {
		services[name] = breaker.Settings{
			FailureThreshold: service.FailureThreshold,
			Cooldown:         time.Duration(service.CooldownSeconds) * time.Second,
			Timeout:          time.Duration(service.TimeoutSeconds) * time.Second,
		}
	}
	return breaker.NewRegistry(breaker.RegistryConfig{
		Defaults: breaker.Settings{
			FailureThreshold: tuning.FailureThreshold,
			Window:           time.Duration(tuning.WindowSeconds) * time.Second,
			Cooldown:         time.Duration(tuning.CooldownSeconds) * time.Second,
		},
		Services: services,
		Logger:   logger.With().Str("component", "breaker").Logger(),
	})
}

func WorkerConfig(tuning config.WorkerTuning, logger zerolog.Logger) worker.Config {
	return worker.Config{
		BatchSize: tuning.BatchSize,
		PoolSize:  tuning.PoolSize,
		LeaseWait: time.Duration(tuning.LeaseWaitSeconds) * time.Second,
		Logger:    logger,
	}
}
