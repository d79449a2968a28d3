package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"usage_meter/internal/billing"
	"usage_meter/internal/config"
	"usage_meter/internal/httpapi"
	"usage_meter/internal/logging"
	"usage_meter/internal/metering"
	"usage_meter/internal/metrics"
	"usage_meter/internal/pricing"
	"usage_meter/internal/queue"
	"usage_meter/internal/storage"
	"usage_meter/internal/usage"
)

// service holds everything that needs an orderly shutdown
type service struct {
	store       storage.Store
	redisClient *redis.Client
	resolver    *pricing.Resolver
	auditSink   logging.Sink
	queue       queue.Queue
	dlq         queue.DeadLetterQueue
	worker      *metering.EventWorker
	handler     http.Handler
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCloser, err := logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logCloser.Close()

	logger := logging.NewLogger("meterd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := build(ctx, cfg)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}

	if svc.worker != nil {
		svc.worker.Start(ctx)
	}

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      svc.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Metering service listening", "addr", addr, "store", cfg.StoreBackend, "async_events", cfg.Events.Async)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	svc.shutdown(shutdownCtx, logger)
	logger.Info("Server exited")
}

// build wires config -> storage -> pricing -> orchestrator -> events -> HTTP
func build(ctx context.Context, cfg *config.Config) (*service, error) {
	svc := &service{}

	catalog, err := svc.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		svc.redisClient, err = storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
	}

	overrides := pricing.DefaultOverrides()
	if cfg.Pricing.OverridesFile != "" {
		fromFile, err := pricing.LoadOverrides(cfg.Pricing.OverridesFile)
		if err != nil {
			return nil, err
		}
		overrides = overrides.Merge(fromFile)
	}

	svc.resolver, err = pricing.NewResolver(catalog, overrides, pricing.ResolverConfig{
		CacheSize: cfg.Pricing.CacheSize,
		CacheTTL:  cfg.Pricing.CacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize pricing resolver: %w", err)
	}

	svc.auditSink = logging.NewNoopSink()
	if cfg.Audit.Enabled {
		writer, err := logging.NewS3Writer(ctx, cfg.Audit.S3Bucket, cfg.Audit.S3Region, cfg.Audit.S3Prefix, cfg.Audit.PodName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit writer: %w", err)
		}
		svc.auditSink = logging.NewBufferedSink(writer, logging.BufferedSinkConfig{
			BufferSize:    cfg.Audit.BufferSize,
			FlushSize:     cfg.Audit.FlushSize,
			FlushInterval: cfg.Audit.FlushInterval,
		})
	}

	var spend billing.SpendMirror = billing.NewNoopSpendMirror()
	if svc.redisClient != nil {
		spend = billing.NewRedisSpendMirror(svc.redisClient, cfg.Redis.SpendTTL)
	}

	m := metrics.NewPrometheus()

	extractor := usage.NewExtractor(usage.Options{
		InputImageCap:        cfg.Metering.InputImageCap,
		WebSearchCap:         cfg.Metering.WebSearchCap,
		TokensPerImage:       cfg.Metering.TokensPerImage,
		HeuristicImageTokens: cfg.Metering.HeuristicImageTokens,
	})
	calculator := billing.NewCalculator(cfg.Metering.CostPrecision, cfg.Metering.TokensPerImage)

	opts := extractor.Options()
	logging.NewLogger("meterd").Info("Metering configured",
		"input_image_cap", opts.InputImageCap,
		"websearch_cap", opts.WebSearchCap,
		"heuristic_image_tokens", opts.HeuristicImageTokens,
		"tokens_per_image", opts.TokensPerImage,
		"cost_precision", calculator.Precision(),
		"overridden_models", len(overrides),
	)

	orchestrator := metering.NewOrchestrator(
		svc.store,
		svc.resolver,
		extractor,
		calculator,
		metering.Config{
			MaxConflictRetries: cfg.Metering.MaxConflictRetries,
			RetryBackoff:       cfg.Metering.RetryBackoff,
		},
		metering.WithSpendMirror(spend),
		metering.WithAuditSink(svc.auditSink),
		metering.WithMetrics(m),
	)

	deps := &httpapi.Dependencies{
		Orchestrator: orchestrator,
		Pricing:      svc.resolver,
		Health:       svc.store,
		Metrics:      m,
	}

	if cfg.Events.Async {
		queueConfig := &queue.Config{
			QueueName:    cfg.Events.QueueName,
			BatchSize:    cfg.Events.BatchSize,
			BatchTimeout: cfg.Events.BatchTimeout,
			MaxRetries:   cfg.Events.MaxRetries,
			RetryBackoff: cfg.Events.RetryBackoff,
		}
		if cfg.Events.UseRedis {
			svc.queue = queue.NewRedisQueue(svc.redisClient, queueConfig)
			svc.dlq = queue.NewRedisDeadLetterQueue(svc.redisClient, queueConfig)
		} else {
			svc.queue = queue.NewMemoryQueue(queueConfig)
			svc.dlq = queue.NewMemoryDeadLetterQueue()
		}

		svc.worker = metering.NewEventWorker(svc.queue, svc.dlq, orchestrator, queueConfig, m)
		deps.Publisher = metering.NewPublisher(svc.queue)
		deps.Worker = svc.worker
	}

	svc.handler = httpapi.NewRouter(deps)
	return svc, nil
}

// openStore opens the durable store and returns the pricing catalog backing it
func (svc *service) openStore(ctx context.Context, cfg *config.Config) (pricing.Catalog, error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		svc.store = storage.NewMemoryStore()
		return pricing.NewStaticCatalog(), nil
	}

	pg, err := storage.NewPostgresStore(storage.DBConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := storage.RunMigrations(ctx, pg.Conn().DB); err != nil {
			pg.Close()
			return nil, err
		}
	}

	svc.store = pg
	return pg.Catalog(), nil
}

func (svc *service) shutdown(ctx context.Context, logger *logging.Logger) {
	// Stop consuming before the queue goes away
	if svc.worker != nil {
		if err := svc.worker.Stop(); err != nil {
			logger.Error("Failed to stop event worker", "error", err)
		}
	}
	if svc.queue != nil {
		svc.queue.Close()
	}
	if svc.dlq != nil {
		svc.dlq.Close()
	}

	// Flush remaining audit records to S3
	if err := svc.auditSink.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown audit sink", "error", err)
	}

	svc.resolver.Close()

	if svc.redisClient != nil {
		svc.redisClient.Close()
	}
	if err := svc.store.Close(); err != nil {
		logger.Error("Failed to close store", "error", err)
	}
}
