// Tiller alignment engine server — hosts the HTTP API, the turn
// pipeline, the publish/migration workflows, and the background
// maintenance loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/codeready-toolchain/tiller/pkg/api"
	"github.com/codeready-toolchain/tiller/pkg/config"
	"github.com/codeready-toolchain/tiller/pkg/database"
	"github.com/codeready-toolchain/tiller/pkg/llm"
	"github.com/codeready-toolchain/tiller/pkg/memory"
	"github.com/codeready-toolchain/tiller/pkg/migration"
	"github.com/codeready-toolchain/tiller/pkg/pipeline"
	"github.com/codeready-toolchain/tiller/pkg/publish"
	"github.com/codeready-toolchain/tiller/pkg/services"
	"github.com/codeready-toolchain/tiller/pkg/store"
	"github.com/codeready-toolchain/tiller/pkg/store/cache"
	"github.com/codeready-toolchain/tiller/pkg/store/postgres"
	"github.com/codeready-toolchain/tiller/pkg/telemetry"
	"github.com/codeready-toolchain/tiller/pkg/tools"
	"github.com/codeready-toolchain/tiller/pkg/vector"
	"github.com/codeready-toolchain/tiller/pkg/version"
)

// sweepInterval paces the customer-data expiration sweep.
const sweepInterval = time.Hour

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// buildLLMClient resolves the default provider and wraps it with retry
// and a circuit breaker. Provider SDK adapters are linked in downstream
// builds; the in-tree binary serves the scripted provider used by demos
// and tests.
func buildLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	name := cfg.DefaultLLMProvider
	provider, err := cfg.LLMProviders.Get(name)
	if err != nil {
		return nil, err
	}

	var base llm.Client
	switch provider.Type {
	case config.ProviderTypeScripted:
		base = llm.NewScriptedClient()
	default:
		return nil, fmt.Errorf("llm provider %q: no adapter linked for type %q", name, provider.Type)
	}

	breakered := llm.WithBreaker(base, llm.DefaultBreakerConfig(name))
	return llm.WithRetry(breakered, llm.DefaultRetryConfig(), logger), nil
}

func buildEmbedder(cfg config.VectorConfig) (vector.Embedder, error) {
	switch cfg.Embedder {
	case "", "hash":
		return vector.NewHashEmbedder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
	}
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	logger := slog.Default()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		logger.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		logger.Info("Loaded environment", "path", envPath)
	}

	logger.Info("Starting tiller", "version", version.Full(), "config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		logger.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	stats := cfg.Stats()
	logger.Info("Configuration loaded",
		"llm_providers", stats.LLMProviders,
		"step_overrides", stats.StepOverrides)

	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	logger.Info("Connected to PostgreSQL database")

	rc, err := telemetry.New(logger, nil, nil)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	pgConfig := postgres.NewConfigStore(dbClient.Pool())
	pgCustomers := postgres.NewCustomerStore(dbClient.Pool())
	sessionStore := postgres.NewSessionStore(dbClient.Pool())
	turnStore := postgres.NewTurnStore(dbClient.Pool())
	episodeStore := postgres.NewEpisodeStore(dbClient.Pool())
	graphStore := postgres.NewGraphStore(dbClient.Pool())
	auditSink := postgres.NewAuditSink(dbClient.Pool(), logger)

	var (
		configStore store.AgentConfigStore    = pgConfig
		customers   store.CustomerDataStore   = pgCustomers
		idem        pipeline.IdempotencyCache = pipeline.NewMemoryIdempotency()
		invalidator publish.CacheInvalidator
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer rdb.Close()

		opts := cache.Options{TTL: cfg.Redis.TTL, Telemetry: rc}
		cachedConfig := cache.NewConfigStore(pgConfig, rdb, opts)
		configStore = cachedConfig
		invalidator = cachedConfig
		customers = cache.NewCustomerStore(pgCustomers, rdb, opts)
		idem = cache.NewIdempotency(rdb, opts)
		logger.Info("Redis cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TTL)
	}

	embedder, err := buildEmbedder(cfg.Vector)
	if err != nil {
		logger.Error("Failed to build embedder", "error", err)
		os.Exit(1)
	}
	index := vector.NewMemoryIndex()
	syncMgr := vector.NewEmbeddingManager(index, embedder, logger)

	llmClient, err := buildLLMClient(cfg, logger)
	if err != nil {
		logger.Error("Failed to build LLM client", "error", err)
		os.Exit(1)
	}

	ingestor := memory.New(episodeStore, graphStore, embedder, llmClient, memory.DefaultConfig(), rc)
	ingestor.Start(ctx)
	defer ingestor.Stop()

	platform, err := cfg.PlatformLayer()
	if err != nil {
		logger.Error("Failed to resolve platform config layer", "error", err)
		os.Exit(1)
	}

	engine := pipeline.New(pipeline.Deps{
		Resolver:     pipeline.NewResolver(platform, nil),
		Config:       configStore,
		Sessions:     sessionStore,
		Customers:    customers,
		Turns:        turnStore,
		Client:       llmClient,
		Index:        index,
		Embedder:     embedder,
		ToolExecutor: tools.NewStubExecutor(),
		Ingestor:     ingestor,
		Audit:        auditSink,
		Idempotency:  idem,
		Telemetry:    rc,
	})

	publisher := publish.New(configStore, syncMgr, invalidator, logger)
	migrator := migration.NewEngine(configStore, sessionStore, logger)
	logger.Info("Services initialized")

	// Customer-data expiration sweep. Per-turn reconciliation catches the
	// active customer; this loop ages out everyone else.
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				expired, err := pgCustomers.ExpireAllEntries(ctx, time.Now().UTC())
				if err != nil {
					logger.Error("Expiration sweep failed", "error", err)
					continue
				}
				if expired > 0 {
					logger.Info("Expiration sweep complete", "expired", expired)
				}
			}
		}
	}()

	server := api.NewServer(api.Deps{
		Config:    cfg.Server,
		Turns:     services.NewTurnService(engine, logger),
		Sessions:  services.NewSessionService(sessionStore, turnStore, logger),
		Catalog:   services.NewCatalogService(configStore, logger),
		Publish:   services.NewPublishService(publisher, logger),
		Migration: services.NewMigrationService(migrator, configStore, logger),
		DB:        dbClient,
		Logger:    logger,
	})

	if err := server.Run(ctx); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
