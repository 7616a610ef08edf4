package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/n1hub/deepmine/db"
	"github.com/n1hub/deepmine/internal/analyze"
	"github.com/n1hub/deepmine/internal/api"
	"github.com/n1hub/deepmine/internal/config"
	"github.com/n1hub/deepmine/internal/events"
	"github.com/n1hub/deepmine/internal/linker"
	"github.com/n1hub/deepmine/internal/log"
	"github.com/n1hub/deepmine/internal/pipeline"
	"github.com/n1hub/deepmine/internal/rag"
	"github.com/n1hub/deepmine/internal/report"
	"github.com/n1hub/deepmine/internal/store"
	"github.com/n1hub/deepmine/internal/vector"
)

// Setup builds the full application. On error everything already
// initialized is torn down before returning.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool
	a.Store = store.NewPostgres(pool, logger)

	embedder, composer, err := provideProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Vectorizer = vector.New(embedder, cfg.EmbeddingDim, logger)
	if err := a.Vectorizer.Verify(ctx); err != nil {
		// A provider emitting the wrong dimension would poison the index.
		return nil, fmt.Errorf("verifying embedding dimension: %w", err)
	}

	a.Redis = provideRedis(ctx, cfg, logger)

	a.Bus = events.NewBus(events.DefaultBuffer, logger)
	links := linker.New(a.Store, logger)
	a.Runner = pipeline.NewRunner(ctx, a.Store, a.Vectorizer,
		analyze.NewHeuristicAnalyzer(), links, a.Bus, cfg, logger)
	a.Engine = rag.New(a.Store, a.Vectorizer, composer, cfg, logger)
	a.Reporter = report.New(a.Store, logger)

	a.Server = api.NewServer(api.ServerConfig{
		Logger:   logger,
		Config:   cfg,
		Store:    a.Store,
		Runner:   a.Runner,
		Engine:   a.Engine,
		Reporter: a.Reporter,
		Bus:      a.Bus,
		Pool:     pool,
		Redis:    a.Redis,
	})

	janitorCtx, janitorCancel := context.WithCancel(ctx)
	a.janitorCancel = janitorCancel
	go pipeline.NewJanitor(a.Store, cfg.RetentionDays, logger).Run(janitorCtx)

	return a, nil
}

// provideDBPool migrates the schema and opens a verified connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// provideProvider initializes the embedding and composition backends for
// the configured provider. The local provider runs fully offline on the
// deterministic embedder and the template composer.
func provideProvider(ctx context.Context, cfg *config.Config, logger log.Logger) (vector.Embedder, analyze.Composer, error) {
	switch cfg.Provider {
	case config.ProviderLocal:
		logger.Info("running in local mode, no embedding provider")
		return vector.NewLocalEmbedder(cfg.EmbeddingDim), analyze.NewTemplateComposer(), nil

	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit registration, there is no auto-discovery.
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)
		return vector.NewGenkitEmbedder(ollama.Embedder(g, cfg.OllamaHost)),
			analyze.NewGenkitComposer(g, cfg.ModelName), nil

	default: // gemini
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized genkit with gemini provider", "model", cfg.ModelName)
		var embedder ai.Embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		if embedder == nil {
			return nil, nil, fmt.Errorf("embedder %q not found for gemini provider", cfg.EmbedderModel)
		}
		return vector.NewGenkitEmbedder(embedder),
			analyze.NewGenkitComposer(g, cfg.ModelName), nil
	}
}

// provideRedis opens the shared rate limit backend when configured. Redis
// being down is not fatal: the API falls open to in-memory limiting.
func provideRedis(ctx context.Context, cfg *config.Config, logger log.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, rate limiting falls back to memory",
			"addr", cfg.RedisAddr, "error", err)
	}
	return client
}
