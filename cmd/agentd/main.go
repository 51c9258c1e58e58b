// Command agentd is the conversational gateway's HTTP entrypoint: it loads
// configuration, wires the persistence/streaming/knowledge/memory
// subsystems together, and serves the chat-facing and internal
// chat-storage API (spec §6).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"chatgateway/internal/agent"
	"chatgateway/internal/agent/prompts"
	"chatgateway/internal/agentd"
	"chatgateway/internal/auth"
	"chatgateway/internal/config"
	"chatgateway/internal/gateway/compressor"
	"chatgateway/internal/knowledge"
	"chatgateway/internal/llm/providers"
	"chatgateway/internal/ltm"
	"chatgateway/internal/mcpclient"
	"chatgateway/internal/observability"
	"chatgateway/internal/persistence/databases"
	ragservice "chatgateway/internal/rag/service"
	"chatgateway/internal/streamlifecycle"
	"chatgateway/internal/tools"
	"chatgateway/internal/tools/cli"
	"chatgateway/internal/tools/db"
	knowledgetool "chatgateway/internal/tools/knowledge"
	ragtool "chatgateway/internal/tools/rag"
	"chatgateway/internal/tools/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		log.Fatal().Err(err).Msg("agentd: failed to load config")
	}

	logPath := os.Getenv("LOG_PATH")
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	observability.InitLogger(logPath, logLevel)

	shutdown, err := observability.InitOTel(context.Background(), cfg.OTel)
	if err != nil {
		log.Warn().Err(err).Msg("agentd: otel init failed, continuing without observability")
		shutdown = nil
	}
	if shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	ctx := context.Background()

	httpClient := observability.NewHTTPClient(nil)

	dbManager, err := databases.NewManager(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("agentd: init databases failed")
	}

	var pool *pgxpool.Pool
	if cfg.DB.DefaultDSN != "" {
		pool, err = pgxpool.New(ctx, cfg.DB.DefaultDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("agentd: connect postgres failed")
		}
	}

	if pool == nil {
		log.Fatal().Msg("agentd: DB.DefaultDSN is required (task store is Postgres-backed)")
	}
	store := databases.NewPostgresTaskStore(pool)
	if err := store.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("agentd: task store schema init failed")
	}
	defer store.Close()

	var authStore *auth.Store
	if cfg.Auth.Enabled {
		authStore = auth.NewStore(pool, 24*7)
		if err := authStore.InitSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("agentd: auth schema init failed")
		}
	}

	llmProvider, err := providers.Build(cfg, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("agentd: build llm provider failed")
	}

	registry := tools.NewRegistry()
	exec := cli.NewExecutor(cfg.Exec, cfg.Workdir)
	registry.Register(cli.NewTool(exec))
	registry.Register(web.NewTool(cfg.Tools.Search.Endpoint))
	registry.Register(web.NewFetchTool(dbManager.Search))
	registry.Register(db.NewSearchIndexTool(dbManager.Search))
	registry.Register(db.NewSearchQueryTool(dbManager.Search))
	registry.Register(db.NewVectorUpsertTool(dbManager.Vector, cfg.Embedding))
	registry.Register(db.NewVectorQueryTool(dbManager.Vector))
	registry.Register(db.NewHybridQueryTool(dbManager.Search, dbManager.Vector, cfg.Embedding))

	registry.Register(ragtool.NewIngestTool(dbManager))
	registry.Register(ragtool.NewRetrieveTool(dbManager))
	ragSvc := ragservice.New(dbManager)

	kbStore := knowledge.NewMemoryStore()
	retriever := knowledge.NewRetriever(kbStore, store, ragSvc, cfg.Tools.DefaultKBHeadLimit)
	registry.Register(knowledgetool.NewListTool(retriever))
	registry.Register(knowledgetool.NewHeadTool(retriever))
	registry.Register(knowledgetool.NewSearchTool(retriever))

	mcpPool := mcpclient.NewTaskPool(cfg.MCP)
	reaperStaleness := time.Duration(cfg.ReaperStalenessSeconds) * time.Second
	mcpPool.StartReaper(ctx, registry, reaperStaleness, reaperStaleness)
	defer mcpPool.Close()

	var cache streamlifecycle.Cache
	if cfg.Redis.Addr != "" {
		cache, err = streamlifecycle.NewRedisCache(cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("agentd: redis cache unavailable, stream resume degrades to durable-only")
			cache = nil
		}
	}
	streams := streamlifecycle.NewManager(store, cache)

	memClient := ltm.New(cfg.Memory)

	comp := compressor.New(cfg.LLMClient.OpenAI.Model, compressor.Config{
		Enabled:               cfg.Compression.Enabled,
		DefaultContextWindow:  cfg.Compression.DefaultContextWindow,
		FirstMessagesToKeep:   cfg.Compression.FirstMessagesToKeep,
		LastMessagesToKeep:    cfg.Compression.LastMessagesToKeep,
		AttachmentTruncateLen: cfg.Compression.AttachmentTruncateLength,
	}, 0, 0)

	engineTemplate := agent.Engine{
		LLM:        llmProvider,
		Tools:      registry,
		MaxSteps:   cfg.MaxAgentIterations,
		System:     prompts.DefaultSystemPrompt(cfg.Workdir),
		Model:      cfg.LLMClient.OpenAI.Model,
		Compressor: comp,
	}

	app := agentd.New(agentd.Deps{
		Config:         &cfg,
		Store:          store,
		DBManager:      dbManager,
		AuthStore:      authStore,
		LLM:            llmProvider,
		Tools:          registry,
		MCPPool:        mcpPool,
		Streams:        streams,
		Memory:         memClient,
		Knowledge:      retriever,
		EngineTemplate: engineTemplate,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	log.Info().Str("addr", addr).Msg("agentd listening")
	if err := http.ListenAndServe(addr, app.Handler()); err != nil {
		log.Fatal().Err(err).Msg("agentd: server failed")
	}
}
