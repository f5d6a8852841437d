// Package app wires the service singletons into one aggregate that the
// transport layer (and the queue worker) build on.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"lorebase/internal/cache"
	"lorebase/internal/chat"
	"lorebase/internal/config"
	"lorebase/internal/embed"
	"lorebase/internal/extract"
	"lorebase/internal/files"
	"lorebase/internal/ingest"
	"lorebase/internal/kb"
	"lorebase/internal/llm"
	"lorebase/internal/mcptools"
	"lorebase/internal/objectstore"
	"lorebase/internal/ocr"
	"lorebase/internal/ratelimit"
	"lorebase/internal/rerank"
	"lorebase/internal/retrieve"
	"lorebase/internal/store"
	"lorebase/internal/tasks"
	"lorebase/internal/vectorstore"
)

// App is the fully wired service core. All handles are process-wide
// singletons; Close tears them down in reverse order.
type App struct {
	Config       config.Config
	Store        store.Store
	Vectors      vectorstore.Store
	Objects      objectstore.ObjectStore
	Redis        redis.UniversalClient
	Cache        *cache.Cache
	Limiter      *ratelimit.Limiter
	LLM          llm.Client
	Embedder     embed.Client
	Files        *files.Service
	KB           *kb.Service
	Pipeline     *ingest.Pipeline
	Engine       *retrieve.Engine
	Chat         *chat.Orchestrator
	Tasks        *tasks.Runner
	TaskExecutor tasks.Executor
	MCP          *mcptools.Manager
}

// New builds the aggregate from configuration. Degradable dependencies
// (redis, MCP servers) log and continue; hard dependencies fail.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}

	var err error
	a.Store, err = store.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("relational store: %w", err)
	}

	a.Vectors, err = vectorstore.New(ctx, cfg.Vector)
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}

	if cfg.ObjectStore.Backend == "memory" {
		a.Objects = objectstore.NewMemory()
	} else {
		a.Objects, err = objectstore.NewS3(ctx, cfg.ObjectStore)
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
	}

	if opts, perr := redis.ParseURL(cfg.Redis.URL); perr == nil {
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable; cache and rate limiting degrade to no-ops")
		}
	} else {
		log.Warn().Err(perr).Msg("invalid REDIS_URL; cache and rate limiting disabled")
	}

	a.Cache = cache.New(a.Redis, cfg.Cache)
	a.Limiter = ratelimit.New(a.Redis, cfg.RateLimit)

	a.LLM = llm.NewOpenAI(cfg.LLM)
	a.Embedder = embed.NewClient(cfg.Embedding, cfg.Vector.Dimension)
	rerankClient := rerank.NewClient(cfg.Rerank)
	ocrClient := ocr.New(a.LLM, cfg.LLM.OCRModel)
	extractor := extract.New(ocrClient, cfg.Upload.PDFOCRMinChars)

	a.Files = files.NewService(a.Store, a.Objects, a.Vectors, a.Cache, a.Limiter, cfg.Upload)
	a.Pipeline = ingest.New(a.Store, a.Files, extractor, a.Embedder, a.Vectors, a.Cache, cfg.Chunking, cfg.Vector.Dimension)
	a.KB = kb.NewService(a.Store, a.Vectors, a.Cache)
	a.Engine = retrieve.NewEngine(a.Store, a.Vectors, a.Embedder, rerankClient, a.LLM, cfg.RAG)

	a.MCP = mcptools.NewManager(ctx, cfg.MCPServers)
	var toolRunner chat.ToolRunner
	if a.MCP.HasTools() {
		toolRunner = a.MCP
	}
	a.Chat = chat.New(a.Store, a.Engine, a.LLM, a.Cache, a.Limiter, toolRunner,
		cfg.Chat, cfg.RAG.ConfidenceThreshold, cfg.LLM.Model)

	a.TaskExecutor = tasks.NewPipelineExecutor(a.Pipeline)
	a.Tasks = tasks.NewRunner(cfg.Queue, a.Redis, a.TaskExecutor)

	return a, nil
}

// Close releases the process-wide handles.
func (a *App) Close() {
	if a.MCP != nil {
		a.MCP.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Vectors != nil {
		_ = a.Vectors.Close()
	}
}
