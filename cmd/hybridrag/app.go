package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"

	"github.com/BaSui01/hybridrag/agent"
	"github.com/BaSui01/hybridrag/agent/session"
	"github.com/BaSui01/hybridrag/config"
	"github.com/BaSui01/hybridrag/internal/cache"
	"github.com/BaSui01/hybridrag/internal/database"
	"github.com/BaSui01/hybridrag/internal/metrics"
	"github.com/BaSui01/hybridrag/internal/tlsutil"
	"github.com/BaSui01/hybridrag/llm/embedding"
	"github.com/BaSui01/hybridrag/llm/providers/openai"
	"github.com/BaSui01/hybridrag/llm/retry"
	"github.com/BaSui01/hybridrag/rag"
	"github.com/BaSui01/hybridrag/types"
)

// =============================================================================
// 🧩 组件装配（serve 与 ingest 共用）
// =============================================================================

// ingestion.tokenizer_model 取该值时使用字符估算
const estimateTokenizer = "estimate"

// app 持有按配置创建的存储与适配器
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector

	pool     *database.PoolManager // 未配置数据库时为 nil
	cache    *cache.Manager        // 未配置 redis 时为 nil
	vectors  rag.VectorStore
	graph    rag.GraphStore
	embedder embedding.Provider
	provider *openai.Provider

	closers []func(context.Context) error
}

// loadConfig 加载并校验配置；失败时调用方必须在监听端口前退出
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader().WithEnvPrefix("HYBRIDRAG")
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, types.NewConfigurationError(err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp 按配置创建全部后端。任一必需后端创建失败都会关闭已创建的部分
func newApp(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, collector: collector}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if err = a.openDatabase(); err != nil {
		return nil, err
	}
	if err = a.openVectorStore(); err != nil {
		return nil, err
	}
	if err = a.openGraphStore(ctx); err != nil {
		return nil, err
	}
	a.openEmbedder(ctx)
	a.provider = openai.New(openai.Config{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		Temperature:       float32(cfg.LLM.Temperature),
		MaxTokens:         cfg.LLM.MaxTokens,
		Timeout:           cfg.LLM.Timeout,
		MaxRetries:        cfg.LLM.MaxRetries,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
		HTTPClient:        tlsutil.HTTPClient(0),
	}, collector, logger)
	return a, nil
}

func (a *app) openDatabase() error {
	needDB := a.cfg.Mode.Persistent ||
		a.cfg.Retrieval.VectorBackend == "pgvector" ||
		a.cfg.Retrieval.VectorBackend == "qdrant"
	if a.cfg.Database.Driver == "" {
		if needDB {
			return types.NewConfigurationError("database.driver is required for persistent sessions and the " +
				a.cfg.Retrieval.VectorBackend + " vector backend")
		}
		return nil
	}

	db, err := database.Open(a.cfg.Database)
	if err != nil {
		return types.NewStoreUnavailable("database", err)
	}
	pool, err := database.NewPoolManager(db, database.PoolConfigFrom(a.cfg.Database), a.logger)
	if err != nil {
		return types.NewStoreUnavailable("database", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func(context.Context) error { return pool.Close() })

	// postgres 的表结构由 `hybridrag migrate up` 管理；sqlite 仅用于本地开发，直接 AutoMigrate
	if a.cfg.Database.Driver == "sqlite" {
		if err := pool.DB().AutoMigrate(&rag.DocumentModel{}, &session.SessionModel{}, &session.MessageModel{}); err != nil {
			return fmt.Errorf("auto-migrate sqlite schema: %w", err)
		}
	}
	a.logger.Info("database connected", zap.String("driver", a.cfg.Database.Driver))
	return nil
}

func (a *app) db() *gorm.DB {
	if a.pool == nil {
		return nil
	}
	return a.pool.DB()
}

func (a *app) openVectorStore() error {
	dims := a.cfg.Embedding.Dimensions
	switch a.cfg.Retrieval.VectorBackend {
	case "pgvector":
		a.vectors = rag.NewPGVectorStore(a.db(), dims, a.logger)
	case "qdrant":
		store, err := rag.NewQdrantStore(rag.QdrantConfig{
			Host:       a.cfg.Qdrant.Host,
			Port:       a.cfg.Qdrant.Port,
			APIKey:     a.cfg.Qdrant.APIKey,
			UseTLS:     a.cfg.Qdrant.UseTLS,
			Collection: a.cfg.Qdrant.Collection,
			VectorSize: dims,
		}, a.db(), a.logger)
		if err != nil {
			return err
		}
		a.vectors = store
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	default:
		a.vectors = rag.NewInMemoryVectorStore(dims, a.logger)
	}
	a.logger.Info("vector store ready", zap.String("backend", a.vectors.Name()), zap.Int("dimensions", dims))
	return nil
}

func (a *app) openGraphStore(ctx context.Context) error {
	match := rag.ParseEntityMatch(a.cfg.Ingestion.EntityMatch)
	switch a.cfg.Retrieval.GraphBackend {
	case "neo4j":
		store, err := rag.NewNeo4jGraphStore(rag.Neo4jConfig{
			URI:                   a.cfg.Neo4j.URI,
			Username:              a.cfg.Neo4j.Username,
			Password:              a.cfg.Neo4j.Password,
			Database:              a.cfg.Neo4j.Database,
			MaxConnectionPoolSize: a.cfg.Neo4j.MaxConnectionPoolSize,
			EntityMatch:           match,
		}, a.logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		// 约束创建失败不阻止启动：图检索会单独降级，/health 会报告 graph_store 失败
		if err := store.EnsureSchema(ctx); err != nil {
			a.logger.Warn("neo4j schema setup failed", zap.Error(err))
		}
		a.graph = store
	default:
		a.graph = rag.NewMemoryGraphStore(match, a.logger)
	}
	a.logger.Info("graph store ready", zap.String("backend", a.cfg.Retrieval.GraphBackend))
	return nil
}

// openEmbedder 创建 Embedding 适配器；配置了 redis 时套一层缓存，redis 不可用只告警
func (a *app) openEmbedder(ctx context.Context) {
	var provider embedding.Provider = embedding.NewOpenAIProvider(embedding.OpenAIConfig{
		APIKey:            a.cfg.EmbeddingAPIKey(),
		BaseURL:           a.cfg.EmbeddingBaseURL(),
		Model:             a.cfg.Embedding.Model,
		Dimensions:        a.cfg.Embedding.Dimensions,
		BatchSize:         a.cfg.Embedding.BatchSize,
		Timeout:           a.cfg.Embedding.Timeout,
		MaxRetries:        a.cfg.Embedding.MaxRetries,
		RequestsPerSecond: a.cfg.Embedding.RequestsPerSecond,
		HTTPClient:        tlsutil.HTTPClient(0),
	}, a.collector, a.logger)

	if a.cfg.Redis.Addr != "" {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = a.cfg.Redis.Addr
		cacheCfg.Password = a.cfg.Redis.Password
		cacheCfg.DB = a.cfg.Redis.DB
		if a.cfg.Redis.PoolSize > 0 {
			cacheCfg.PoolSize = a.cfg.Redis.PoolSize
		}
		if a.cfg.Redis.MinIdleConns > 0 {
			cacheCfg.MinIdleConns = a.cfg.Redis.MinIdleConns
		}
		mgr, err := cache.NewManager(ctx, cacheCfg, a.logger)
		if err != nil {
			a.logger.Warn("redis unavailable, embedding cache disabled", zap.Error(err))
		} else {
			a.cache = mgr
			a.closers = append(a.closers, func(context.Context) error { return mgr.Close() })
			provider = embedding.NewCachedProvider(provider, mgr, a.cfg.Embedding.Model,
				a.cfg.Redis.EmbeddingTTL, a.collector, a.logger)
		}
	}
	a.embedder = provider
}

// coordinator 创建摄取协调器
func (a *app) coordinator() *rag.Coordinator {
	ing := a.cfg.Ingestion
	tok := rag.NewTiktokenAdapter(ing.TokenizerModel, a.logger)
	if ing.TokenizerModel == estimateTokenizer {
		tok = rag.NewEstimatorAdapter(a.cfg.LLM.Model, 0, a.logger)
	}
	chunker := rag.NewDocumentChunker(rag.ChunkingConfig{
		ChunkSize:    ing.ChunkSize,
		ChunkOverlap: ing.ChunkOverlap,
		MinChunkSize: ing.MinChunkSize,
	}, tok, a.logger)

	extractor := rag.NewLLMExtractor(a.provider, rag.LLMExtractorConfig{
		Model:     a.cfg.LLM.Model,
		MaxTokens: a.cfg.LLM.MaxTokens,
		Timeout:   ing.ExtractionTimeout,
		Retry:     retry.DefaultPolicy(),
	}, a.collector, a.logger)

	return rag.NewCoordinator(rag.CoordinatorConfig{
		MaxConcurrency:      ing.MaxConcurrency,
		DocumentConcurrency: ing.DocumentConcurrency,
		EmbeddingBatchSize:  a.cfg.Embedding.BatchSize,
		ExtractionTimeout:   ing.ExtractionTimeout,
		StoreTimeout:        ing.StoreTimeout,
	}, chunker, a.embedder, extractor, a.vectors, a.graph, a.collector, a.logger)
}

// engine 创建检索引擎
func (a *app) engine() *rag.Engine {
	return rag.NewEngine(rag.EngineConfig{
		MaxHops:       a.cfg.Retrieval.MaxHops,
		SearchTimeout: a.cfg.Retrieval.SearchTimeout,
		DefaultLimit:  a.cfg.Retrieval.DefaultLimit,
	}, a.embedder, a.vectors, a.graph, a.collector, a.logger)
}

// sessions 创建会话管理器，模式来自配置
func (a *app) sessions() (*session.Manager, error) {
	var db *gorm.DB
	if a.cfg.Mode.Persistent {
		db = a.db()
	}
	return session.NewManager(db, session.Mode{Persistent: a.cfg.Mode.Persistent},
		session.Config{TTL: a.cfg.Mode.SessionTTL}, a.logger)
}

// orchestrator 创建编排器，与会话管理器共享同一模式
func (a *app) orchestrator(retriever agent.Retriever, sessions *session.Manager) (*agent.Orchestrator, error) {
	return agent.NewOrchestrator(agent.Config{
		Model:           a.cfg.LLM.Model,
		SystemPrompt:    a.cfg.Agent.SystemPrompt,
		ContextK:        a.cfg.Agent.ContextK,
		HistoryMessages: a.cfg.Agent.HistoryMessages,
		MaxTokens:       a.cfg.LLM.MaxTokens,
		Temperature:     float32(a.cfg.LLM.Temperature),
		LLMTimeout:      a.cfg.LLM.Timeout,
	}, agent.Mode{Persistent: a.cfg.Mode.Persistent}, retriever, a.provider, sessions,
		nil, a.collector, a.logger)
}

// Close 逆序关闭已创建的后端
func (a *app) Close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error while closing backends", zap.Error(err))
	}
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
