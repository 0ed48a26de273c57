// =============================================================================
// 📦 HybridRAG 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Mode:      DefaultModeConfig(),
		Database:  DefaultDatabaseConfig(),
		Neo4j:     DefaultNeo4jConfig(),
		Qdrant:    DefaultQdrantConfig(),
		Redis:     DefaultRedisConfig(),
		LLM:       DefaultLLMConfig(),
		Embedding: DefaultEmbeddingConfig(),
		Ingestion: DefaultIngestionConfig(),
		Retrieval: DefaultRetrievalConfig(),
		Agent:     DefaultAgentConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8058,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultModeConfig 返回默认运行模式：持久化会话 + 允许流式
func DefaultModeConfig() ModeConfig {
	return ModeConfig{
		Persistent:       true,
		StreamingEnabled: true,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "hybridrag",
		Password:        "",
		Name:            "hybridrag",
		SSLMode:         "disable",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultNeo4jConfig 返回默认 Neo4j 配置
func DefaultNeo4jConfig() Neo4jConfig {
	return Neo4jConfig{
		URI:                   "neo4j://localhost:7687",
		Username:              "neo4j",
		Database:              "neo4j",
		MaxConnectionPoolSize: 50,
	}
}

// DefaultQdrantConfig 返回默认 Qdrant 配置
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Host:       "localhost",
		Port:       6334,
		Collection: "hybridrag_chunks",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置（Addr 为空表示不启用缓存）
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		EmbeddingTTL: 24 * time.Hour,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		Temperature:       0.2,
		MaxTokens:         1024,
		Timeout:           2 * time.Minute,
		MaxRetries:        3,
		RequestsPerSecond: 0,
	}
}

// DefaultEmbeddingConfig 返回默认 Embedding 配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Model:             "text-embedding-3-small",
		Dimensions:        1536,
		BatchSize:         100,
		Timeout:           30 * time.Second,
		MaxRetries:        3,
		RequestsPerSecond: 20,
	}
}

// DefaultIngestionConfig 返回默认入库配置
func DefaultIngestionConfig() IngestionConfig {
	return IngestionConfig{
		ChunkSize:           512,
		ChunkOverlap:        50,
		MinChunkSize:        20,
		TokenizerModel:      "gpt-4o",
		MaxConcurrency:      4,
		DocumentConcurrency: 2,
		EntityMatch:         "case_insensitive",
		ExtractionTimeout:   60 * time.Second,
		StoreTimeout:        15 * time.Second,
	}
}

// DefaultRetrievalConfig 返回默认检索配置
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		VectorBackend: "pgvector",
		GraphBackend:  "neo4j",
		DefaultLimit:  10,
		MaxHops:       2,
		SearchTimeout: 10 * time.Second,
	}
}

// DefaultAgentConfig 返回默认编排器配置
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		SystemPrompt: "You are a research assistant with access to a document knowledge base " +
			"and a knowledge graph. Answer using the provided context and cite sources with [n] markers. " +
			"If the context does not contain the answer, say so.",
		ContextK:        4,
		HistoryMessages: 6,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "hybridrag",
		SampleRate:   0.1,
	}
}
