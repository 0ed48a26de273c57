// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/hybridrag/types"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8058, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	// 默认持久化 + 允许流式
	assert.True(t, cfg.Mode.Persistent)
	assert.True(t, cfg.Mode.StreamingEnabled)

	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, 512, cfg.Ingestion.ChunkSize)
	assert.Equal(t, 50, cfg.Ingestion.ChunkOverlap)
	assert.Equal(t, "case_insensitive", cfg.Ingestion.EntityMatch)

	assert.Equal(t, "pgvector", cfg.Retrieval.VectorBackend)
	assert.Equal(t, "neo4j", cfg.Retrieval.GraphBackend)
	assert.Equal(t, 2, cfg.Retrieval.MaxHops)

	assert.Equal(t, 4, cfg.Agent.ContextK)
	assert.Equal(t, 6, cfg.Agent.HistoryMessages)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8058, cfg.Server.HTTPPort)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

mode:
  persistent: false
  streaming_enabled: false
  session_ttl: 72h

llm:
  model: "qwen2.5:14b"
  api_key: "sk-test"

neo4j:
  uri: "bolt://graph:7687"

ingestion:
  chunk_size: 800
  chunk_overlap: 100
  entity_match: exact

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.False(t, cfg.Mode.Persistent)
	assert.False(t, cfg.Mode.StreamingEnabled)
	assert.Equal(t, 72*time.Hour, cfg.Mode.SessionTTL)
	assert.Equal(t, "qwen2.5:14b", cfg.LLM.Model)
	assert.Equal(t, "bolt://graph:7687", cfg.Neo4j.URI)
	assert.Equal(t, 800, cfg.Ingestion.ChunkSize)
	assert.Equal(t, "exact", cfg.Ingestion.EntityMatch)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未覆盖的字段保留默认值
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("HYBRIDRAG_SERVER_HTTP_PORT", "7777")
	t.Setenv("HYBRIDRAG_MODE_PERSISTENT", "false")
	t.Setenv("HYBRIDRAG_MODE_STREAMING_ENABLED", "false")
	t.Setenv("HYBRIDRAG_LLM_MODEL", "gpt-4.1")
	t.Setenv("HYBRIDRAG_LLM_TEMPERATURE", "0.9")
	t.Setenv("HYBRIDRAG_RETRIEVAL_SEARCH_TIMEOUT", "3s")
	t.Setenv("HYBRIDRAG_LOG_OUTPUT_PATHS", "stdout, /var/log/hybridrag.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.False(t, cfg.Mode.Persistent)
	assert.False(t, cfg.Mode.StreamingEnabled)
	assert.Equal(t, "gpt-4.1", cfg.LLM.Model)
	assert.Equal(t, 0.9, cfg.LLM.Temperature)
	assert.Equal(t, 3*time.Second, cfg.Retrieval.SearchTimeout)
	assert.Equal(t, []string{"stdout", "/var/log/hybridrag.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("llm:\n  model: yaml-model\n"), 0644))

	t.Setenv("HYBRIDRAG_LLM_MODEL", "env-model")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, "env-model", cfg.LLM.Model)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("RAG_SERVER_HTTP_PORT", "6060")

	cfg, err := NewLoader().WithEnvPrefix("RAG").Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.HTTPPort)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("HYBRIDRAG_SERVER_HTTP_PORT", "not-a-number")

	_, err := NewLoader().Load()
	require.Error(t, err)
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()

	// 默认配置缺少 llm.api_key
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8058, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	require.Error(t, err)
}

// --- Validate 测试 ---

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-test"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid defaults with key", mutate: func(*Config) {}},
		{name: "missing api key", mutate: func(c *Config) { c.LLM.APIKey = "" }, wantErr: "llm.api_key"},
		{name: "bad port", mutate: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "HTTP port"},
		{name: "unknown vector backend", mutate: func(c *Config) { c.Retrieval.VectorBackend = "faiss" }, wantErr: "vector_backend"},
		{name: "unknown graph backend", mutate: func(c *Config) { c.Retrieval.GraphBackend = "dgraph" }, wantErr: "graph_backend"},
		{name: "missing neo4j uri", mutate: func(c *Config) { c.Neo4j.URI = "" }, wantErr: "neo4j.uri"},
		{name: "pgvector on sqlite", mutate: func(c *Config) { c.Database.Driver = "sqlite" }, wantErr: "pgvector"},
		{name: "overlap too large", mutate: func(c *Config) { c.Ingestion.ChunkOverlap = 600 }, wantErr: "chunk_overlap"},
		{name: "bad entity match", mutate: func(c *Config) { c.Ingestion.EntityMatch = "fuzzy" }, wantErr: "entity_match"},
		{name: "negative session ttl", mutate: func(c *Config) { c.Mode.SessionTTL = -time.Minute }, wantErr: "session_ttl"},
		{
			name: "memory backends need no stores",
			mutate: func(c *Config) {
				c.Retrieval.VectorBackend = "memory"
				c.Retrieval.GraphBackend = "memory"
				c.Neo4j.URI = ""
				c.Database.Host = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
		})
	}
}

func TestConfig_EmbeddingFallbacks(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.BaseURL = "http://llm:8080/v1"

	assert.Equal(t, "sk-test", cfg.EmbeddingAPIKey())
	assert.Equal(t, "http://llm:8080/v1", cfg.EmbeddingBaseURL())

	cfg.Embedding.APIKey = "sk-embed"
	cfg.Embedding.BaseURL = "http://embed:8080/v1"
	assert.Equal(t, "sk-embed", cfg.EmbeddingAPIKey())
	assert.Equal(t, "http://embed:8080/v1", cfg.EmbeddingBaseURL())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "rag", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=rag sslmode=disable", pg.DSN())
	assert.Equal(t, "postgres://u:p@db:5432/rag?sslmode=disable", pg.URL())

	lite := DatabaseConfig{Driver: "sqlite", Name: "rag.db"}
	assert.Equal(t, "rag.db", lite.DSN())

	assert.Equal(t, "", (&DatabaseConfig{Driver: "oracle"}).DSN())
}
