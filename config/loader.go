// =============================================================================
// 📦 HybridRAG 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("HYBRIDRAG").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/hybridrag/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 HybridRAG 的完整配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Mode      ModeConfig      `yaml:"mode" env:"MODE"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Neo4j     Neo4jConfig     `yaml:"neo4j" env:"NEO4J"`
	Qdrant    QdrantConfig    `yaml:"qdrant" env:"QDRANT"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	LLM       LLMConfig       `yaml:"llm" env:"LLM"`
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`
	Ingestion IngestionConfig `yaml:"ingestion" env:"INGESTION"`
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`
	Agent     AgentConfig     `yaml:"agent" env:"AGENT"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（流式响应需要足够长）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每秒请求数限制
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发请求上限
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORS 允许的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// ModeConfig 运行模式开关，在构造时显式传入 Orchestrator / Session Manager
type ModeConfig struct {
	// 持久化会话（false 为无状态模式）
	Persistent bool `yaml:"persistent" env:"PERSISTENT"`
	// 是否允许流式响应
	StreamingEnabled bool `yaml:"streaming_enabled" env:"STREAMING_ENABLED"`
	// 会话有效期，0 表示不过期
	SessionTTL time.Duration `yaml:"session_ttl" env:"SESSION_TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// Neo4jConfig 图数据库配置
type Neo4jConfig struct {
	URI      string `yaml:"uri" env:"URI"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	Database string `yaml:"database" env:"DATABASE"`
	// 连接池大小
	MaxConnectionPoolSize int `yaml:"max_connection_pool_size" env:"MAX_CONNECTION_POOL_SIZE"`
}

// QdrantConfig Qdrant 向量存储配置（retrieval.vector_backend=qdrant 时使用）
type QdrantConfig struct {
	Host       string `yaml:"host" env:"HOST"`
	Port       int    `yaml:"port" env:"PORT"`
	APIKey     string `yaml:"api_key" env:"API_KEY"`
	Collection string `yaml:"collection" env:"COLLECTION"`
	UseTLS     bool   `yaml:"use_tls" env:"USE_TLS"`
}

// RedisConfig Redis 配置，Addr 为空时关闭 Embedding 缓存
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	EmbeddingTTL time.Duration `yaml:"embedding_ttl" env:"EMBEDDING_TTL"`
}

// LLMConfig 对话模型配置
type LLMConfig struct {
	// Provider 名称（目前仅 openai 兼容协议）
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选，兼容 OpenAI 协议的网关）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型名称，/v1/models 返回此值
	Model string `yaml:"model" env:"MODEL"`
	// 温度参数
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 最大 Token 数
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// 单次请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 每秒请求上限（0 不限速）
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// EmbeddingConfig 向量化配置
type EmbeddingConfig struct {
	// API Key（为空时复用 llm.api_key）
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（为空时复用 llm.base_url）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	Model   string `yaml:"model" env:"MODEL"`
	// 向量维度，系统范围内固定
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// 单次请求最大文本数
	BatchSize         int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
}

// IngestionConfig 文档入库配置
type IngestionConfig struct {
	// 每个 chunk 的最大 token 数
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE"`
	// 相邻 chunk 的 token 重叠
	ChunkOverlap int `yaml:"chunk_overlap" env:"CHUNK_OVERLAP"`
	// 最小 chunk token 数（过小的尾块并入前一块）
	MinChunkSize int `yaml:"min_chunk_size" env:"MIN_CHUNK_SIZE"`
	// tiktoken 模型名；为 estimate 时按字符估算，不下载编码表
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
	// 单文档内 chunk 并发数
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 跨文档并发数
	DocumentConcurrency int `yaml:"document_concurrency" env:"DOCUMENT_CONCURRENCY"`
	// 实体去重策略: exact, case_insensitive
	EntityMatch string `yaml:"entity_match" env:"ENTITY_MATCH"`
	// 单次抽取超时
	ExtractionTimeout time.Duration `yaml:"extraction_timeout" env:"EXTRACTION_TIMEOUT"`
	// 存储写入超时
	StoreTimeout time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
}

// RetrievalConfig 检索配置
type RetrievalConfig struct {
	// 向量存储后端: pgvector, qdrant, memory
	VectorBackend string `yaml:"vector_backend" env:"VECTOR_BACKEND"`
	// 图存储后端: neo4j, memory
	GraphBackend string `yaml:"graph_backend" env:"GRAPH_BACKEND"`
	// 默认返回条数
	DefaultLimit int `yaml:"default_limit" env:"DEFAULT_LIMIT"`
	// 图遍历最大跳数
	MaxHops int `yaml:"max_hops" env:"MAX_HOPS"`
	// 子检索超时
	SearchTimeout time.Duration `yaml:"search_timeout" env:"SEARCH_TIMEOUT"`
}

// AgentConfig 编排器配置
type AgentConfig struct {
	// 系统提示词
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	// 送入 LLM 的检索条目上限
	ContextK int `yaml:"context_k" env:"CONTEXT_K"`
	// 送入 LLM 的历史消息条数
	HistoryMessages int `yaml:"history_messages" env:"HISTORY_MESSAGES"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "HYBRIDRAG",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 校验
// =============================================================================

// Validate 校验启动必需配置，失败返回 CONFIGURATION_ERROR，调用方应在监听端口前退出
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, "llm.api_key is required")
	}
	if c.LLM.Model == "" {
		errs = append(errs, "llm.model is required")
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, "embedding.dimensions must be positive")
	}
	if c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		errs = append(errs, "ingestion.chunk_overlap must be smaller than chunk_size")
	}
	if c.Ingestion.EntityMatch != "exact" && c.Ingestion.EntityMatch != "case_insensitive" {
		errs = append(errs, fmt.Sprintf("unknown ingestion.entity_match %q", c.Ingestion.EntityMatch))
	}
	if c.Agent.ContextK <= 0 {
		errs = append(errs, "agent.context_k must be positive")
	}
	if c.Mode.SessionTTL < 0 {
		errs = append(errs, "mode.session_ttl must not be negative")
	}

	switch c.Retrieval.VectorBackend {
	case "pgvector":
		if c.Database.Driver != "postgres" {
			errs = append(errs, "pgvector backend requires database.driver=postgres")
		}
		if c.Database.Host == "" {
			errs = append(errs, "database.host is required")
		}
	case "qdrant":
		if c.Qdrant.Host == "" {
			errs = append(errs, "qdrant.host is required")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("unknown retrieval.vector_backend %q", c.Retrieval.VectorBackend))
	}

	switch c.Retrieval.GraphBackend {
	case "neo4j":
		if c.Neo4j.URI == "" {
			errs = append(errs, "neo4j.uri is required")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("unknown retrieval.graph_backend %q", c.Retrieval.GraphBackend))
	}

	if len(errs) > 0 {
		return types.NewConfigurationError("config validation errors: " + strings.Join(errs, "; "))
	}
	return nil
}

// EmbeddingAPIKey 返回 Embedding 使用的 API Key
func (c *Config) EmbeddingAPIKey() string {
	if c.Embedding.APIKey != "" {
		return c.Embedding.APIKey
	}
	return c.LLM.APIKey
}

// EmbeddingBaseURL 返回 Embedding 使用的基础 URL
func (c *Config) EmbeddingBaseURL() string {
	if c.Embedding.BaseURL != "" {
		return c.Embedding.BaseURL
	}
	return c.LLM.BaseURL
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// URL 返回 golang-migrate 使用的 URL 形式连接串
func (d *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}
