package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/hybridrag/internal/metrics"
	"github.com/BaSui01/hybridrag/llm/retry"
	"github.com/BaSui01/hybridrag/types"
)

// OpenAIProvider implements embedding using OpenAI's API.
type OpenAIProvider struct {
	client  *goopenai.Client
	cfg     OpenAIConfig
	retryer *retry.Retryer
	limiter *rate.Limiter
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI embedding provider.
func NewOpenAIProvider(cfg OpenAIConfig, collector *metrics.Collector, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOpenAIConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = def.Dimensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	logger = logger.With(zap.String("component", "embedding"), zap.String("model", cfg.Model))
	return &OpenAIProvider{
		client:  goopenai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		retryer: retry.NewRetryer(policy, logger),
		limiter: limiter,
		metrics: collector,
		logger:  logger,
	}
}

func (p *OpenAIProvider) Name() string    { return "openai-embedding" }
func (p *OpenAIProvider) Dimensions() int { return p.cfg.Dimensions }

// Model 返回嵌入模型名，缓存键使用
func (p *OpenAIProvider) Model() string { return p.cfg.Model }

// EmbedQuery 嵌入单个查询字符串.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	vecs, err := p.EmbedDocuments(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments 按 BatchSize 分批调用 /embeddings.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(texts))
		batch, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			p.metrics.RecordEmbedding(p.cfg.Model, "error", end-start)
			return nil, err
		}
		p.metrics.RecordEmbedding(p.cfg.Model, "success", end-start)
		out = append(out, batch...)
	}
	return out, nil
}

func (p *OpenAIProvider) embedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	req := goopenai.EmbeddingRequest{
		Input: texts,
		Model: goopenai.EmbeddingModel(p.cfg.Model),
	}
	// 只有 text-embedding-3 系列支持自定义维度
	if strings.HasPrefix(p.cfg.Model, "text-embedding-3") {
		req.Dimensions = p.cfg.Dimensions
	}

	resp, err := retry.Do(ctx, p.retryer, func(ctx context.Context) (goopenai.EmbeddingResponse, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return goopenai.EmbeddingResponse{}, types.NewAdapterError("embedding", err)
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		resp, err := p.client.CreateEmbeddings(callCtx, req)
		if err != nil {
			return goopenai.EmbeddingResponse{}, wrapError(err)
		}
		return resp, nil
	})
	if err != nil {
		p.logger.Warn("embedding request failed", zap.Int("texts", len(texts)), zap.Error(err))
		return nil, err
	}

	if len(resp.Data) != len(texts) {
		return nil, types.NewAdapterError("embedding",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))).WithRetryable(false)
	}

	vecs := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, types.NewAdapterError("embedding",
				fmt.Errorf("embedding index %d out of range", d.Index)).WithRetryable(false)
		}
		if len(d.Embedding) != p.cfg.Dimensions {
			return nil, types.NewAdapterError("embedding",
				fmt.Errorf("dimension mismatch: expected %d, got %d", p.cfg.Dimensions, len(d.Embedding))).WithRetryable(false)
		}
		vec := make([]float64, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float64(v)
		}
		vecs[d.Index] = vec
	}
	for i, v := range vecs {
		if v == nil {
			return nil, types.NewAdapterError("embedding",
				fmt.Errorf("missing embedding for input %d", i)).WithRetryable(false)
		}
	}
	return vecs, nil
}

// wrapError 将 go-openai 错误映射为 ADAPTER_ERROR；4xx（429 除外）不重试
func wrapError(err error) *types.Error {
	adapterErr := types.NewAdapterError("embedding", err)

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		adapterErr.WithRetryable(false)
	}
	return adapterErr
}

var _ Provider = (*OpenAIProvider)(nil)
