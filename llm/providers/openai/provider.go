package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/hybridrag/internal/metrics"
	"github.com/BaSui01/hybridrag/llm"
	"github.com/BaSui01/hybridrag/llm/retry"
	"github.com/BaSui01/hybridrag/types"
)

const providerName = "openai"

// Config OpenAI 兼容协议的对话模型配置
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Temperature       float32
	MaxTokens         int
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Provider 基于 go-openai 的对话模型适配器，兼容任何 OpenAI 协议网关
type Provider struct {
	client  *goopenai.Client
	cfg     Config
	retryer *retry.Retryer
	limiter *rate.Limiter
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New 创建 Provider，metrics 可以为 nil
func New(cfg Config, collector *metrics.Collector, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
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

	logger = logger.With(zap.String("component", "llm"), zap.String("provider", providerName))
	return &Provider{
		client:  goopenai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		retryer: retry.NewRetryer(policy, logger),
		limiter: limiter,
		metrics: collector,
		logger:  logger,
	}
}

// Name 返回提供者名称
func (p *Provider) Name() string { return providerName }

// Model 返回默认模型名
func (p *Provider) Model() string { return p.cfg.Model }

// Completion 非流式补全，失败按 ADAPTER_ERROR 返回，可重试错误自动退避重试
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	oaReq := p.buildRequest(req, false)
	start := time.Now()

	resp, err := retry.Do(ctx, p.retryer, func(ctx context.Context) (goopenai.ChatCompletionResponse, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return goopenai.ChatCompletionResponse{}, wrapError(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		resp, err := p.client.CreateChatCompletion(callCtx, oaReq)
		if err != nil {
			return goopenai.ChatCompletionResponse{}, wrapError(err)
		}
		if len(resp.Choices) == 0 {
			return goopenai.ChatCompletionResponse{}, types.NewAdapterError("llm", errors.New("empty choices"))
		}
		return resp, nil
	})
	if err != nil {
		p.metrics.RecordLLMRequest(providerName, oaReq.Model, "error", time.Since(start), 0, 0)
		p.logger.Warn("completion failed", zap.String("model", oaReq.Model), zap.Error(err))
		return nil, err
	}

	p.metrics.RecordLLMRequest(providerName, resp.Model, "success", time.Since(start),
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return &llm.ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: types.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream 流式补全。只有建立连接阶段会重试；ctx 取消后关闭上游连接并结束 channel
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	oaReq := p.buildRequest(req, true)
	start := time.Now()

	streamCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	stream, err := retry.Do(streamCtx, p.retryer, func(ctx context.Context) (*goopenai.ChatCompletionStream, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, wrapError(err)
		}
		s, err := p.client.CreateChatCompletionStream(ctx, oaReq)
		if err != nil {
			return nil, wrapError(err)
		}
		return s, nil
	})
	if err != nil {
		cancel()
		p.metrics.RecordLLMRequest(providerName, oaReq.Model, "error", time.Since(start), 0, 0)
		return nil, err
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		defer cancel()
		defer stream.Close()

		status := "success"
		var usage *types.TokenUsage
		defer func() {
			prompt, completion := 0, 0
			if usage != nil {
				prompt, completion = usage.PromptTokens, usage.CompletionTokens
			}
			p.metrics.RecordLLMRequest(providerName, oaReq.Model, status, time.Since(start), prompt, completion)
		}()

		send := func(chunk llm.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					status = "canceled"
					p.logger.Debug("stream aborted by caller", zap.Error(ctx.Err()))
					return
				}
				status = "error"
				send(llm.StreamChunk{Err: wrapError(err)})
				return
			}

			chunk := llm.StreamChunk{}
			if len(resp.Choices) > 0 {
				chunk.Delta = resp.Choices[0].Delta.Content
				chunk.FinishReason = string(resp.Choices[0].FinishReason)
			}
			if resp.Usage != nil {
				usage = &types.TokenUsage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
				chunk.Usage = usage
			}
			if chunk.Delta == "" && chunk.FinishReason == "" && chunk.Usage == nil {
				continue
			}
			if !send(chunk) {
				status = "canceled"
				return
			}
		}
	}()
	return ch, nil
}

func (p *Provider) buildRequest(req *llm.ChatRequest, stream bool) goopenai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.cfg.Temperature
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	oaReq := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      stream,
	}
	if stream {
		oaReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}
	}
	if req.JSONMode {
		oaReq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return oaReq
}

// wrapError 将 go-openai 错误映射为 ADAPTER_ERROR；4xx（429 除外）不重试
func wrapError(err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	adapterErr := types.NewAdapterError("llm", err)

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
