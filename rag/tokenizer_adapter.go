package rag

import (
	"go.uber.org/zap"

	lltok "github.com/BaSui01/hybridrag/llm/tokenizer"
)

// Tokenizer 分块专用分词器接口
type Tokenizer interface {
	CountTokens(text string) int
}

// LLMTokenizerAdapter 将 llm/tokenizer.Tokenizer 适配为 rag.Tokenizer 接口。
// 当底层 tokenizer 返回 error 时，回退到字符估算并记录警告日志。
type LLMTokenizerAdapter struct {
	inner  lltok.Tokenizer
	logger *zap.Logger
}

// NewLLMTokenizerAdapter 创建适配器。
func NewLLMTokenizerAdapter(inner lltok.Tokenizer, logger *zap.Logger) *LLMTokenizerAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMTokenizerAdapter{inner: inner, logger: logger}
}

// CountTokens 返回文本的 token 数。
// 底层 tokenizer 出错时回退到 len(text)/4 估算。
func (a *LLMTokenizerAdapter) CountTokens(text string) int {
	count, err := a.inner.CountTokens(text)
	if err != nil {
		a.logger.Warn("tokenizer CountTokens failed, falling back to estimate",
			zap.Error(err))
		return len(text) / 4
	}
	return count
}

// NewTiktokenAdapter 创建基于 tiktoken 的适配器；编码表不可用时自动降级为估算器。
// model 参数指定 tiktoken 模型（如 "gpt-4o", "gpt-4"）。
func NewTiktokenAdapter(model string, logger *zap.Logger) Tokenizer {
	return NewLLMTokenizerAdapter(lltok.ForModel(model, logger), logger)
}

// NewEstimatorAdapter 创建基于 EstimatorTokenizer 的适配器，不需要下载编码数据。
func NewEstimatorAdapter(model string, maxTokens int, logger *zap.Logger) Tokenizer {
	return NewLLMTokenizerAdapter(lltok.NewEstimatorTokenizer(model, maxTokens), logger)
}
