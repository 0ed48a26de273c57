package llm

import (
	"context"

	"github.com/BaSui01/hybridrag/types"
)

// ChatRequest 一次对话补全请求
type ChatRequest struct {
	Model       string          `json:"model,omitempty"`
	Messages    []types.Message `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float32         `json:"temperature,omitempty"`
	// JSONMode 要求模型输出单个 JSON 对象（实体抽取使用）
	JSONMode bool `json:"json_mode,omitempty"`
}

// ChatResponse 非流式补全结果
type ChatResponse struct {
	ID           string           `json:"id"`
	Model        string           `json:"model"`
	Content      string           `json:"content"`
	FinishReason string           `json:"finish_reason"`
	Usage        types.TokenUsage `json:"usage"`
}

// StreamChunk 流式补全的增量片段。Err 非空时为最后一个片段
type StreamChunk struct {
	Delta        string            `json:"delta,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        *types.TokenUsage `json:"usage,omitempty"`
	Err          error             `json:"-"`
}

// Provider 对话模型适配器。
// Stream 返回的 channel 在生成结束、出错或 ctx 取消后关闭；
// ctx 取消必须中止上游请求。
type Provider interface {
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	Name() string
}

// Collect 读完 Stream 返回的 channel 并拼接为完整文本
func Collect(ch <-chan StreamChunk) (string, *types.TokenUsage, error) {
	var (
		content []byte
		usage   *types.TokenUsage
	)
	for chunk := range ch {
		if chunk.Err != nil {
			return string(content), usage, chunk.Err
		}
		content = append(content, chunk.Delta...)
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	return string(content), usage, nil
}
