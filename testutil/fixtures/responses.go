// =============================================================================
// 📦 测试数据工厂 - LLM 响应测试数据
// =============================================================================
// 提供预定义的对话补全、流式片段与实体抽取输出
// =============================================================================
package fixtures

import (
	"strings"

	"github.com/BaSui01/hybridrag/llm"
	"github.com/BaSui01/hybridrag/types"
)

// SimpleResponse 返回简单的文本响应
func SimpleResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		ID:           "resp-001",
		Model:        "gpt-4o-mini",
		Content:      content,
		FinishReason: "stop",
		Usage: types.TokenUsage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
}

// ResponseWithUsage 返回带自定义 Token 使用量的响应
func ResponseWithUsage(content string, promptTokens, completionTokens int) *llm.ChatResponse {
	resp := SimpleResponse(content)
	resp.Usage = types.TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
	return resp
}

// StreamChunks 把文本按空格切成增量片段，最后一片带 finish_reason
func StreamChunks(content string) []llm.StreamChunk {
	words := strings.SplitAfter(content, " ")
	chunks := make([]llm.StreamChunk, 0, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, llm.StreamChunk{Delta: w})
	}
	if len(chunks) > 0 {
		chunks[len(chunks)-1].FinishReason = "stop"
	}
	return chunks
}

// ExtractionJSON 针对 AcmeOverview 首个章节的抽取输出
const ExtractionJSON = `{
  "entities": [
    {"name": "Alice Smith", "type": "person"},
    {"name": "Acme Corporation", "type": "organization"},
    {"name": "Berlin", "type": "location"}
  ],
  "relations": [
    {"source": "Alice Smith", "target": "Acme Corporation", "type": "FOUNDED"},
    {"source": "Acme Corporation", "target": "Berlin", "type": "LOCATED_IN"}
  ]
}`

// SimpleConversation 一轮用户与助手对话
func SimpleConversation() []types.Message {
	return []types.Message{
		types.NewUserMessage("Who founded Acme Corporation?"),
		types.NewAssistantMessage("Alice Smith founded Acme Corporation in Berlin [1]."),
	}
}
