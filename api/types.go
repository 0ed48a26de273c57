package api

import (
	"time"

	"github.com/BaSui01/hybridrag/agent"
	"github.com/BaSui01/hybridrag/rag"
	"github.com/BaSui01/hybridrag/types"
)

// =============================================================================
// 💬 OpenAI 兼容协议
// =============================================================================

// Object 取值
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
	ObjectModel               = "model"
	ObjectList                = "list"
)

// DoneMarker SSE 流结束标记
const DoneMarker = "[DONE]"

// ChatMessage OpenAI 消息
// @Description OpenAI 格式的对话消息
type ChatMessage struct {
	Role    string `json:"role" example:"user"`
	Content string `json:"content" example:"Who founded Acme Corporation?"`
	Name    string `json:"name,omitempty"`
}

// ChatCompletionRequest POST /v1/chat/completions 请求体。
// 未列出的 OpenAI 字段（top_p、n 等）被接受但忽略。
// @Description 聊天补全请求
type ChatCompletionRequest struct {
	Model       string        `json:"model,omitempty" example:"gpt-4o-mini"`
	Messages    []ChatMessage `json:"messages" binding:"required"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
	// SessionID 扩展字段，也可通过 X-Session-ID 头传入
	SessionID string `json:"session_id,omitempty"`
}

// ChatCompletionResponse 非流式响应
// @Description 聊天补全响应
type ChatCompletionResponse struct {
	ID        string                 `json:"id" example:"chatcmpl-1a2b3c4d"`
	Object    string                 `json:"object" example:"chat.completion"`
	Created   int64                  `json:"created"`
	Model     string                 `json:"model"`
	Choices   []ChatCompletionChoice `json:"choices"`
	Usage     CompletionUsage        `json:"usage"`
	SessionID string                 `json:"session_id,omitempty"`
}

// ChatCompletionChoice 非流式选项
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionChunk 流式帧
// @Description 流式聊天补全帧
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object" example:"chat.completion.chunk"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice 流式选项；FinishReason 只在最后一帧非空
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta 增量内容
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// CompletionUsage token 用量
type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelList GET /v1/models 响应
type ModelList struct {
	Object string      `json:"object" example:"list"`
	Data   []ModelInfo `json:"data"`
}

// ModelInfo 模型条目
type ModelInfo struct {
	ID      string `json:"id" example:"gpt-4o-mini"`
	Object  string `json:"object" example:"model"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ErrorBody OpenAI 风格的错误体，流中途出错时以 data 帧送出
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情；Type 为用户可见的错误分类
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// =============================================================================
// 🗨️ 原生聊天协议
// =============================================================================

// ChatRequest POST /chat 与 /chat/stream 请求体
// @Description 原生聊天请求
type ChatRequest struct {
	Message   string         `json:"message" binding:"required" example:"How is Alice Smith connected to Berlin?"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// SearchType 强制检索策略：vector、graph 或 hybrid；为空由分类器决定
	SearchType string `json:"search_type,omitempty" example:"hybrid"`
}

// ChatResponse POST /chat 响应
type ChatResponse struct {
	Message   string           `json:"message"`
	SessionID string           `json:"session_id"`
	ToolsUsed []types.ToolCall `json:"tools_used"`
	Citations []agent.Citation `json:"citations"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// StreamEvent /chat/stream 的 SSE 事件
type StreamEvent struct {
	Type      string           `json:"type" example:"text"`
	SessionID string           `json:"session_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	Tools     []types.ToolCall `json:"tools,omitempty"`
}

// StreamEvent.Type 取值
const (
	StreamEventSession = "session"
	StreamEventText    = "text"
	StreamEventTools   = "tools"
	StreamEventEnd     = "end"
	StreamEventError   = "error"
)

// =============================================================================
// 🔎 检索与文档
// =============================================================================

// SearchRequest POST /search/{type} 请求体
type SearchRequest struct {
	Query string `json:"query" binding:"required"`
	Limit int    `json:"limit,omitempty" example:"10"`
}

// SearchResponse 检索响应
type SearchResponse struct {
	Results      []rag.SearchResult `json:"results"`
	TotalResults int                `json:"total_results"`
	SearchType   string             `json:"search_type"`
	QueryTimeMS  float64            `json:"query_time_ms"`
}

// DocumentListResponse GET /documents 响应
type DocumentListResponse struct {
	Documents []rag.DocumentSummary `json:"documents"`
	Total     int                   `json:"total"`
	Limit     int                   `json:"limit"`
	Offset    int                   `json:"offset"`
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// HealthResponse GET /health 响应
type HealthResponse struct {
	Status    string                 `json:"status" example:"healthy"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Mode      ModeInfo               `json:"mode"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ModeInfo 运行模式开关
type ModeInfo struct {
	Persistent       bool `json:"persistent"`
	StreamingEnabled bool `json:"streaming_enabled"`
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// 健康状态
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)
