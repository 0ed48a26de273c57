// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持固定响应、流式输出与错误注入场景。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/hybridrag/llm"
	"github.com/BaSui01/hybridrag/types"
)

// --- MockProvider 结构 ---

// MockProvider 是 llm.Provider 的模拟实现
type MockProvider struct {
	mu sync.RWMutex

	// 响应配置
	response     string
	streamChunks []string
	err          error

	// Token 使用统计
	promptTokens     int
	completionTokens int

	// 调用记录
	calls          []MockProviderCall
	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	streamFunc     func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)

	// 行为控制
	delay         time.Duration // 每次调用 / 每个流式块前的延迟
	failAfter     int           // 在第 N 次调用后失败
	callCount     int
	streamAborted bool
}

// MockProviderCall 记录单次调用
type MockProviderCall struct {
	Request  *llm.ChatRequest
	Response *llm.ChatResponse
	Stream   bool
	Error    error
}

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		response:         "Mock response",
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithResponse 设置固定响应内容
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError 设置返回错误
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithStreamChunks 设置流式响应块
func (m *MockProvider) WithStreamChunks(chunks []string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithTokenUsage 设置 Token 使用量
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay 设置响应延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 设置在第 N 次调用后失败
func (m *MockProvider) WithFailAfter(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithCompletionFunc 设置自定义 Completion 函数
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithStreamFunc 设置自定义 Stream 函数
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回 Provider 名称
func (m *MockProvider) Name() string {
	return "mock"
}

// Completion 生成响应
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.callCount++
	delay := m.delay
	fn := m.completionFunc

	if m.failAfter > 0 && m.callCount > m.failAfter {
		err := errors.New("mock provider: configured to fail after N calls")
		m.calls = append(m.calls, MockProviderCall{Request: req, Error: err})
		m.mu.Unlock()
		return nil, err
	}
	if m.err != nil {
		err := m.err
		m.calls = append(m.calls, MockProviderCall{Request: req, Error: err})
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	var (
		resp *llm.ChatResponse
		err  error
	)
	if fn != nil {
		resp, err = fn(ctx, req)
	} else {
		m.mu.RLock()
		resp = &llm.ChatResponse{
			ID:           "mock-response-id",
			Model:        req.Model,
			Content:      m.response,
			FinishReason: "stop",
			Usage: types.TokenUsage{
				PromptTokens:     m.promptTokens,
				CompletionTokens: m.completionTokens,
				TotalTokens:      m.promptTokens + m.completionTokens,
			},
		}
		m.mu.RUnlock()
	}

	m.mu.Lock()
	m.calls = append(m.calls, MockProviderCall{Request: req, Response: resp, Error: err})
	m.mu.Unlock()
	return resp, err
}

// Stream 流式生成响应；ctx 取消时停止发送并记录 StreamAborted
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	m.callCount++
	m.calls = append(m.calls, MockProviderCall{Request: req, Stream: true, Error: m.err})
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	if m.streamFunc != nil {
		fn := m.streamFunc
		m.mu.Unlock()
		return fn(ctx, req)
	}

	chunks := m.streamChunks
	if len(chunks) == 0 {
		chunks = []string{m.response}
	}
	delay := m.delay
	usage := &types.TokenUsage{
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		TotalTokens:      m.promptTokens + m.completionTokens,
	}
	m.mu.Unlock()

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for i, text := range chunks {
			if delay > 0 {
				select {
				case <-ctx.Done():
					m.markAborted()
					return
				case <-time.After(delay):
				}
			}
			chunk := llm.StreamChunk{Delta: text}
			if i == len(chunks)-1 {
				chunk.FinishReason = "stop"
				chunk.Usage = usage
			}
			select {
			case <-ctx.Done():
				m.markAborted()
				return
			case ch <- chunk:
			}
		}
	}()
	return ch, nil
}

func (m *MockProvider) markAborted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamAborted = true
}

// --- 调用记录查询 ---

// Calls 返回所有调用记录
func (m *MockProvider) Calls() []MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockProviderCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回调用次数
func (m *MockProvider) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// LastRequest 返回最后一次请求，没有调用时返回 nil
func (m *MockProvider) LastRequest() *llm.ChatRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1].Request
}

// StreamAborted 报告是否有流因 ctx 取消而提前结束
func (m *MockProvider) StreamAborted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streamAborted
}

// Reset 清空调用记录
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.streamAborted = false
}

var _ llm.Provider = (*MockProvider)(nil)
