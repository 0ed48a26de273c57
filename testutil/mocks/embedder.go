package mocks

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/BaSui01/hybridrag/llm/embedding"
	"github.com/BaSui01/hybridrag/types"
)

// MockEmbedder 是 embedding.Provider 的确定性模拟实现。
// 默认按词袋哈希生成向量，共享词越多的文本余弦相似度越高。
type MockEmbedder struct {
	mu sync.RWMutex

	dims    int
	vectors map[string][]float64
	err     error
	failOn  []string

	calls int
	texts int
}

// NewMockEmbedder 创建指定维度的 MockEmbedder
func NewMockEmbedder(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &MockEmbedder{dims: dims, vectors: make(map[string][]float64)}
}

// WithVector 为指定文本固定返回向量
func (m *MockEmbedder) WithVector(text string, vec []float64) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[text] = vec
	return m
}

// WithError 所有调用返回 err
func (m *MockEmbedder) WithError(err error) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithFailOn 输入包含 substr 的批次返回 ADAPTER_ERROR
func (m *MockEmbedder) WithFailOn(substr string) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn = append(m.failOn, substr)
	return m
}

func (m *MockEmbedder) Name() string    { return "mock-embedding" }
func (m *MockEmbedder) Dimensions() int { return m.dims }

// EmbedQuery 嵌入单个查询
func (m *MockEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	vecs, err := m.EmbedDocuments(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments 批量嵌入
func (m *MockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewAdapterError("embedding", err)
	}

	m.mu.Lock()
	m.calls++
	m.texts += len(texts)
	err := m.err
	failOn := m.failOn
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	for _, text := range texts {
		for _, s := range failOn {
			if strings.Contains(text, s) {
				return nil, types.NewAdapterError("embedding", errors.New("mock embedding failure"))
			}
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if v, ok := m.vectors[text]; ok {
			out[i] = v
			continue
		}
		out[i] = HashVector(text, m.dims)
	}
	return out, nil
}

// Calls 返回调用次数
func (m *MockEmbedder) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// TextsEmbedded 返回累计嵌入的文本数
func (m *MockEmbedder) TextsEmbedded() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.texts
}

// HashVector 词袋哈希向量，已归一化；没有词的文本返回零向量
func HashVector(text string, dims int) []float64 {
	vec := make([]float64, dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32())%dims]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

var _ embedding.Provider = (*MockEmbedder)(nil)
