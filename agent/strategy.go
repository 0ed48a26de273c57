package agent

import (
	"context"

	"github.com/BaSui01/hybridrag/rag"
)

// StrategyKind 检索策略种类，封闭集合
type StrategyKind string

const (
	StrategyVector StrategyKind = "vector"
	StrategyGraph  StrategyKind = "graph"
	StrategyHybrid StrategyKind = "hybrid"
)

// ParseStrategy 解析策略名，未知返回 false
func ParseStrategy(s string) (StrategyKind, bool) {
	switch k := StrategyKind(s); k {
	case StrategyVector, StrategyGraph, StrategyHybrid:
		return k, true
	}
	return "", false
}

// Retriever 检索引擎的最小接口，*rag.Engine 实现了它
type Retriever interface {
	VectorSearch(ctx context.Context, query string, k int) ([]rag.SearchResult, error)
	GraphSearch(ctx context.Context, query string, k int) ([]rag.SearchResult, error)
	HybridSearch(ctx context.Context, query string, k int) ([]rag.SearchResult, error)
}

// RetrievalStrategy 一种检索工具
type RetrievalStrategy interface {
	Kind() StrategyKind
	// ToolName 记录在 tools_used 中的工具名
	ToolName() string
	Retrieve(ctx context.Context, r Retriever, query string, k int) ([]rag.SearchResult, error)
}

// VectorStrategy 语义检索
type VectorStrategy struct{}

func (VectorStrategy) Kind() StrategyKind { return StrategyVector }
func (VectorStrategy) ToolName() string   { return "vector_search" }
func (VectorStrategy) Retrieve(ctx context.Context, r Retriever, query string, k int) ([]rag.SearchResult, error) {
	return r.VectorSearch(ctx, query, k)
}

// GraphStrategy 知识图谱检索
type GraphStrategy struct{}

func (GraphStrategy) Kind() StrategyKind { return StrategyGraph }
func (GraphStrategy) ToolName() string   { return "graph_search" }
func (GraphStrategy) Retrieve(ctx context.Context, r Retriever, query string, k int) ([]rag.SearchResult, error) {
	return r.GraphSearch(ctx, query, k)
}

// HybridStrategy 向量 + 图谱融合检索
type HybridStrategy struct{}

func (HybridStrategy) Kind() StrategyKind { return StrategyHybrid }
func (HybridStrategy) ToolName() string   { return "hybrid_search" }
func (HybridStrategy) Retrieve(ctx context.Context, r Retriever, query string, k int) ([]rag.SearchResult, error) {
	return r.HybridSearch(ctx, query, k)
}

// StrategyFor 返回种类对应的策略，未知种类退回 hybrid
func StrategyFor(kind StrategyKind) RetrievalStrategy {
	switch kind {
	case StrategyVector:
		return VectorStrategy{}
	case StrategyGraph:
		return GraphStrategy{}
	default:
		return HybridStrategy{}
	}
}

var (
	_ RetrievalStrategy = VectorStrategy{}
	_ RetrievalStrategy = GraphStrategy{}
	_ RetrievalStrategy = HybridStrategy{}
	_ Retriever         = (*rag.Engine)(nil)
)
