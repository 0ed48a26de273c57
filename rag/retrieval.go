package rag

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/hybridrag/internal/metrics"
	"github.com/BaSui01/hybridrag/internal/telemetry"
	"github.com/BaSui01/hybridrag/llm/embedding"
	"github.com/BaSui01/hybridrag/types"
)

// SearchMode 检索方式
type SearchMode string

const (
	ModeVector SearchMode = "vector"
	ModeGraph  SearchMode = "graph"
	ModeHybrid SearchMode = "hybrid"
)

// ParseSearchMode 解析检索方式
func ParseSearchMode(s string) (SearchMode, bool) {
	switch SearchMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeVector:
		return ModeVector, true
	case ModeGraph:
		return ModeGraph, true
	case ModeHybrid:
		return ModeHybrid, true
	}
	return "", false
}

// EngineConfig 检索引擎配置
type EngineConfig struct {
	// 图遍历最大跳数
	MaxHops int
	// 每个子检索的超时
	SearchTimeout time.Duration
	// k <= 0 时的默认条数
	DefaultLimit int
}

// Engine 检索引擎
type Engine struct {
	cfg       EngineConfig
	embedder  embedding.Provider
	vectors   VectorStore
	graph     GraphStore
	names     *HeuristicExtractor
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewEngine 创建检索引擎；graph 为 nil 时图检索视为不可用
func NewEngine(cfg EngineConfig, embedder embedding.Provider, vectors VectorStore, graph GraphStore,
	collector *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 2
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 10 * time.Second
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	return &Engine{
		cfg:       cfg,
		embedder:  embedder,
		vectors:   vectors,
		graph:     graph,
		names:     NewHeuristicExtractor(false),
		collector: collector,
		tracer:    telemetry.Tracer(),
		logger:    logger.With(zap.String("component", "retrieval")),
	}
}

// VectorStore 返回底层向量存储
func (e *Engine) VectorStore() VectorStore { return e.vectors }

// GraphStore 返回底层图存储，可能为 nil
func (e *Engine) GraphStore() GraphStore { return e.graph }

func (e *Engine) prepare(query string, k int) (string, int, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", 0, types.NewInvalidRequestError("query is required")
	}
	if k <= 0 {
		k = e.cfg.DefaultLimit
	}
	return query, k, nil
}

// Search 按模式分派
func (e *Engine) Search(ctx context.Context, mode SearchMode, query string, k int) ([]SearchResult, error) {
	switch mode {
	case ModeVector:
		return e.VectorSearch(ctx, query, k)
	case ModeGraph:
		return e.GraphSearch(ctx, query, k)
	case ModeHybrid:
		return e.HybridSearch(ctx, query, k)
	}
	return nil, types.NewInvalidRequestError("unknown search mode " + string(mode))
}

// VectorSearch 嵌入查询后做最近邻检索；后端不可用时返回 STORE_UNAVAILABLE
func (e *Engine) VectorSearch(ctx context.Context, query string, k int) ([]SearchResult, error) {
	query, k, err := e.prepare(query, k)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "rag.VectorSearch", trace.WithAttributes(attribute.Int("search.k", k)))
	defer span.End()

	results, err := e.vectorSearch(ctx, query, k)
	e.collector.RecordSearch(string(ModeVector), err, len(results), time.Since(start))
	if err != nil {
		span.RecordError(err)
	}
	return results, err
}

func (e *Engine) vectorSearch(ctx context.Context, query string, k int) ([]SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	defer cancel()

	vec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, wrapAdapter("embedding", err)
	}
	matches, err := e.vectors.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, len(matches))
	for i, m := range matches {
		results[i] = chunkResult(m)
	}
	return results, nil
}

// GraphSearch 从查询中识别实体名后做有界遍历，每条路径一个结果
func (e *Engine) GraphSearch(ctx context.Context, query string, k int) ([]SearchResult, error) {
	query, k, err := e.prepare(query, k)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "rag.GraphSearch", trace.WithAttributes(attribute.Int("search.k", k)))
	defer span.End()

	results, err := e.graphSearch(ctx, query, k)
	e.collector.RecordSearch(string(ModeGraph), err, len(results), time.Since(start))
	if err != nil {
		span.RecordError(err)
	}
	return results, err
}

func (e *Engine) graphSearch(ctx context.Context, query string, k int) ([]SearchResult, error) {
	if e.graph == nil {
		return nil, types.NewStoreUnavailable("graph", errors.New("graph store not configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.SearchTimeout)
	defer cancel()

	names := e.names.Names(query)
	if len(names) == 0 {
		return []SearchResult{}, nil
	}
	entities, err := e.graph.FindEntities(ctx, names)
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		e.logger.Debug("no graph entities matched", zap.Strings("names", names))
		return []SearchResult{}, nil
	}
	ids := make([]string, len(entities))
	for i, ent := range entities {
		ids[i] = ent.ID
	}

	paths, err := e.graph.Traverse(ctx, ids, e.cfg.MaxHops, k)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, len(paths))
	for i, p := range paths {
		results[i] = pathResult(p)
	}
	return results, nil
}

// HybridSearch 并行执行两路检索后融合；单路失败降级为空集并记录 WARN
func (e *Engine) HybridSearch(ctx context.Context, query string, k int) ([]SearchResult, error) {
	query, k, err := e.prepare(query, k)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "rag.HybridSearch", trace.WithAttributes(attribute.Int("search.k", k)))
	defer span.End()

	var (
		vecResults, graphResults []SearchResult
		vecErr, graphErr         error
		g                        errgroup.Group
	)
	g.Go(func() error {
		vecResults, vecErr = e.vectorSearch(ctx, query, k)
		return nil
	})
	g.Go(func() error {
		graphResults, graphErr = e.graphSearch(ctx, query, k)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		e.collector.RecordSearch(string(ModeHybrid), err, 0, time.Since(start))
		return nil, err
	}
	if vecErr != nil && graphErr != nil {
		e.logger.Error("hybrid search: both sub-searches failed",
			zap.NamedError("vector_error", vecErr),
			zap.NamedError("graph_error", graphErr))
		e.collector.RecordSearch(string(ModeHybrid), vecErr, 0, time.Since(start))
		span.RecordError(vecErr)
		return nil, vecErr
	}
	if vecErr != nil {
		e.degrade(span, "vector", vecErr)
		vecResults = nil
	}
	if graphErr != nil {
		e.degrade(span, "graph", graphErr)
		graphResults = nil
	}

	results := Fuse(vecResults, graphResults, k)
	e.collector.RecordSearch(string(ModeHybrid), nil, len(results), time.Since(start))
	return results, nil
}

func (e *Engine) degrade(span trace.Span, store string, err error) {
	e.logger.Warn("hybrid search degraded: sub-search failed, continuing without it",
		zap.String("store", store),
		zap.String("code", string(types.GetErrorCode(err))),
		zap.Error(err))
	e.collector.RecordDegraded(store)
	span.SetAttributes(attribute.String("search.degraded", store))
}
