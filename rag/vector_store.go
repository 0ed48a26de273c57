package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/types"
)

// VectorStore 文档与 chunk 向量的存储接口。
// 实现方需保证单文档范围内的原子性，不依赖进程内全局锁；
// 后端不可达时返回 STORE_UNAVAILABLE。
type VectorStore interface {
	// 写入文档行（按 ID upsert）
	UpsertDocument(ctx context.Context, doc Document) error

	// 写入单个 chunk，每个 chunk 独立提交；维度不符返回 INVALID_REQUEST
	AddChunk(ctx context.Context, chunk Chunk) error

	// 余弦相似度检索，score 降序，同分按 ordinal、chunk id 升序
	Search(ctx context.Context, queryEmbedding []float64, topK int) ([]ChunkMatch, error)

	// 关键词检索
	LexicalSearch(ctx context.Context, query string, topK int) ([]ChunkMatch, error)

	// 按内容哈希查找文档，不存在返回 (nil, nil)
	DocumentByHash(ctx context.Context, hash string) (*Document, error)

	// 按来源查找文档
	DocumentsBySource(ctx context.Context, source string) ([]Document, error)

	// 删除文档及其全部 chunk
	DeleteDocument(ctx context.Context, id string) error

	// 分页列出文档，返回总数
	ListDocuments(ctx context.Context, limit, offset int) ([]DocumentSummary, int, error)

	// 返回文档数与 chunk 数
	Count(ctx context.Context) (documents int, chunks int, err error)

	// 返回单个文档已存储的 chunk 数
	ChunkCount(ctx context.Context, documentID string) (int, error)

	Ping(ctx context.Context) error
	Name() string
}

// sortMatches 确定性排序：score 降序，ordinal 升序，chunk id 升序
func sortMatches(matches []ChunkMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.Ordinal != b.Chunk.Ordinal {
			return a.Chunk.Ordinal < b.Chunk.Ordinal
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

func dimensionError(store string, want, got int) error {
	return types.NewInvalidRequestError(
		fmt.Sprintf("embedding dimension mismatch: expected %d, got %d", want, got)).WithComponent(store)
}

// queryTerms 小写分词，去重
func queryTerms(text string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// termScore 命中的查询词占比
func termScore(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	content = strings.ToLower(content)
	hits := 0
	for _, t := range terms {
		if strings.Contains(content, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// ====== 内存向量存储（用于测试和本地开发）======

// InMemoryVectorStore 内存向量存储
type InMemoryVectorStore struct {
	dims      int
	documents map[string]Document
	chunks    map[string]Chunk
	byDoc     map[string][]string // documentID -> chunkIDs
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewInMemoryVectorStore 创建内存向量存储；dims <= 0 时不校验维度
func NewInMemoryVectorStore(dims int, logger *zap.Logger) *InMemoryVectorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryVectorStore{
		dims:      dims,
		documents: make(map[string]Document),
		chunks:    make(map[string]Chunk),
		byDoc:     make(map[string][]string),
		logger:    logger.With(zap.String("component", "memory_vector_store")),
	}
}

func (s *InMemoryVectorStore) Name() string { return "memory" }

func (s *InMemoryVectorStore) Ping(ctx context.Context) error { return ctx.Err() }

// UpsertDocument 写入文档
func (s *InMemoryVectorStore) UpsertDocument(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return types.NewStoreUnavailable(s.Name(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.documents[doc.ID]; ok {
		doc.CreatedAt = existing.CreatedAt
	} else if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	s.documents[doc.ID] = doc
	return nil
}

// AddChunk 写入 chunk
func (s *InMemoryVectorStore) AddChunk(ctx context.Context, chunk Chunk) error {
	if err := ctx.Err(); err != nil {
		return types.NewStoreUnavailable(s.Name(), err)
	}
	if s.dims > 0 && len(chunk.Embedding) != s.dims {
		return dimensionError(s.Name(), s.dims, len(chunk.Embedding))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[chunk.DocumentID]; !ok {
		return types.NewInvalidRequestError("chunk references unknown document " + chunk.DocumentID).
			WithComponent(s.Name())
	}
	if _, exists := s.chunks[chunk.ID]; !exists {
		s.byDoc[chunk.DocumentID] = append(s.byDoc[chunk.DocumentID], chunk.ID)
	}
	s.chunks[chunk.ID] = chunk
	return nil
}

// Search 暴力余弦检索
func (s *InMemoryVectorStore) Search(ctx context.Context, queryEmbedding []float64, topK int) ([]ChunkMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewStoreUnavailable(s.Name(), err)
	}
	if s.dims > 0 && len(queryEmbedding) != s.dims {
		return nil, dimensionError(s.Name(), s.dims, len(queryEmbedding))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]ChunkMatch, 0, len(s.chunks))
	for _, ch := range s.chunks {
		matches = append(matches, s.match(ch, CosineSimilarity(queryEmbedding, ch.Embedding)))
	}
	sortMatches(matches)
	return truncate(matches, topK), nil
}

// LexicalSearch 按查询词命中比例打分
func (s *InMemoryVectorStore) LexicalSearch(ctx context.Context, query string, topK int) ([]ChunkMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewStoreUnavailable(s.Name(), err)
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return []ChunkMatch{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]ChunkMatch, 0)
	for _, ch := range s.chunks {
		if score := termScore(ch.Content, terms); score > 0 {
			matches = append(matches, s.match(ch, score))
		}
	}
	sortMatches(matches)
	return truncate(matches, topK), nil
}

func (s *InMemoryVectorStore) match(ch Chunk, score float64) ChunkMatch {
	doc := s.documents[ch.DocumentID]
	return ChunkMatch{Chunk: ch, DocumentTitle: doc.Title, DocumentSource: doc.Source, Score: score}
}

// DocumentByHash 按内容哈希查找
func (s *InMemoryVectorStore) DocumentByHash(ctx context.Context, hash string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewStoreUnavailable(s.Name(), err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.documents {
		if doc.ContentHash == hash {
			d := doc
			return &d, nil
		}
	}
	return nil, nil
}

// DocumentsBySource 按来源查找
func (s *InMemoryVectorStore) DocumentsBySource(ctx context.Context, source string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewStoreUnavailable(s.Name(), err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	for _, doc := range s.documents {
		if doc.Source == source {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteDocument 删除文档并级联删除 chunk
func (s *InMemoryVectorStore) DeleteDocument(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return types.NewStoreUnavailable(s.Name(), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunkID := range s.byDoc[id] {
		delete(s.chunks, chunkID)
	}
	removed := len(s.byDoc[id])
	delete(s.byDoc, id)
	delete(s.documents, id)

	s.logger.Debug("document deleted from vector store",
		zap.String("document_id", id),
		zap.Int("chunks", removed))
	return nil
}

// ChunkCount 返回文档已存储的 chunk 数
func (s *InMemoryVectorStore) ChunkCount(ctx context.Context, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, types.NewStoreUnavailable(s.Name(), err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byDoc[documentID]), nil
}

// ListDocuments 按创建时间倒序分页
func (s *InMemoryVectorStore) ListDocuments(ctx context.Context, limit, offset int) ([]DocumentSummary, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, types.NewStoreUnavailable(s.Name(), err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]DocumentSummary, 0, len(s.documents))
	for _, doc := range s.documents {
		all = append(all, DocumentSummary{
			ID:         doc.ID,
			Title:      doc.Title,
			Source:     doc.Source,
			Metadata:   doc.Metadata,
			ChunkCount: len(s.byDoc[doc.ID]),
			CreatedAt:  doc.CreatedAt,
			UpdatedAt:  doc.UpdatedAt,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	if offset >= total {
		return []DocumentSummary{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// Count 返回文档数与 chunk 数
func (s *InMemoryVectorStore) Count(ctx context.Context) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, types.NewStoreUnavailable(s.Name(), err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.documents), len(s.chunks), nil
}

// Chunks 返回文档的全部 chunk，按 ordinal 升序
func (s *InMemoryVectorStore) Chunks(documentID string) []Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chunk, 0, len(s.byDoc[documentID]))
	for _, id := range s.byDoc[documentID] {
		out = append(out, s.chunks[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func truncate[T any](items []T, k int) []T {
	if k > 0 && len(items) > k {
		return items[:k]
	}
	return items
}

var _ VectorStore = (*InMemoryVectorStore)(nil)
