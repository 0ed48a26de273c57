package rag

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/hybridrag/types"
)

// ChunkModel chunks 表
type ChunkModel struct {
	ID         string          `gorm:"type:uuid;primaryKey"`
	DocumentID string          `gorm:"type:uuid;not null;index"`
	Content    string          `gorm:"not null"`
	Ordinal    int             `gorm:"not null"`
	StartPos   int             `gorm:"not null"`
	EndPos     int             `gorm:"not null"`
	TokenCount int             `gorm:"not null"`
	Embedding  pgvector.Vector `gorm:"type:vector(1536)"`
	Metadata   map[string]any  `gorm:"serializer:json;type:jsonb"`
	CreatedAt  time.Time
}

func (ChunkModel) TableName() string { return "chunks" }

// chunkRow 检索查询的扫描目标
type chunkRow struct {
	ID             string
	DocumentID     string
	Content        string
	Ordinal        int
	StartPos       int
	EndPos         int
	TokenCount     int
	Metadata       string
	DocumentTitle  string
	DocumentSource string
	Score          float64
}

func (r chunkRow) toMatch() ChunkMatch {
	var meta map[string]any
	if r.Metadata != "" {
		_ = json.Unmarshal([]byte(r.Metadata), &meta)
	}
	return ChunkMatch{
		Chunk: Chunk{
			ID:         r.ID,
			DocumentID: r.DocumentID,
			Content:    r.Content,
			Ordinal:    r.Ordinal,
			StartPos:   r.StartPos,
			EndPos:     r.EndPos,
			TokenCount: r.TokenCount,
			Metadata:   meta,
		},
		DocumentTitle:  r.DocumentTitle,
		DocumentSource: r.DocumentSource,
		Score:          r.Score,
	}
}

const (
	vectorSearchSQL = `SELECT c.id, c.document_id, c.content, c.ordinal, c.start_pos, c.end_pos, c.token_count,
       c.metadata::text AS metadata, d.title AS document_title, d.source AS document_source,
       1 - (c.embedding <=> ?) AS score
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE c.embedding IS NOT NULL
ORDER BY c.embedding <=> ?, c.ordinal ASC, c.id ASC
LIMIT ?`

	lexicalSearchSQL = `SELECT c.id, c.document_id, c.content, c.ordinal, c.start_pos, c.end_pos, c.token_count,
       c.metadata::text AS metadata, d.title AS document_title, d.source AS document_source,
       similarity(c.content, ?) AS score
FROM chunks c
JOIN documents d ON d.id = c.document_id
WHERE c.content % ? OR c.content ILIKE ?
ORDER BY score DESC, c.ordinal ASC, c.id ASC
LIMIT ?`

	chunkCountsSQL = `SELECT document_id, COUNT(*) AS n FROM chunks WHERE document_id IN ? GROUP BY document_id`
)

// PGVectorStore Postgres + pgvector 向量存储
type PGVectorStore struct {
	db     *gorm.DB
	docs   documentRepo
	dims   int
	logger *zap.Logger
}

// NewPGVectorStore 创建 pgvector 存储；表结构由 internal/migration 管理
func NewPGVectorStore(db *gorm.DB, dims int, logger *zap.Logger) *PGVectorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGVectorStore{
		db:     db,
		docs:   documentRepo{db: db, store: "pgvector"},
		dims:   dims,
		logger: logger.With(zap.String("component", "pgvector_store")),
	}
}

func (s *PGVectorStore) Name() string { return "pgvector" }

// Ping 检查数据库连通性
func (s *PGVectorStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return types.NewStoreUnavailable(s.Name(), err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return types.NewStoreUnavailable(s.Name(), err)
	}
	return nil
}

func (s *PGVectorStore) UpsertDocument(ctx context.Context, doc Document) error {
	return s.docs.upsert(ctx, doc)
}

// AddChunk 写入单个 chunk；维度校验在访问数据库之前
func (s *PGVectorStore) AddChunk(ctx context.Context, chunk Chunk) error {
	if s.dims > 0 && len(chunk.Embedding) != s.dims {
		return dimensionError(s.Name(), s.dims, len(chunk.Embedding))
	}
	meta := chunk.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	m := ChunkModel{
		ID:         chunk.ID,
		DocumentID: chunk.DocumentID,
		Content:    chunk.Content,
		Ordinal:    chunk.Ordinal,
		StartPos:   chunk.StartPos,
		EndPos:     chunk.EndPos,
		TokenCount: chunk.TokenCount,
		Embedding:  pgvector.NewVector(Float64ToFloat32(chunk.Embedding)),
		Metadata:   meta,
		CreatedAt:  time.Now().UTC(),
	}
	return s.docs.wrap(s.db.WithContext(ctx).Create(&m).Error)
}

// Search 余弦距离检索，score = 1 - distance
func (s *PGVectorStore) Search(ctx context.Context, queryEmbedding []float64, topK int) ([]ChunkMatch, error) {
	if s.dims > 0 && len(queryEmbedding) != s.dims {
		return nil, dimensionError(s.Name(), s.dims, len(queryEmbedding))
	}
	vec := pgvector.NewVector(Float64ToFloat32(queryEmbedding))

	var rows []chunkRow
	if err := s.db.WithContext(ctx).Raw(vectorSearchSQL, vec, vec, topK).Scan(&rows).Error; err != nil {
		return nil, s.docs.wrap(err)
	}
	return s.toMatches(rows), nil
}

// LexicalSearch pg_trgm 相似度检索
func (s *PGVectorStore) LexicalSearch(ctx context.Context, query string, topK int) ([]ChunkMatch, error) {
	var rows []chunkRow
	err := s.db.WithContext(ctx).Raw(lexicalSearchSQL, query, query, "%"+query+"%", topK).Scan(&rows).Error
	if err != nil {
		return nil, s.docs.wrap(err)
	}
	return s.toMatches(rows), nil
}

func (s *PGVectorStore) toMatches(rows []chunkRow) []ChunkMatch {
	matches := make([]ChunkMatch, len(rows))
	for i, r := range rows {
		matches[i] = r.toMatch()
	}
	sortMatches(matches)
	return matches
}

func (s *PGVectorStore) DocumentByHash(ctx context.Context, hash string) (*Document, error) {
	return s.docs.byHash(ctx, hash)
}

func (s *PGVectorStore) DocumentsBySource(ctx context.Context, source string) ([]Document, error) {
	return s.docs.bySource(ctx, source)
}

// DeleteDocument 删除文档，chunk 由外键 ON DELETE CASCADE 级联删除
func (s *PGVectorStore) DeleteDocument(ctx context.Context, id string) error {
	if err := s.docs.delete(ctx, id); err != nil {
		return err
	}
	s.logger.Debug("document deleted", zap.String("document_id", id))
	return nil
}

// ListDocuments 分页列出文档并附带 chunk 数
func (s *PGVectorStore) ListDocuments(ctx context.Context, limit, offset int) ([]DocumentSummary, int, error) {
	docs, total, err := s.docs.list(ctx, limit, offset)
	if err != nil || len(docs) == 0 {
		return docs, total, err
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	var counts []struct {
		DocumentID string
		N          int
	}
	if err := s.db.WithContext(ctx).Raw(chunkCountsSQL, ids).Scan(&counts).Error; err != nil {
		return nil, 0, s.docs.wrap(err)
	}
	byID := make(map[string]int, len(counts))
	for _, c := range counts {
		byID[c.DocumentID] = c.N
	}
	for i := range docs {
		docs[i].ChunkCount = byID[docs[i].ID]
	}
	return docs, total, nil
}

// Count 返回文档数与 chunk 数
func (s *PGVectorStore) Count(ctx context.Context) (int, int, error) {
	docs, err := s.docs.count(ctx)
	if err != nil {
		return 0, 0, err
	}
	var chunks int64
	if err := s.db.WithContext(ctx).Model(&ChunkModel{}).Count(&chunks).Error; err != nil {
		return 0, 0, s.docs.wrap(err)
	}
	return docs, int(chunks), nil
}

// ChunkCount 返回文档已存储的 chunk 数
func (s *PGVectorStore) ChunkCount(ctx context.Context, documentID string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&ChunkModel{}).Where("document_id = ?", documentID).Count(&n).Error
	if err != nil {
		return 0, s.docs.wrap(err)
	}
	return int(n), nil
}

var _ VectorStore = (*PGVectorStore)(nil)
