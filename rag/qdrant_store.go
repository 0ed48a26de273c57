package rag

import (
	"context"
	"fmt"
	"sync"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/hybridrag/internal/tlsutil"
	"github.com/BaSui01/hybridrag/types"
)

// QdrantConfig configures the Qdrant VectorStore implementation.
//
// Notes:
//   - Chunk vectors and chunk payload live in Qdrant; point IDs are the chunk UUIDs.
//   - Document rows live in the same documents table the pgvector backend uses.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	APIKey     string `json:"api_key,omitempty"`
	UseTLS     bool   `json:"use_tls,omitempty"`
	Collection string `json:"collection"`
	VectorSize int    `json:"vector_size"`
}

// payload 字段
const (
	payloadDocumentID     = "document_id"
	payloadDocumentTitle  = "document_title"
	payloadDocumentSource = "document_source"
	payloadContent        = "content"
	payloadOrdinal        = "ordinal"
	payloadStartPos       = "start_pos"
	payloadEndPos         = "end_pos"
	payloadTokenCount     = "token_count"
)

// 关键词检索单次最多扫描的点数
const qdrantLexicalScan = 256

// QdrantStore implements VectorStore using the Qdrant gRPC client.
type QdrantStore struct {
	cfg    QdrantConfig
	client *qdrant.Client
	docs   documentRepo
	logger *zap.Logger

	ensureMu sync.Mutex
	ensured  bool
}

// NewQdrantStore creates a Qdrant-backed VectorStore.
func NewQdrantStore(cfg QdrantConfig, db *gorm.DB, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "hybridrag_chunks"
	}
	if cfg.VectorSize <= 0 {
		cfg.VectorSize = 1536
	}

	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	}
	if cfg.UseTLS {
		qcfg.TLSConfig = tlsutil.ClientConfig()
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, types.NewStoreUnavailable("qdrant", err)
	}

	return &QdrantStore{
		cfg:    cfg,
		client: client,
		docs:   documentRepo{db: db, store: "qdrant"},
		logger: logger.With(zap.String("component", "qdrant_store"), zap.String("collection", cfg.Collection)),
	}, nil
}

func (s *QdrantStore) Name() string { return "qdrant" }

// Close 关闭 gRPC 连接
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *QdrantStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewStoreUnavailable(s.Name(), err)
}

// ensureCollection 首次使用时创建集合与索引；失败时下次调用重试
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return err
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.cfg.VectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", s.cfg.Collection, err)
		}
		indexes := []struct {
			field string
			typ   qdrant.FieldType
		}{
			{payloadDocumentID, qdrant.FieldType_FieldTypeKeyword},
			{payloadContent, qdrant.FieldType_FieldTypeText},
		}
		for _, idx := range indexes {
			if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: s.cfg.Collection,
				FieldName:      idx.field,
				FieldType:      idx.typ.Enum(),
			}); err != nil {
				return fmt.Errorf("creating %s index: %w", idx.field, err)
			}
		}
		s.logger.Info("qdrant collection created", zap.Int("vector_size", s.cfg.VectorSize))
	}
	s.ensured = true
	return nil
}

// Ping 同时检查 Qdrant 与文档表
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return s.wrap(err)
	}
	sqlDB, err := s.docs.db.DB()
	if err != nil {
		return s.wrap(err)
	}
	return s.wrap(sqlDB.PingContext(ctx))
}

func (s *QdrantStore) UpsertDocument(ctx context.Context, doc Document) error {
	return s.docs.upsert(ctx, doc)
}

// AddChunk 写入一个点
func (s *QdrantStore) AddChunk(ctx context.Context, chunk Chunk) error {
	if len(chunk.Embedding) != s.cfg.VectorSize {
		return dimensionError(s.Name(), s.cfg.VectorSize, len(chunk.Embedding))
	}
	ok, err := s.docs.exists(ctx, chunk.DocumentID)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewInvalidRequestError("chunk references unknown document " + chunk.DocumentID).
			WithComponent(s.Name())
	}
	if err := s.ensureCollection(ctx); err != nil {
		return s.wrap(err)
	}

	title, source := "", ""
	if meta := chunk.Metadata; meta != nil {
		title, _ = meta[payloadDocumentTitle].(string)
		source, _ = meta["source"].(string)
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(chunk.ID),
			Vectors: qdrant.NewVectors(Float64ToFloat32(chunk.Embedding)...),
			Payload: chunkPayload(chunk, title, source),
		}},
	})
	return s.wrap(err)
}

func chunkPayload(chunk Chunk, title, source string) map[string]*qdrant.Value {
	return qdrant.NewValueMap(map[string]any{
		payloadDocumentID:     chunk.DocumentID,
		payloadDocumentTitle:  title,
		payloadDocumentSource: source,
		payloadContent:        chunk.Content,
		payloadOrdinal:        int64(chunk.Ordinal),
		payloadStartPos:       int64(chunk.StartPos),
		payloadEndPos:         int64(chunk.EndPos),
		payloadTokenCount:     int64(chunk.TokenCount),
	})
}

func matchFromPayload(id string, score float64, payload map[string]*qdrant.Value) ChunkMatch {
	str := func(k string) string { return payload[k].GetStringValue() }
	num := func(k string) int { return int(payload[k].GetIntegerValue()) }
	return ChunkMatch{
		Chunk: Chunk{
			ID:         id,
			DocumentID: str(payloadDocumentID),
			Content:    str(payloadContent),
			Ordinal:    num(payloadOrdinal),
			StartPos:   num(payloadStartPos),
			EndPos:     num(payloadEndPos),
			TokenCount: num(payloadTokenCount),
			Metadata:   map[string]any{"source": str(payloadDocumentSource)},
		},
		DocumentTitle:  str(payloadDocumentTitle),
		DocumentSource: str(payloadDocumentSource),
		Score:          score,
	}
}

// Search 余弦检索
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float64, topK int) ([]ChunkMatch, error) {
	if len(queryEmbedding) != s.cfg.VectorSize {
		return nil, dimensionError(s.Name(), s.cfg.VectorSize, len(queryEmbedding))
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, s.wrap(err)
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(Float64ToFloat32(queryEmbedding)...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, s.wrap(err)
	}

	matches := make([]ChunkMatch, len(points))
	for i, p := range points {
		matches[i] = matchFromPayload(p.GetId().GetUuid(), float64(p.GetScore()), p.GetPayload())
	}
	sortMatches(matches)
	return matches, nil
}

// LexicalSearch 全文索引过滤后按查询词命中比例打分
func (s *QdrantStore) LexicalSearch(ctx context.Context, query string, topK int) ([]ChunkMatch, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return []ChunkMatch{}, nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, s.wrap(err)
	}

	should := make([]*qdrant.Condition, len(terms))
	for i, t := range terms {
		should[i] = qdrant.NewMatchText(payloadContent, t)
	}
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.cfg.Collection,
		Filter:         &qdrant.Filter{Should: should},
		Limit:          qdrant.PtrOf(uint32(qdrantLexicalScan)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, s.wrap(err)
	}

	matches := make([]ChunkMatch, 0, len(points))
	for _, p := range points {
		m := matchFromPayload(p.GetId().GetUuid(), 0, p.GetPayload())
		m.Score = termScore(m.Chunk.Content, terms)
		if m.Score > 0 {
			matches = append(matches, m)
		}
	}
	sortMatches(matches)
	return truncate(matches, topK), nil
}

func (s *QdrantStore) DocumentByHash(ctx context.Context, hash string) (*Document, error) {
	return s.docs.byHash(ctx, hash)
}

func (s *QdrantStore) DocumentsBySource(ctx context.Context, source string) ([]Document, error) {
	return s.docs.bySource(ctx, source)
}

// DeleteDocument 先删 Qdrant 中的点，再删文档行
func (s *QdrantStore) DeleteDocument(ctx context.Context, id string) error {
	if err := s.ensureCollection(ctx); err != nil {
		return s.wrap(err)
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(payloadDocumentID, id)},
		}),
	})
	if err != nil {
		return s.wrap(err)
	}
	return s.docs.delete(ctx, id)
}

// ListDocuments 分页列出文档，chunk 数逐个从 Qdrant 统计
func (s *QdrantStore) ListDocuments(ctx context.Context, limit, offset int) ([]DocumentSummary, int, error) {
	docs, total, err := s.docs.list(ctx, limit, offset)
	if err != nil || len(docs) == 0 {
		return docs, total, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, 0, s.wrap(err)
	}
	for i := range docs {
		n, err := s.countPoints(ctx, docs[i].ID)
		if err != nil {
			return nil, 0, s.wrap(err)
		}
		docs[i].ChunkCount = n
	}
	return docs, total, nil
}

// ChunkCount 返回文档在集合中的点数
func (s *QdrantStore) ChunkCount(ctx context.Context, documentID string) (int, error) {
	if err := s.ensureCollection(ctx); err != nil {
		return 0, s.wrap(err)
	}
	n, err := s.countPoints(ctx, documentID)
	if err != nil {
		return 0, s.wrap(err)
	}
	return n, nil
}

func (s *QdrantStore) countPoints(ctx context.Context, documentID string) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(payloadDocumentID, documentID)}},
		Exact:          qdrant.PtrOf(true),
	})
	return int(n), err
}

// Count 返回文档数与点数
func (s *QdrantStore) Count(ctx context.Context) (int, int, error) {
	docs, err := s.docs.count(ctx)
	if err != nil {
		return 0, 0, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return 0, 0, s.wrap(err)
	}
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, 0, s.wrap(err)
	}
	return docs, int(n), nil
}

var _ VectorStore = (*QdrantStore)(nil)
