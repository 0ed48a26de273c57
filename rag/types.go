package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// 📄 文档与分块
// =============================================================================

// Document 源文档，创建后不可变；同一 ContentHash 重复摄取视为 no-op
type Document struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Source      string         `json:"source"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ContentHash 返回内容的 SHA-256 十六进制摘要
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// DocumentSummary 文档列表条目
type DocumentSummary struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Source     string         `json:"source"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ChunkCount int            `json:"chunk_count"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Chunk 文档块；Ordinal 在单个文档内从 0 连续递增
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Content    string         `json:"content"`
	Ordinal    int            `json:"chunk_index"`
	StartPos   int            `json:"start_pos"`
	EndPos     int            `json:"end_pos"`
	TokenCount int            `json:"token_count"`
	Embedding  []float64      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ChunkMatch 向量检索命中
type ChunkMatch struct {
	Chunk          Chunk   `json:"chunk"`
	DocumentTitle  string  `json:"document_title"`
	DocumentSource string  `json:"document_source"`
	Score          float64 `json:"score"`
}

// =============================================================================
// 🕸️ 图谱
// =============================================================================

// DocumentEntityType 文档节点的实体类型，MENTIONS 边从文档节点指向实体
const DocumentEntityType = "document"

// RelMentions 文档提及实体
const RelMentions = "MENTIONS"

// DocumentEntityID 返回文档在图谱中的节点 ID
func DocumentEntityID(documentID string) string {
	return "document:" + documentID
}

// Entity 图谱实体，按 (name, type) 去重
type Entity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	FirstSeen time.Time `json:"first_seen"`
}

// Relationship 实体之间（或文档到实体）的有向边
type Relationship struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	SourceID   string     `json:"source_id"`
	TargetID   string     `json:"target_id"`
	SourceName string     `json:"source_name"`
	TargetName string     `json:"target_name"`
	Weight     float64    `json:"weight"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
	DocumentID string     `json:"document_id"`
	ChunkID    string     `json:"chunk_id"`
}

// ValidAt 判断边在 t 时刻是否有效
func (r Relationship) ValidAt(t time.Time) bool {
	if t.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || r.ValidTo.After(t)
}

func (r Relationship) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", r.SourceName, r.Type, r.TargetName)
}

// GraphPath 一条遍历路径；Score = 平均边权重 / 跳数
type GraphPath struct {
	Relationships []Relationship `json:"relationships"`
	Hops          int            `json:"hops"`
	Score         float64        `json:"score"`
}

// String 渲染为 "A -[R]-> B; B -[S]-> C"
func (p GraphPath) String() string {
	parts := make([]string, len(p.Relationships))
	for i, r := range p.Relationships {
		parts[i] = r.String()
	}
	return strings.Join(parts, "; ")
}

func pathScore(rels []Relationship) float64 {
	if len(rels) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rels {
		w := r.Weight
		if w <= 0 {
			w = 1
		}
		sum += w
	}
	return sum / float64(len(rels)) / float64(len(rels))
}

// EntityMatch 实体去重策略
type EntityMatch string

const (
	EntityMatchExact           EntityMatch = "exact"
	EntityMatchCaseInsensitive EntityMatch = "case_insensitive"
)

// ParseEntityMatch 解析配置值，未知值回退到 case_insensitive
func ParseEntityMatch(s string) EntityMatch {
	if EntityMatch(strings.ToLower(strings.TrimSpace(s))) == EntityMatchExact {
		return EntityMatchExact
	}
	return EntityMatchCaseInsensitive
}

// NormalizeName 折叠空白；case_insensitive 时同时转小写
func (m EntityMatch) NormalizeName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if m != EntityMatchExact {
		name = strings.ToLower(name)
	}
	return name
}

// Key 返回实体去重键，例如 "person:alice"
func (m EntityMatch) Key(name, typ string) string {
	return strings.ToLower(strings.TrimSpace(typ)) + ":" + m.NormalizeName(name)
}

// =============================================================================
// 🔎 检索结果
// =============================================================================

// ProvenanceKind 结果来源类型
type ProvenanceKind string

const (
	ProvenanceChunk        ProvenanceKind = "chunk"
	ProvenanceRelationship ProvenanceKind = "relationship"
)

// Provenance 检索结果的出处，用于引用
type Provenance struct {
	Kind          ProvenanceKind `json:"kind"`
	DocumentID    string         `json:"document_id"`
	DocumentTitle string         `json:"document_title,omitempty"`
	ChunkID       string         `json:"chunk_id"`
	Ordinal       int            `json:"ordinal"`
	Relationship  string         `json:"relationship,omitempty"`
	// 图路径的关系 ID 序列
	PathID string `json:"path_id,omitempty"`
	// chunk 结果上合并进来的图路径
	Relationships []string `json:"relationships,omitempty"`
}

// Key 去重键：chunk 为 document_id/chunk_id，图路径为关系 ID 序列
func (p Provenance) Key() string {
	if p.Kind == ProvenanceRelationship {
		if p.PathID != "" {
			return "path:" + p.PathID
		}
		return "path:" + p.Relationship
	}
	return p.chunkKey()
}

func (p Provenance) chunkKey() string {
	return p.DocumentID + "/" + p.ChunkID
}

// SearchSource 结果来自哪一路检索
type SearchSource string

const (
	SourceVector SearchSource = "vector"
	SourceGraph  SearchSource = "graph"
)

// SearchResult 统一检索结果
type SearchResult struct {
	Content    string         `json:"content"`
	Score      float64        `json:"score"`
	Provenance Provenance     `json:"provenance"`
	Sources    []SearchSource `json:"sources"`
}

func chunkResult(m ChunkMatch) SearchResult {
	return SearchResult{
		Content: m.Chunk.Content,
		Score:   m.Score,
		Provenance: Provenance{
			Kind:          ProvenanceChunk,
			DocumentID:    m.Chunk.DocumentID,
			DocumentTitle: m.DocumentTitle,
			ChunkID:       m.Chunk.ID,
			Ordinal:       m.Chunk.Ordinal,
		},
		Sources: []SearchSource{SourceVector},
	}
}

// pathResult 以路径首条边的 doc/chunk 作为出处
func pathResult(p GraphPath) SearchResult {
	res := SearchResult{
		Content: p.String(),
		Score:   p.Score,
		Provenance: Provenance{
			Kind:         ProvenanceRelationship,
			Relationship: p.String(),
			PathID:       pathKey(p),
		},
		Sources: []SearchSource{SourceGraph},
	}
	if len(p.Relationships) > 0 {
		res.Provenance.DocumentID = p.Relationships[0].DocumentID
		res.Provenance.ChunkID = p.Relationships[0].ChunkID
	}
	return res
}
