package rag

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/types"
)

// GraphStore 实体关系图存储接口
type GraphStore interface {
	// 按 (name, type) 去重写入实体，已存在时返回原实体（保留 FirstSeen）
	UpsertEntity(ctx context.Context, entity Entity) (Entity, error)

	// 写入一条关系，SourceID/TargetID 必须是已存在的实体
	AddRelationship(ctx context.Context, rel Relationship) error

	// 按名称查找实体（遵循去重策略），不含文档节点
	FindEntities(ctx context.Context, names []string) ([]Entity, error)

	// 从起点出发遍历当前有效的边，路径最多 maxHops 跳
	Traverse(ctx context.Context, entityIDs []string, maxHops, limit int) ([]GraphPath, error)

	// 软失效文档产生的全部关系（设置 valid_to），返回受影响条数
	InvalidateDocument(ctx context.Context, documentID string, at time.Time) (int, error)

	// 删除实体及其全部关系
	DeleteEntity(ctx context.Context, id string) error

	Stats(ctx context.Context) (GraphStats, error)
	Ping(ctx context.Context) error
	Name() string
}

// GraphStats 图谱统计
type GraphStats struct {
	Entities           int `json:"entities"`
	Relationships      int `json:"relationships"`
	ValidRelationships int `json:"valid_relationships"`
}

// 单次遍历最多扩展的路径数
const maxTraversalExpansions = 10000

// rankPaths 去重（正反向视为同一路径）后排序：score 降序，hops 升序，文本升序
func rankPaths(paths []GraphPath, limit int) []GraphPath {
	seen := make(map[string]bool, len(paths))
	out := make([]GraphPath, 0, len(paths))
	for _, p := range paths {
		key := pathKey(p)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Hops != b.Hops {
			return a.Hops < b.Hops
		}
		return a.String() < b.String()
	})
	return truncate(out, limit)
}

func pathKey(p GraphPath) string {
	ids := make([]string, len(p.Relationships))
	for i, r := range p.Relationships {
		ids[i] = r.ID
	}
	fwd := strings.Join(ids, ",")
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	rev := strings.Join(ids, ",")
	return min(fwd, rev)
}

func newPath(rels []Relationship) GraphPath {
	cp := make([]Relationship, len(rels))
	copy(cp, rels)
	return GraphPath{Relationships: cp, Hops: len(cp), Score: pathScore(cp)}
}

// ====== 内存图存储 ======

// MemoryGraphStore 内存知识图谱
type MemoryGraphStore struct {
	match    EntityMatch
	nodes    map[string]*Entity
	keys     map[string]string // 去重键 -> nodeID
	edges    map[string]*Relationship
	outEdges map[string][]string // nodeID -> edgeIDs
	inEdges  map[string][]string // nodeID -> edgeIDs
	now      func() time.Time
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewMemoryGraphStore 创建内存图存储
func NewMemoryGraphStore(match EntityMatch, logger *zap.Logger) *MemoryGraphStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryGraphStore{
		match:    match,
		nodes:    make(map[string]*Entity),
		keys:     make(map[string]string),
		edges:    make(map[string]*Relationship),
		outEdges: make(map[string][]string),
		inEdges:  make(map[string][]string),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(zap.String("component", "memory_graph_store")),
	}
}

func (g *MemoryGraphStore) Name() string { return "memory_graph" }

func (g *MemoryGraphStore) Ping(ctx context.Context) error { return ctx.Err() }

// entityKey 文档节点按 ID 去重，其余按 (name, type)
func entityKey(m EntityMatch, e Entity) string {
	if e.Type == DocumentEntityType && e.ID != "" {
		return DocumentEntityType + ":" + e.ID
	}
	return m.Key(e.Name, e.Type)
}

// UpsertEntity 写入实体
func (g *MemoryGraphStore) UpsertEntity(ctx context.Context, entity Entity) (Entity, error) {
	if err := ctx.Err(); err != nil {
		return Entity{}, types.NewStoreUnavailable(g.Name(), err)
	}
	if strings.TrimSpace(entity.Name) == "" {
		return Entity{}, types.NewInvalidRequestError("entity name is required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := entityKey(g.match, entity)
	if id, ok := g.keys[key]; ok {
		return *g.nodes[id], nil
	}
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	if entity.FirstSeen.IsZero() {
		entity.FirstSeen = g.now()
	}
	entity.Name = strings.Join(strings.Fields(entity.Name), " ")
	e := entity
	g.nodes[e.ID] = &e
	g.keys[key] = e.ID
	return e, nil
}

// AddRelationship 添加边
func (g *MemoryGraphStore) AddRelationship(ctx context.Context, rel Relationship) error {
	if err := ctx.Err(); err != nil {
		return types.NewStoreUnavailable(g.Name(), err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.nodes[rel.SourceID]
	if !ok {
		return types.NewInvalidRequestError("unknown source entity " + rel.SourceID)
	}
	dst, ok := g.nodes[rel.TargetID]
	if !ok {
		return types.NewInvalidRequestError("unknown target entity " + rel.TargetID)
	}
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if rel.ValidFrom.IsZero() {
		rel.ValidFrom = g.now()
	}
	if rel.Weight <= 0 {
		rel.Weight = 1
	}
	rel.SourceName = src.Name
	rel.TargetName = dst.Name

	if _, exists := g.edges[rel.ID]; !exists {
		g.outEdges[rel.SourceID] = append(g.outEdges[rel.SourceID], rel.ID)
		g.inEdges[rel.TargetID] = append(g.inEdges[rel.TargetID], rel.ID)
	}
	r := rel
	g.edges[rel.ID] = &r
	return nil
}

// FindEntities 按名称查找
func (g *MemoryGraphStore) FindEntities(ctx context.Context, names []string) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewStoreUnavailable(g.Name(), err)
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		if n = g.match.NormalizeName(n); n != "" {
			wanted[n] = true
		}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Entity
	for _, e := range g.nodes {
		if e.Type == DocumentEntityType {
			continue
		}
		if wanted[g.match.NormalizeName(e.Name)] {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Traverse 无向 DFS，只走当前有效的边，节点不重复
func (g *MemoryGraphStore) Traverse(ctx context.Context, entityIDs []string, maxHops, limit int) ([]GraphPath, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewStoreUnavailable(g.Name(), err)
	}
	if maxHops <= 0 {
		maxHops = 1
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	var (
		paths    []GraphPath
		expanded int
	)

	var walk func(node string, visited map[string]bool, rels []Relationship)
	walk = func(node string, visited map[string]bool, rels []Relationship) {
		if len(rels) == maxHops || expanded >= maxTraversalExpansions {
			return
		}
		for _, edgeID := range g.incident(node) {
			edge := g.edges[edgeID]
			if !edge.ValidAt(now) {
				continue
			}
			next := edge.TargetID
			if next == node {
				next = edge.SourceID
			}
			if visited[next] {
				continue
			}
			expanded++
			rels = append(rels, *edge)
			paths = append(paths, newPath(rels))
			visited[next] = true
			walk(next, visited, rels)
			visited[next] = false
			rels = rels[:len(rels)-1]
		}
	}

	starts := append([]string(nil), entityIDs...)
	sort.Strings(starts)
	for _, id := range starts {
		if _, ok := g.nodes[id]; !ok {
			continue
		}
		walk(id, map[string]bool{id: true}, nil)
	}

	return rankPaths(paths, limit), nil
}

// incident 出边在前、入边在后，按边 ID 排序保证遍历确定
func (g *MemoryGraphStore) incident(node string) []string {
	ids := make([]string, 0, len(g.outEdges[node])+len(g.inEdges[node]))
	ids = append(ids, g.outEdges[node]...)
	ids = append(ids, g.inEdges[node]...)
	sort.Strings(ids)
	return ids
}

// InvalidateDocument 软失效文档范围内的关系
func (g *MemoryGraphStore) InvalidateDocument(ctx context.Context, documentID string, at time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, types.NewStoreUnavailable(g.Name(), err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, edge := range g.edges {
		if edge.DocumentID == documentID && edge.ValidTo == nil {
			t := at
			edge.ValidTo = &t
			n++
		}
	}
	return n, nil
}

// DeleteEntity 删除实体及关联边
func (g *MemoryGraphStore) DeleteEntity(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return types.NewStoreUnavailable(g.Name(), err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.nodes[id]
	if !ok {
		return nil
	}
	for _, edgeID := range append(append([]string(nil), g.outEdges[id]...), g.inEdges[id]...) {
		edge, ok := g.edges[edgeID]
		if !ok {
			continue
		}
		g.outEdges[edge.SourceID] = without(g.outEdges[edge.SourceID], edgeID)
		g.inEdges[edge.TargetID] = without(g.inEdges[edge.TargetID], edgeID)
		delete(g.edges, edgeID)
	}
	delete(g.outEdges, id)
	delete(g.inEdges, id)
	delete(g.keys, entityKey(g.match, *e))
	delete(g.nodes, id)
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Stats 返回统计信息
func (g *MemoryGraphStore) Stats(ctx context.Context) (GraphStats, error) {
	if err := ctx.Err(); err != nil {
		return GraphStats{}, types.NewStoreUnavailable(g.Name(), err)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := g.now()
	stats := GraphStats{Entities: len(g.nodes), Relationships: len(g.edges)}
	for _, e := range g.edges {
		if e.ValidAt(now) {
			stats.ValidRelationships++
		}
	}
	return stats, nil
}

// Relationships 返回文档产生的全部关系（含已失效），按 ID 排序
func (g *MemoryGraphStore) Relationships(documentID string) []Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Relationship
	for _, e := range g.edges {
		if e.DocumentID == documentID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ GraphStore = (*MemoryGraphStore)(nil)
