package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/types"
)

// Neo4jConfig Neo4j 图存储配置
type Neo4jConfig struct {
	URI                   string
	Username              string
	Password              string
	Database              string
	MaxConnectionPoolSize int
	EntityMatch           EntityMatch
}

// Neo4jGraphStore 基于 Neo4j 的 GraphStore。
// 实体为 :Entity 节点，关系统一为 :RELATES 边，业务类型存放在 type 属性上。
type Neo4jGraphStore struct {
	cfg    Neo4jConfig
	driver neo4j.DriverWithContext
	now    func() time.Time
	logger *zap.Logger
}

const (
	upsertEntityCypher = `
MERGE (e:Entity {key: $key})
ON CREATE SET e.id = $id, e.name = $name, e.norm = $norm, e.type = $type, e.first_seen = $first_seen
RETURN e.id AS id, e.name AS name, e.type AS type, e.first_seen AS first_seen`

	addRelationshipCypher = `
MATCH (s:Entity {id: $source_id})
MATCH (t:Entity {id: $target_id})
MERGE (s)-[r:RELATES {id: $id}]->(t)
SET r.type = $type, r.weight = $weight, r.valid_from = $valid_from,
    r.doc_id = $doc_id, r.chunk_id = $chunk_id
RETURN count(r) AS n`

	findEntitiesCypher = `
MATCH (e:Entity)
WHERE e.norm IN $names AND e.type <> $document_type
RETURN e.id AS id, e.name AS name, e.type AS type, e.first_seen AS first_seen
ORDER BY e.name, e.id`

	// 路径上节点不重复，且每条边在 $now 时刻有效
	traverseCypherTemplate = `
MATCH p = (start:Entity)-[rels:RELATES*1..%d]-(:Entity)
WHERE start.id IN $ids
  AND all(r IN rels WHERE r.valid_from <= $now AND (r.valid_to IS NULL OR r.valid_to > $now))
  AND all(n IN nodes(p) WHERE single(m IN nodes(p) WHERE m = n))
RETURN [r IN rels | {
  id: r.id, type: r.type, weight: r.weight,
  source_id: startNode(r).id, source_name: startNode(r).name,
  target_id: endNode(r).id, target_name: endNode(r).name,
  valid_from: r.valid_from, valid_to: r.valid_to,
  doc_id: r.doc_id, chunk_id: r.chunk_id
}] AS rels
LIMIT $scan`

	invalidateDocumentCypher = `
MATCH ()-[r:RELATES {doc_id: $doc_id}]->()
WHERE r.valid_to IS NULL
SET r.valid_to = $at
RETURN count(r) AS n`

	deleteEntityCypher = `MATCH (e:Entity {id: $id}) DETACH DELETE e`

	statsCypher = `
MATCH (e:Entity)
WITH count(e) AS entities
OPTIONAL MATCH ()-[r:RELATES]->()
RETURN entities,
       count(r) AS relationships,
       count(CASE WHEN r.valid_to IS NULL OR r.valid_to > $now THEN 1 END) AS valid`
)

var neo4jSchema = []string{
	`CREATE CONSTRAINT entity_id_unique IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
	`CREATE CONSTRAINT entity_key_unique IF NOT EXISTS FOR (e:Entity) REQUIRE e.key IS UNIQUE`,
	`CREATE INDEX entity_norm IF NOT EXISTS FOR (e:Entity) ON (e.norm)`,
	`CREATE INDEX relates_doc IF NOT EXISTS FOR ()-[r:RELATES]-() ON (r.doc_id)`,
}

// NewNeo4jGraphStore 创建 Neo4j 图存储；不会立即建立连接
func NewNeo4jGraphStore(cfg Neo4jConfig, logger *zap.Logger) (*Neo4jGraphStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URI == "" {
		return nil, types.NewConfigurationError("neo4j uri is required")
	}
	if cfg.EntityMatch == "" {
		cfg.EntityMatch = EntityMatchCaseInsensitive
	}

	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			if cfg.MaxConnectionPoolSize > 0 {
				c.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
			}
		},
	)
	if err != nil {
		return nil, types.NewConfigurationError("invalid neo4j configuration").WithCause(err)
	}

	return &Neo4jGraphStore{
		cfg:    cfg,
		driver: driver,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "neo4j_graph_store")),
	}, nil
}

func (g *Neo4jGraphStore) Name() string { return "neo4j" }

// Close 关闭驱动及连接池
func (g *Neo4jGraphStore) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// Ping 校验连通性
func (g *Neo4jGraphStore) Ping(ctx context.Context) error {
	return g.wrap(g.driver.VerifyConnectivity(ctx))
}

// EnsureSchema 创建约束与索引，可重复执行
func (g *Neo4jGraphStore) EnsureSchema(ctx context.Context) error {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	for _, stmt := range neo4jSchema {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return g.wrap(fmt.Errorf("neo4j schema: %w", err))
		}
	}
	return nil
}

func (g *Neo4jGraphStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: g.cfg.Database,
		AccessMode:   mode,
	})
}

func (g *Neo4jGraphStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewStoreUnavailable(g.Name(), err)
}

func (g *Neo4jGraphStore) write(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := g.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	out, err := session.ExecuteWrite(ctx, work)
	return out, g.wrap(err)
}

func (g *Neo4jGraphStore) read(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	session := g.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, work)
	return out, g.wrap(err)
}

// UpsertEntity MERGE 实体，去重键与内存实现一致
func (g *Neo4jGraphStore) UpsertEntity(ctx context.Context, entity Entity) (Entity, error) {
	if strings.TrimSpace(entity.Name) == "" {
		return Entity{}, types.NewInvalidRequestError("entity name is required")
	}
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	if entity.FirstSeen.IsZero() {
		entity.FirstSeen = g.now()
	}
	params := map[string]any{
		"key":        entityKey(g.cfg.EntityMatch, entity),
		"id":         entity.ID,
		"name":       strings.Join(strings.Fields(entity.Name), " "),
		"norm":       g.cfg.EntityMatch.NormalizeName(entity.Name),
		"type":       entity.Type,
		"first_seen": entity.FirstSeen,
	}

	out, err := g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, upsertEntityCypher, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		return entityFromRecord(rec.AsMap()), nil
	})
	if err != nil {
		return Entity{}, err
	}
	return out.(Entity), nil
}

// AddRelationship MERGE 关系；任一端点不存在时返回 INVALID_REQUEST
func (g *Neo4jGraphStore) AddRelationship(ctx context.Context, rel Relationship) error {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if rel.ValidFrom.IsZero() {
		rel.ValidFrom = g.now()
	}
	if rel.Weight <= 0 {
		rel.Weight = 1
	}
	params := map[string]any{
		"source_id":  rel.SourceID,
		"target_id":  rel.TargetID,
		"id":         rel.ID,
		"type":       rel.Type,
		"weight":     rel.Weight,
		"valid_from": rel.ValidFrom,
		"doc_id":     rel.DocumentID,
		"chunk_id":   rel.ChunkID,
	}

	out, err := g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, addRelationshipCypher, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := rec.Get("n")
		return toInt(n), nil
	})
	if err != nil {
		return err
	}
	if out.(int) == 0 {
		return types.NewInvalidRequestError(
			fmt.Sprintf("unknown relationship endpoint %s -> %s", rel.SourceID, rel.TargetID))
	}
	return nil
}

// FindEntities 按规范化名称查找
func (g *Neo4jGraphStore) FindEntities(ctx context.Context, names []string) ([]Entity, error) {
	norms := make([]string, 0, len(names))
	for _, n := range names {
		if n = g.cfg.EntityMatch.NormalizeName(n); n != "" {
			norms = append(norms, n)
		}
	}
	if len(norms) == 0 {
		return nil, nil
	}

	out, err := g.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, findEntitiesCypher, map[string]any{
			"names":         norms,
			"document_type": DocumentEntityType,
		})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		entities := make([]Entity, len(records))
		for i, rec := range records {
			entities[i] = entityFromRecord(rec.AsMap())
		}
		return entities, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]Entity), nil
}

// Traverse 变长路径遍历，结果经 rankPaths 去重排序
func (g *Neo4jGraphStore) Traverse(ctx context.Context, entityIDs []string, maxHops, limit int) ([]GraphPath, error) {
	if len(entityIDs) == 0 || maxHops <= 0 {
		return []GraphPath{}, nil
	}
	query := fmt.Sprintf(traverseCypherTemplate, maxHops)
	params := map[string]any{
		"ids":  entityIDs,
		"now":  g.now(),
		"scan": maxTraversalExpansions,
	}

	out, err := g.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		var paths []GraphPath
		for res.Next(ctx) {
			raw, _ := res.Record().Get("rels")
			paths = append(paths, newPath(relationshipsFromValue(raw)))
		}
		return paths, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return rankPaths(out.([]GraphPath), limit), nil
}

// InvalidateDocument 软失效文档的关系
func (g *Neo4jGraphStore) InvalidateDocument(ctx context.Context, documentID string, at time.Time) (int, error) {
	out, err := g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, invalidateDocumentCypher, map[string]any{"doc_id": documentID, "at": at.UTC()})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := rec.Get("n")
		return toInt(n), nil
	})
	if err != nil {
		return 0, err
	}
	n := out.(int)
	g.logger.Debug("relationships invalidated", zap.String("document_id", documentID), zap.Int("count", n))
	return n, nil
}

// DeleteEntity DETACH DELETE 同时删除关系
func (g *Neo4jGraphStore) DeleteEntity(ctx context.Context, id string) error {
	_, err := g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, deleteEntityCypher, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

// Stats 实体数与关系数
func (g *Neo4jGraphStore) Stats(ctx context.Context) (GraphStats, error) {
	out, err := g.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, statsCypher, map[string]any{"now": g.now()})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		m := rec.AsMap()
		return GraphStats{
			Entities:           toInt(m["entities"]),
			Relationships:      toInt(m["relationships"]),
			ValidRelationships: toInt(m["valid"]),
		}, nil
	})
	if err != nil {
		return GraphStats{}, err
	}
	return out.(GraphStats), nil
}

// ====== 记录转换 ======

func entityFromRecord(m map[string]any) Entity {
	return Entity{
		ID:        toString(m["id"]),
		Name:      toString(m["name"]),
		Type:      toString(m["type"]),
		FirstSeen: toTime(m["first_seen"]),
	}
}

func relationshipsFromValue(v any) []Relationship {
	items, _ := v.([]any)
	rels := make([]Relationship, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rels = append(rels, relationshipFromMap(m))
	}
	return rels
}

func relationshipFromMap(m map[string]any) Relationship {
	rel := Relationship{
		ID:         toString(m["id"]),
		Type:       toString(m["type"]),
		SourceID:   toString(m["source_id"]),
		TargetID:   toString(m["target_id"]),
		SourceName: toString(m["source_name"]),
		TargetName: toString(m["target_name"]),
		Weight:     toFloat(m["weight"]),
		ValidFrom:  toTime(m["valid_from"]),
		DocumentID: toString(m["doc_id"]),
		ChunkID:    toString(m["chunk_id"]),
	}
	if t := toTime(m["valid_to"]); !t.IsZero() {
		rel.ValidTo = &t
	}
	return rel
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case neo4j.LocalDateTime:
		return t.Time().UTC()
	}
	return time.Time{}
}

var _ GraphStore = (*Neo4jGraphStore)(nil)
