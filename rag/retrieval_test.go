package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/testutil/mocks"
	"github.com/BaSui01/hybridrag/types"
)

type retrievalRig struct {
	engine   *Engine
	vectors  *brokenVectors
	graph    *brokenGraph
	embedder *mocks.MockEmbedder
}

// newRetrievalRig 摄取样例语料后构建检索引擎
func newRetrievalRig(t *testing.T) *retrievalRig {
	t.Helper()
	r := &retrievalRig{
		vectors:  &brokenVectors{InMemoryVectorStore: NewInMemoryVectorStore(testDims, nil)},
		graph:    &brokenGraph{MemoryGraphStore: NewMemoryGraphStore(EntityMatchCaseInsensitive, nil)},
		embedder: mocks.NewMockEmbedder(testDims),
	}
	coord := NewCoordinator(CoordinatorConfig{}, corpusChunker(), r.embedder, NewHeuristicExtractor(true),
		r.vectors, r.graph, nil, nil)
	report := coord.IngestBatch(context.Background(), corpusDocuments(), IngestOptions{})
	require.Empty(t, report.Errors)

	r.engine = NewEngine(EngineConfig{MaxHops: 2}, r.embedder, r.vectors, r.graph, nil, zap.NewNop())
	return r
}

func assertWellFormed(t *testing.T, results []SearchResult, k int) {
	t.Helper()
	assert.LessOrEqual(t, len(results), k)
	seen := make(map[string]bool)
	for i, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
		assert.False(t, seen[r.Provenance.Key()], "duplicate %s", r.Provenance.Key())
		seen[r.Provenance.Key()] = true
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].Score, r.Score)
		}
	}
}

func TestParseSearchMode(t *testing.T) {
	m, ok := ParseSearchMode(" Hybrid ")
	assert.True(t, ok)
	assert.Equal(t, ModeHybrid, m)
	_, ok = ParseSearchMode("keyword")
	assert.False(t, ok)
}

func TestEngine_VectorSearch(t *testing.T) {
	rig := newRetrievalRig(t)

	results, err := rig.engine.VectorSearch(context.Background(), "Who leads the Graphite engineering team?", 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	top := results[0]
	assert.Contains(t, top.Content, "Bob Jones leads")
	assert.Equal(t, "Acme Overview", top.Provenance.DocumentTitle)
	assert.Equal(t, 2, top.Provenance.Ordinal)
	assert.Equal(t, ProvenanceChunk, top.Provenance.Kind)
	assert.Equal(t, []SearchSource{SourceVector}, top.Sources)
}

func TestEngine_GraphSearch(t *testing.T) {
	rig := newRetrievalRig(t)

	results, err := rig.engine.GraphSearch(context.Background(), "How is Alice Smith connected to Berlin?", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 5)
	for _, r := range results {
		assert.Equal(t, []SearchSource{SourceGraph}, r.Sources)
		assert.Equal(t, ProvenanceRelationship, r.Provenance.Kind)
		assert.Contains(t, r.Content, " -[")
		assert.NotEmpty(t, r.Provenance.ChunkID)
	}

	var joined []string
	for _, r := range results {
		joined = append(joined, r.Content)
	}
	assert.Contains(t, strings.Join(joined, "\n"), "Alice Smith -[RELATED_TO]-> Acme Corporation")
}

func TestEngine_GraphSearch_NoEntities(t *testing.T) {
	rig := newRetrievalRig(t)

	results, err := rig.engine.GraphSearch(context.Background(), "what about zebras", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_HybridSearch(t *testing.T) {
	rig := newRetrievalRig(t)

	results, err := rig.engine.HybridSearch(context.Background(), "Who founded Acme Corporation in Berlin?", 6)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assertWellFormed(t, results, 6)

	sources := make(map[SearchSource]bool)
	for _, r := range results {
		for _, s := range r.Sources {
			sources[s] = true
		}
	}
	assert.True(t, sources[SourceVector])
	assert.True(t, sources[SourceGraph])

	// 同一查询两次结果一致
	again, err := rig.engine.HybridSearch(context.Background(), "Who founded Acme Corporation in Berlin?", 6)
	require.NoError(t, err)
	assert.Equal(t, results, again)
}

func TestEngine_HybridKeepsGraphPaths(t *testing.T) {
	rig := newRetrievalRig(t)
	query := "How are Alice Smith and Acme Corporation related?"
	k := 20

	graph, err := rig.engine.GraphSearch(context.Background(), query, k)
	require.NoError(t, err)
	require.NotEmpty(t, graph)

	results, err := rig.engine.HybridSearch(context.Background(), query, k)
	require.NoError(t, err)
	assertWellFormed(t, results, k)

	// 每条图路径要么是独立的关系结果，要么挂在同 doc/chunk 的 chunk 结果上
	var paths []string
	for _, r := range results {
		switch r.Provenance.Kind {
		case ProvenanceRelationship:
			assert.Equal(t, []SearchSource{SourceGraph}, r.Sources)
			assert.NotEmpty(t, r.Provenance.PathID)
			paths = append(paths, r.Content)
		case ProvenanceChunk:
			paths = append(paths, r.Provenance.Relationships...)
		}
	}
	for _, g := range graph {
		assert.Contains(t, paths, g.Content)
	}
	assert.Contains(t, paths, "Alice Smith -[RELATED_TO]-> Acme Corporation")
}

func TestEngine_HybridRelationshipResults(t *testing.T) {
	ctx := context.Background()
	embedder := mocks.NewMockEmbedder(testDims)
	vectors := NewInMemoryVectorStore(testDims, nil)
	graph := NewMemoryGraphStore(EntityMatchCaseInsensitive, nil)

	content := "Alice Smith founded Acme Corporation, headquartered in Berlin."
	require.NoError(t, vectors.UpsertDocument(ctx, Document{ID: "d1", Title: "Acme", Content: content}))
	require.NoError(t, vectors.AddChunk(ctx, Chunk{
		ID: "c0", DocumentID: "d1", Content: content, Embedding: mocks.HashVector(content, testDims),
	}))

	alice, err := graph.UpsertEntity(ctx, Entity{Name: "Alice Smith", Type: "person"})
	require.NoError(t, err)
	acme, err := graph.UpsertEntity(ctx, Entity{Name: "Acme Corporation", Type: "organization"})
	require.NoError(t, err)
	berlin, err := graph.UpsertEntity(ctx, Entity{Name: "Berlin", Type: "location"})
	require.NoError(t, err)
	for _, rel := range []Relationship{
		{ID: "r1", Type: "FOUNDED", SourceID: alice.ID, TargetID: acme.ID, DocumentID: "d1", ChunkID: "c0"},
		{ID: "r2", Type: "HEADQUARTERED_IN", SourceID: acme.ID, TargetID: berlin.ID, DocumentID: "d1", ChunkID: "c0"},
		{ID: "r3", Type: "LIVES_IN", SourceID: alice.ID, TargetID: berlin.ID, DocumentID: "d1", ChunkID: "c1"},
	} {
		require.NoError(t, graph.AddRelationship(ctx, rel))
	}

	engine := NewEngine(EngineConfig{MaxHops: 1}, embedder, vectors, graph, nil, zap.NewNop())
	results, err := engine.HybridSearch(ctx, "How are Alice Smith and Acme Corporation related?", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)

	chunk := results[0]
	assert.Equal(t, ProvenanceChunk, chunk.Provenance.Kind)
	assert.Equal(t, "c0", chunk.Provenance.ChunkID)
	assert.Equal(t, content, chunk.Content)
	assert.ElementsMatch(t, []string{
		"Alice Smith -[FOUNDED]-> Acme Corporation",
		"Acme Corporation -[HEADQUARTERED_IN]-> Berlin",
	}, chunk.Provenance.Relationships)

	rel := results[1]
	assert.Equal(t, ProvenanceRelationship, rel.Provenance.Kind)
	assert.Equal(t, "Alice Smith -[LIVES_IN]-> Berlin", rel.Content)
	assert.Equal(t, "c1", rel.Provenance.ChunkID)
	assert.Equal(t, "path:r3", rel.Provenance.Key())
}

func TestEngine_HybridDegradesWhenGraphUnavailable(t *testing.T) {
	rig := newRetrievalRig(t)
	rig.graph.findErr = types.NewStoreUnavailable("neo4j", errors.New("connection refused"))

	results, err := rig.engine.HybridSearch(context.Background(), "Who founded Acme Corporation?", 4)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assertWellFormed(t, results, 4)
	for _, r := range results {
		assert.Equal(t, []SearchSource{SourceVector}, r.Sources)
	}

	// 直接调用时错误原样返回
	_, err = rig.engine.GraphSearch(context.Background(), "Who founded Acme Corporation?", 4)
	assert.True(t, types.IsCode(err, types.ErrStoreUnavailable))
}

func TestEngine_HybridDegradesWhenVectorUnavailable(t *testing.T) {
	rig := newRetrievalRig(t)
	rig.vectors.searchErr = types.NewStoreUnavailable("pgvector", errors.New("connection refused"))

	results, err := rig.engine.HybridSearch(context.Background(), "Who founded Acme Corporation?", 4)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, []SearchSource{SourceGraph}, r.Sources)
	}

	_, err = rig.engine.VectorSearch(context.Background(), "Who founded Acme Corporation?", 4)
	assert.True(t, types.IsCode(err, types.ErrStoreUnavailable))
}

func TestEngine_HybridDegradesWhenEmbedderFails(t *testing.T) {
	rig := newRetrievalRig(t)
	rig.embedder.WithError(errors.New("rate limited"))

	results, err := rig.engine.HybridSearch(context.Background(), "Who founded Acme Corporation?", 4)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	_, err = rig.engine.VectorSearch(context.Background(), "Who founded Acme Corporation?", 4)
	assert.True(t, types.IsCode(err, types.ErrAdapter))
}

func TestEngine_HybridBothUnavailable(t *testing.T) {
	rig := newRetrievalRig(t)
	rig.vectors.searchErr = types.NewStoreUnavailable("pgvector", errors.New("down"))
	rig.graph.findErr = types.NewStoreUnavailable("neo4j", errors.New("down"))

	_, err := rig.engine.HybridSearch(context.Background(), "Who founded Acme Corporation?", 4)
	assert.True(t, types.IsCode(err, types.ErrStoreUnavailable))
}

func TestEngine_WithoutGraphStore(t *testing.T) {
	vectors := NewInMemoryVectorStore(testDims, nil)
	embedder := mocks.NewMockEmbedder(testDims)
	coord := NewCoordinator(CoordinatorConfig{}, corpusChunker(), embedder, nil, vectors, nil, nil, nil)
	coord.IngestBatch(context.Background(), corpusDocuments(), IngestOptions{})
	engine := NewEngine(EngineConfig{}, embedder, vectors, nil, nil, nil)

	_, err := engine.GraphSearch(context.Background(), "Acme", 3)
	assert.True(t, types.IsCode(err, types.ErrStoreUnavailable))

	results, err := engine.HybridSearch(context.Background(), "Acme", 3)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestEngine_RejectsEmptyQuery(t *testing.T) {
	rig := newRetrievalRig(t)
	for _, mode := range []SearchMode{ModeVector, ModeGraph, ModeHybrid} {
		_, err := rig.engine.Search(context.Background(), mode, "   ", 3)
		assert.True(t, types.IsCode(err, types.ErrInvalidRequest), mode)
	}
	_, err := rig.engine.Search(context.Background(), SearchMode("keyword"), "Acme", 3)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestEngine_DefaultLimit(t *testing.T) {
	rig := newRetrievalRig(t)
	results, err := rig.engine.VectorSearch(context.Background(), "Graphite", 0)
	require.NoError(t, err)
	assert.Len(t, results, 7)
}

func TestEngine_CancelledContext(t *testing.T) {
	rig := newRetrievalRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rig.engine.HybridSearch(ctx, "Acme", 3)
	assert.ErrorIs(t, err, context.Canceled)
}
