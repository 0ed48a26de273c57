package rag

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/testutil"
	"github.com/BaSui01/hybridrag/testutil/fixtures"
	"github.com/BaSui01/hybridrag/testutil/mocks"
	"github.com/BaSui01/hybridrag/types"
)

const testDims = 256

// brokenVectors 按需注入故障的向量存储
type brokenVectors struct {
	*InMemoryVectorStore
	upsertErr error
	searchErr error
}

func (b *brokenVectors) UpsertDocument(ctx context.Context, doc Document) error {
	if b.upsertErr != nil {
		return b.upsertErr
	}
	return b.InMemoryVectorStore.UpsertDocument(ctx, doc)
}

func (b *brokenVectors) Search(ctx context.Context, q []float64, k int) ([]ChunkMatch, error) {
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	return b.InMemoryVectorStore.Search(ctx, q, k)
}

// brokenGraph 按需注入故障的图存储
type brokenGraph struct {
	*MemoryGraphStore
	relErr  error
	findErr error
}

func (b *brokenGraph) AddRelationship(ctx context.Context, rel Relationship) error {
	if b.relErr != nil {
		return b.relErr
	}
	return b.MemoryGraphStore.AddRelationship(ctx, rel)
}

func (b *brokenGraph) FindEntities(ctx context.Context, names []string) ([]Entity, error) {
	if b.findErr != nil {
		return nil, b.findErr
	}
	return b.MemoryGraphStore.FindEntities(ctx, names)
}

type extractorFunc func(ctx context.Context, text string) (*Extraction, error)

func (f extractorFunc) Extract(ctx context.Context, text string) (*Extraction, error) { return f(ctx, text) }

func corpusChunker() *DocumentChunker {
	return NewDocumentChunker(ChunkingConfig{
		ChunkSize:    fixtures.CorpusChunkSize,
		ChunkOverlap: fixtures.CorpusChunkOverlap,
		MinChunkSize: 5,
	}, wordTokenizer{}, zap.NewNop())
}

func toDocument(d fixtures.SampleDocument) Document {
	return Document{Title: d.Title, Source: d.Source, Content: d.Content}
}

func corpusDocuments() []Document {
	var docs []Document
	for _, d := range fixtures.SampleCorpus() {
		docs = append(docs, toDocument(d))
	}
	return docs
}

type ingestRig struct {
	coord    *Coordinator
	vectors  *InMemoryVectorStore
	graph    *MemoryGraphStore
	embedder *mocks.MockEmbedder
}

func newIngestRig(extractor Extractor) *ingestRig {
	r := &ingestRig{
		vectors:  NewInMemoryVectorStore(testDims, nil),
		graph:    NewMemoryGraphStore(EntityMatchCaseInsensitive, nil),
		embedder: mocks.NewMockEmbedder(testDims),
	}
	r.coord = NewCoordinator(CoordinatorConfig{MaxConcurrency: 3, EmbeddingBatchSize: 2},
		corpusChunker(), r.embedder, extractor, r.vectors, r.graph, nil, zap.NewNop())
	return r
}

func TestCorpusChunking(t *testing.T) {
	c := corpusChunker()
	total := 0
	for _, d := range fixtures.SampleCorpus() {
		chunks := c.ChunkDocument(toDocument(d))
		assert.Len(t, chunks, d.Sections, d.Title)
		for _, ch := range chunks {
			assert.True(t, strings.HasPrefix(ch.Content, "#") || ch.Ordinal > 0)
			assert.LessOrEqual(t, ch.TokenCount, fixtures.CorpusChunkSize)
		}
		total += len(chunks)
	}
	assert.Equal(t, fixtures.CorpusChunks, total)
}

func TestCoordinator_IngestCorpus(t *testing.T) {
	rig := newIngestRig(NewHeuristicExtractor(true))
	ctx := context.Background()

	report := rig.coord.IngestBatch(ctx, corpusDocuments(), IngestOptions{})

	assert.Empty(t, report.Errors)
	assert.False(t, report.Failed())
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, fixtures.CorpusChunks, report.Chunks)
	assert.Equal(t, 0, report.FailedChunks)
	assert.Greater(t, report.Entities, 0)
	assert.Greater(t, report.Relations, 0)
	require.Len(t, report.DocumentIDs, 2)

	docs, chunks, err := rig.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, docs)
	assert.Equal(t, fixtures.CorpusChunks, chunks)

	acme := rig.vectors.Chunks(report.DocumentIDs[0])
	require.Len(t, acme, 4)
	for i, ch := range acme {
		assert.Equal(t, i, ch.Ordinal)
		assert.Equal(t, "Acme Overview", ch.Metadata["document_title"])
		assert.Equal(t, "docs/acme.md", ch.Metadata["source"])
	}

	stats, err := rig.graph.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.Relations, stats.Relationships)
}

func TestCoordinator_IngestWithLLMExtractor(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse(fixtures.ExtractionJSON)
	rig := newIngestRig(NewLLMExtractor(provider, LLMExtractorConfig{}, nil, nil))
	ctx := context.Background()

	report := rig.coord.Ingest(ctx, toDocument(fixtures.AcmeOverview()), IngestOptions{})
	require.Empty(t, report.Errors)
	assert.Equal(t, 4, report.Chunks)
	assert.Equal(t, 4, provider.CallCount())

	// 三个实体跨 chunk 去重；每个 chunk 3 条 MENTIONS + 2 条关系
	assert.Equal(t, 3, report.Entities)
	assert.Equal(t, 20, report.Relations)

	stats, err := rig.graph.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Entities)
	assert.Equal(t, 20, stats.Relationships)

	mentions := 0
	for _, rel := range rig.graph.Relationships(report.DocumentIDs[0]) {
		if rel.Type == RelMentions {
			mentions++
			assert.Equal(t, DocumentEntityID(report.DocumentIDs[0]), rel.SourceID)
			assert.Equal(t, mentionWeight, rel.Weight)
		}
	}
	assert.Equal(t, 12, mentions)
}

func TestCoordinator_IdempotentByContentHash(t *testing.T) {
	rig := newIngestRig(NewHeuristicExtractor(true))
	ctx := context.Background()
	doc := toDocument(fixtures.GraphiteRoadmap())

	first := rig.coord.Ingest(ctx, doc, IngestOptions{})
	require.Equal(t, 1, first.Documents)
	embedded := rig.embedder.TextsEmbedded()
	statsBefore, _ := rig.graph.Stats(ctx)

	doc.Source = "elsewhere/graphite.md"
	second := rig.coord.Ingest(ctx, doc, IngestOptions{})
	assert.Equal(t, 1, second.Skipped)
	assert.Equal(t, 0, second.Documents)
	assert.Equal(t, first.DocumentIDs, second.DocumentIDs)
	assert.Equal(t, embedded, rig.embedder.TextsEmbedded())

	docs, chunks, err := rig.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, docs)
	assert.Equal(t, 3, chunks)
	statsAfter, _ := rig.graph.Stats(ctx)
	assert.Equal(t, statsBefore, statsAfter)
}

func TestCoordinator_CleanReingest(t *testing.T) {
	rig := newIngestRig(NewHeuristicExtractor(true))
	ctx := context.Background()
	doc := toDocument(fixtures.AcmeOverview())

	first := rig.coord.Ingest(ctx, doc, IngestOptions{})
	oldID := first.DocumentIDs[0]
	require.NotEmpty(t, rig.graph.Relationships(oldID))

	// 同一来源、内容变化
	doc.Content = strings.Replace(doc.Content, "Munich", "Hamburg", 1)
	second := rig.coord.Ingest(ctx, doc, IngestOptions{Clean: true})
	require.Empty(t, second.Errors)
	newID := second.DocumentIDs[0]
	assert.NotEqual(t, oldID, newID)

	assert.Empty(t, rig.vectors.Chunks(oldID))
	assert.Len(t, rig.vectors.Chunks(newID), 4)

	old := rig.graph.Relationships(oldID)
	require.NotEmpty(t, old)
	for _, rel := range old {
		assert.NotNil(t, rel.ValidTo, rel.String())
		assert.NotEqual(t, RelMentions, rel.Type)
	}
	for _, rel := range rig.graph.Relationships(newID) {
		assert.Nil(t, rel.ValidTo)
	}

	docs, chunks, err := rig.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, docs)
	assert.Equal(t, 4, chunks)
}

func TestCoordinator_CleanSameContentGetsNewID(t *testing.T) {
	rig := newIngestRig(nil)
	ctx := context.Background()
	doc := toDocument(fixtures.GraphiteRoadmap())
	doc.ID = "fixed-id"

	first := rig.coord.Ingest(ctx, doc, IngestOptions{})
	assert.Equal(t, []string{"fixed-id"}, first.DocumentIDs)

	second := rig.coord.Ingest(ctx, doc, IngestOptions{Clean: true})
	require.Equal(t, 1, second.Documents)
	assert.NotEqual(t, "fixed-id", second.DocumentIDs[0])
	assert.Empty(t, rig.vectors.Chunks("fixed-id"))
}

func TestCoordinator_FastSkipsGraph(t *testing.T) {
	calls := 0
	rig := newIngestRig(extractorFunc(func(ctx context.Context, text string) (*Extraction, error) {
		calls++
		return &Extraction{}, nil
	}))
	ctx := context.Background()

	report := rig.coord.Ingest(ctx, toDocument(fixtures.AcmeOverview()), IngestOptions{Fast: true})
	assert.Equal(t, 4, report.Chunks)
	assert.Equal(t, 0, report.Entities)
	assert.Equal(t, 0, calls)

	stats, err := rig.graph.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, GraphStats{}, stats)
}

func TestCoordinator_EmbeddingFailureIsolatedToChunk(t *testing.T) {
	rig := newIngestRig(NewHeuristicExtractor(false))
	rig.embedder.WithFailOn("Munich")
	ctx := context.Background()

	report := rig.coord.Ingest(ctx, toDocument(fixtures.AcmeOverview()), IngestOptions{})

	assert.False(t, report.Failed())
	assert.Equal(t, 1, report.Documents)
	assert.Equal(t, 3, report.Chunks)
	assert.Equal(t, 1, report.FailedChunks)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, 2, report.Errors[0].Ordinal)
	assert.Equal(t, "vector", report.Errors[0].Stage)

	require.Len(t, report.ChunkOutcomes, 4)
	assert.False(t, report.ChunkOutcomes[2].Succeeded())
	assert.True(t, types.IsCode(report.ChunkOutcomes[2].VectorErr, types.ErrAdapter))

	_, chunks, err := rig.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, chunks)
}

func TestCoordinator_AllChunksFailedIsRetried(t *testing.T) {
	rig := newIngestRig(NewHeuristicExtractor(false))
	rig.embedder.WithError(types.NewAdapterError("embedding", errors.New("rate limited")))
	ctx := context.Background()
	doc := toDocument(fixtures.AcmeOverview())

	first := rig.coord.Ingest(ctx, doc, IngestOptions{})
	assert.True(t, first.Failed())
	assert.Equal(t, 0, first.Documents)
	assert.Empty(t, first.DocumentIDs)
	assert.Equal(t, 4, first.FailedChunks)
	var docLevel []IngestError
	for _, e := range first.Errors {
		if e.Ordinal < 0 {
			docLevel = append(docLevel, e)
		}
	}
	require.Len(t, docLevel, 1)
	assert.Equal(t, "vector", docLevel[0].Stage)
	assert.Contains(t, docLevel[0].Message, "all 4 chunks failed")

	docs, chunks, err := rig.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, docs)
	assert.Equal(t, 0, chunks)

	rig.embedder.WithError(nil)
	second := rig.coord.Ingest(ctx, doc, IngestOptions{})
	assert.False(t, second.Failed())
	assert.Equal(t, 0, second.Skipped)
	assert.Equal(t, 1, second.Documents)
	assert.Equal(t, 4, second.Chunks)

	_, chunks, err = rig.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, chunks)
}

func TestCoordinator_IncompletePriorIngestIsRedone(t *testing.T) {
	rig := newIngestRig(NewHeuristicExtractor(false))
	rig.embedder.WithFailOn("Munich")
	ctx := context.Background()
	doc := toDocument(fixtures.AcmeOverview())

	first := rig.coord.Ingest(ctx, doc, IngestOptions{})
	require.Equal(t, 3, first.Chunks)
	oldID := first.DocumentIDs[0]

	retry := NewCoordinator(CoordinatorConfig{}, corpusChunker(), mocks.NewMockEmbedder(testDims),
		NewHeuristicExtractor(false), rig.vectors, rig.graph, nil, nil)
	second := retry.Ingest(ctx, doc, IngestOptions{})
	assert.False(t, second.Failed())
	assert.Equal(t, 0, second.Skipped)
	assert.Equal(t, 4, second.Chunks)
	require.Len(t, second.DocumentIDs, 1)
	assert.NotEqual(t, oldID, second.DocumentIDs[0])
	assert.Empty(t, rig.vectors.Chunks(oldID))

	docs, chunks, err := rig.vectors.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, docs)
	assert.Equal(t, 4, chunks)

	third := retry.Ingest(ctx, doc, IngestOptions{})
	assert.Equal(t, 1, third.Skipped)
	assert.Equal(t, second.DocumentIDs, third.DocumentIDs)
}

func TestCoordinator_GraphFailureDoesNotFailChunk(t *testing.T) {
	vectors := NewInMemoryVectorStore(testDims, nil)
	graph := &brokenGraph{
		MemoryGraphStore: NewMemoryGraphStore(EntityMatchCaseInsensitive, nil),
		relErr:           types.NewStoreUnavailable("memory_graph", errors.New("connection refused")),
	}
	coord := NewCoordinator(CoordinatorConfig{}, corpusChunker(), mocks.NewMockEmbedder(testDims),
		NewHeuristicExtractor(true), vectors, graph, nil, nil)

	report := coord.Ingest(context.Background(), toDocument(fixtures.AcmeOverview()), IngestOptions{})

	assert.False(t, report.Failed())
	assert.Equal(t, 4, report.Chunks)
	assert.Equal(t, 0, report.FailedChunks)
	require.NotEmpty(t, report.Errors)
	for _, e := range report.Errors {
		assert.Equal(t, "graph", e.Stage)
		assert.GreaterOrEqual(t, e.Ordinal, 0)
	}
	for _, o := range report.ChunkOutcomes {
		assert.True(t, o.Succeeded())
		assert.True(t, types.IsCode(o.GraphErr, types.ErrStoreUnavailable))
	}
}

func TestCoordinator_ExtractionFailure(t *testing.T) {
	rig := newIngestRig(extractorFunc(func(ctx context.Context, text string) (*Extraction, error) {
		return nil, errors.New("model overloaded")
	}))
	report := rig.coord.Ingest(context.Background(), toDocument(fixtures.GraphiteRoadmap()), IngestOptions{})

	assert.Equal(t, 3, report.Chunks)
	require.Len(t, report.Errors, 3)
	for _, o := range report.ChunkOutcomes {
		assert.True(t, types.IsCode(o.GraphErr, types.ErrAdapter))
	}
}

func TestCoordinator_DocumentWriteFailure(t *testing.T) {
	vectors := &brokenVectors{
		InMemoryVectorStore: NewInMemoryVectorStore(testDims, nil),
		upsertErr:           types.NewStoreUnavailable("memory", errors.New("disk full")),
	}
	coord := NewCoordinator(CoordinatorConfig{}, corpusChunker(), mocks.NewMockEmbedder(testDims),
		nil, vectors, nil, nil, nil)

	report := coord.Ingest(context.Background(), toDocument(fixtures.AcmeOverview()), IngestOptions{})
	assert.True(t, report.Failed())
	assert.Equal(t, 0, report.Documents)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "document", report.Errors[0].Stage)
	assert.Equal(t, -1, report.Errors[0].Ordinal)
}

func TestCoordinator_RejectsEmptyContent(t *testing.T) {
	rig := newIngestRig(nil)
	report := rig.coord.Ingest(context.Background(), Document{Source: "empty.md", Content: " \n "}, IngestOptions{})
	assert.True(t, report.Failed())
	assert.Equal(t, "validate", report.Errors[0].Stage)
}

func TestCoordinator_CancelledContext(t *testing.T) {
	rig := newIngestRig(nil)

	report := rig.coord.Ingest(testutil.CancelledContext(), toDocument(fixtures.AcmeOverview()), IngestOptions{})
	assert.True(t, report.Failed())
	docs, _, err := rig.vectors.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, docs)
}

func TestIngestBatch_PartialFailure(t *testing.T) {
	rig := newIngestRig(nil)
	docs := append(corpusDocuments(), Document{Source: "blank.md", Content: ""})

	report := rig.coord.IngestBatch(context.Background(), docs, IngestOptions{Fast: true})
	assert.Equal(t, 2, report.Documents)
	assert.Equal(t, fixtures.CorpusChunks, report.Chunks)
	assert.True(t, report.Failed())
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "blank.md", report.Errors[0].Source)
}

func TestChunkOutcome_MarshalJSON(t *testing.T) {
	o := ChunkOutcome{DocumentID: "d", ChunkID: "c", Ordinal: 2, GraphErr: errors.New("boom"), EntityIDs: []string{"a", "b"}}
	data, err := json.Marshal(o)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, float64(2), got["chunk_index"])
	assert.Equal(t, "boom", got["graph_error"])
	assert.Equal(t, float64(2), got["entities"])
	assert.NotContains(t, got, "vector_error")
}
