package rag

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func vecResult(doc, chunk string, ordinal int, score float64) SearchResult {
	return chunkResult(ChunkMatch{
		Chunk: Chunk{ID: chunk, DocumentID: doc, Ordinal: ordinal, Content: "chunk " + chunk},
		Score: score,
	})
}

func graphResult(doc, chunk, rel string, score float64) SearchResult {
	return SearchResult{
		Content:    rel,
		Score:      score,
		Provenance: Provenance{Kind: ProvenanceRelationship, DocumentID: doc, ChunkID: chunk, Relationship: rel},
		Sources:    []SearchSource{SourceGraph},
	}
}

func TestNormalizeScores(t *testing.T) {
	assert.Empty(t, NormalizeScores(nil))

	in := []SearchResult{{Score: 0.2}, {Score: 0.8}, {Score: 0.5}}
	out := NormalizeScores(in)
	assert.InDelta(t, 0.0, out[0].Score, 1e-9)
	assert.InDelta(t, 1.0, out[1].Score, 1e-9)
	assert.InDelta(t, 0.5, out[2].Score, 1e-9)
	// 不修改入参
	assert.Equal(t, 0.2, in[0].Score)

	same := NormalizeScores([]SearchResult{{Score: 0.3}, {Score: 0.3}})
	assert.Equal(t, 1.0, same[0].Score)
	assert.Equal(t, 1.0, same[1].Score)
}

func TestFuse_DedupByProvenance(t *testing.T) {
	vector := []SearchResult{
		vecResult("d1", "c1", 0, 0.9),
		vecResult("d1", "c2", 1, 0.3),
	}
	graph := []SearchResult{
		graphResult("d1", "c2", "Alice -[WORKS_AT]-> Acme", 0.5),
		graphResult("d2", "c9", "Acme -[LOCATED_IN]-> Berlin", 0.25),
	}

	out := Fuse(vector, graph, 10)
	require.Len(t, out, 3)

	// d1/c2：向量归一化为 0，图归一化为 1，取较高分，保留 chunk 原文
	var merged SearchResult
	for _, r := range out {
		if r.Provenance.Key() == "d1/c2" {
			merged = r
		}
	}
	assert.Equal(t, 1.0, merged.Score)
	assert.Equal(t, []SearchSource{SourceVector, SourceGraph}, merged.Sources)
	assert.Equal(t, "chunk c2", merged.Content)
	assert.Equal(t, ProvenanceChunk, merged.Provenance.Kind)
	assert.Equal(t, []string{"Alice -[WORKS_AT]-> Acme"}, merged.Provenance.Relationships)

	// 没有对应向量结果的图路径保留为关系结果
	var graphOnly SearchResult
	for _, r := range out {
		if r.Provenance.Kind == ProvenanceRelationship {
			graphOnly = r
		}
	}
	assert.Equal(t, "Acme -[LOCATED_IN]-> Berlin", graphOnly.Content)
	assert.Equal(t, []SearchSource{SourceGraph}, graphOnly.Sources)
}

func TestFuse_DistinctPathsFromSameChunk(t *testing.T) {
	graph := []SearchResult{
		graphResult("d1", "c1", "A -[R1]-> B", 0.8),
		graphResult("d1", "c1", "A -[R2]-> C", 0.6),
	}

	out := Fuse(nil, graph, 5)
	require.Len(t, out, 2)
	for _, r := range out {
		assert.Equal(t, ProvenanceRelationship, r.Provenance.Kind)
		assert.Equal(t, "c1", r.Provenance.ChunkID)
	}
	assert.Equal(t, "A -[R1]-> B", out[0].Content)
	assert.Equal(t, "A -[R2]-> C", out[1].Content)

	// 两条路径都并入同一 chunk 的向量结果
	merged := Fuse([]SearchResult{vecResult("d1", "c1", 0, 0.4)}, graph, 5)
	require.Len(t, merged, 1)
	assert.Equal(t, ProvenanceChunk, merged[0].Provenance.Kind)
	assert.Equal(t, []string{"A -[R1]-> B", "A -[R2]-> C"}, merged[0].Provenance.Relationships)
	assert.Equal(t, []SearchSource{SourceVector, SourceGraph}, merged[0].Sources)
}

func TestFuse_PathKeyUsesRelationshipIDs(t *testing.T) {
	r1 := Relationship{ID: "r1", Type: "FOUNDED", SourceName: "Alice", TargetName: "Acme", Weight: 1, DocumentID: "d1", ChunkID: "c0"}
	r2 := Relationship{ID: "r2", Type: "FOUNDED", SourceName: "Alice", TargetName: "Acme", Weight: 1, DocumentID: "d2", ChunkID: "c5"}

	a := pathResult(newPath([]Relationship{r1}))
	b := pathResult(newPath([]Relationship{r2}))
	assert.Equal(t, "path:r1", a.Provenance.Key())
	assert.NotEqual(t, a.Provenance.Key(), b.Provenance.Key())

	// 同文本不同关系 ID 不合并
	assert.Len(t, Fuse(nil, []SearchResult{a, b}, 5), 2)
	// 同一路径重复出现时合并
	assert.Len(t, Fuse(nil, []SearchResult{a, a}, 5), 1)
}

func TestFuse_TieBreaks(t *testing.T) {
	vector := []SearchResult{vecResult("d1", "b", 1, 0.7), vecResult("d1", "a", 0, 0.7)}
	graph := []SearchResult{graphResult("d0", "z", "X -[R]-> Y", 0.1)}

	out := Fuse(vector, graph, 10)
	require.Len(t, out, 3)
	// 同为 1.0：向量优先，再按出处键升序
	assert.Equal(t, "d1/a", out[0].Provenance.Key())
	assert.Equal(t, "d1/b", out[1].Provenance.Key())
	assert.Equal(t, "path:X -[R]-> Y", out[2].Provenance.Key())
}

func TestFuse_TruncatesAndHandlesEmptySides(t *testing.T) {
	vector := []SearchResult{vecResult("d", "1", 0, 0.9), vecResult("d", "2", 1, 0.5), vecResult("d", "3", 2, 0.1)}

	out := Fuse(vector, nil, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "d/1", out[0].Provenance.Key())

	assert.Empty(t, Fuse(nil, nil, 5))
	assert.Len(t, Fuse(nil, []SearchResult{graphResult("d", "1", "A -[R]-> B", 3)}, 5), 1)
}

func TestFuse_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		draw := func(label string, graph bool) []SearchResult {
			n := rapid.IntRange(0, 12).Draw(rt, label+"_n")
			out := make([]SearchResult, n)
			for i := range out {
				doc := fmt.Sprintf("d%d", rapid.IntRange(0, 2).Draw(rt, label+"_doc"))
				chunk := fmt.Sprintf("c%d", rapid.IntRange(0, 4).Draw(rt, label+"_chunk"))
				score := rapid.Float64Range(-5, 5).Draw(rt, label+"_score")
				if graph {
					out[i] = graphResult(doc, chunk, fmt.Sprintf("A -[R%d]-> B", i), score)
				} else {
					out[i] = vecResult(doc, chunk, i, score)
				}
			}
			return out
		}
		vector := draw("vector", false)
		graph := draw("graph", true)
		k := rapid.IntRange(1, 20).Draw(rt, "k")

		out := Fuse(vector, graph, k)
		if len(out) > k {
			rt.Fatalf("len %d exceeds k %d", len(out), k)
		}
		seen := make(map[string]bool)
		for i, r := range out {
			if r.Score < 0 || r.Score > 1 {
				rt.Fatalf("score %v out of [0,1]", r.Score)
			}
			if seen[r.Provenance.Key()] {
				rt.Fatalf("duplicate provenance %s", r.Provenance.Key())
			}
			seen[r.Provenance.Key()] = true
			if i > 0 && out[i-1].Score < r.Score {
				rt.Fatalf("not sorted at %d", i)
			}
		}
		// 同样输入得到同样输出
		again := Fuse(vector, graph, k)
		if fmt.Sprint(again) != fmt.Sprint(out) {
			rt.Fatalf("fusion is not deterministic")
		}
	})
}

func TestProperty_NormalizedScoresWithinUnitInterval(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("normalized scores stay in [0,1] and keep order", prop.ForAll(
		func(scores []float64) bool {
			in := make([]SearchResult, len(scores))
			for i, s := range scores {
				in[i] = SearchResult{Score: s}
			}
			out := NormalizeScores(in)
			for i := range out {
				if out[i].Score < 0 || out[i].Score > 1 {
					return false
				}
				for j := range out {
					if in[i].Score < in[j].Score && out[i].Score > out[j].Score {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(-1000, 1000)),
	))

	properties.TestingRun(t)
}
