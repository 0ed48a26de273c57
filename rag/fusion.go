package rag

import (
	"slices"
	"sort"
)

// NormalizeScores min-max 归一化到 [0,1]；全部同分时均为 1.0
func NormalizeScores(results []SearchResult) []SearchResult {
	out := make([]SearchResult, len(results))
	copy(out, results)
	if len(out) == 0 {
		return out
	}

	lo, hi := out[0].Score, out[0].Score
	for _, r := range out[1:] {
		lo = min(lo, r.Score)
		hi = max(hi, r.Score)
	}
	span := hi - lo
	for i := range out {
		if span == 0 {
			out[i].Score = 1.0
		} else {
			out[i].Score = (out[i].Score - lo) / span
		}
	}
	return out
}

// fusionKey chunk 出处为空时退回到内容
func fusionKey(r SearchResult) string {
	p := r.Provenance
	if p.Kind != ProvenanceRelationship && p.DocumentID == "" && p.ChunkID == "" {
		return "content:" + r.Content
	}
	return p.Key()
}

// Fuse 各自归一化后合并：图路径与向量结果同 doc/chunk 时并入该 chunk，
// 其余按各自出处键去重；保留较高分，Sources 取并集。
// 排序为 score 降序、向量结果优先、出处键升序，截断到 k
func Fuse(vector, graph []SearchResult, k int) []SearchResult {
	merged := make(map[string]*SearchResult)
	order := make([]string, 0, len(vector)+len(graph))

	add := func(key string, r SearchResult) {
		if cur, ok := merged[key]; ok {
			mergeResult(cur, r)
			return
		}
		r.Sources = append([]SearchSource(nil), r.Sources...)
		r.Provenance.Relationships = append([]string(nil), r.Provenance.Relationships...)
		merged[key] = &r
		order = append(order, key)
	}
	for _, r := range NormalizeScores(vector) {
		add(fusionKey(r), r)
	}
	for _, r := range NormalizeScores(graph) {
		if r.Provenance.ChunkID != "" {
			if cur, ok := merged[r.Provenance.chunkKey()]; ok && cur.Provenance.Kind == ProvenanceChunk {
				mergeResult(cur, r)
				continue
			}
		}
		add(fusionKey(r), r)
	}

	out := make([]SearchResult, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	sortResults(out)
	return truncate(out, k)
}

// mergeResult chunk 原文保持为内容，图路径文本记录在 Relationships
func mergeResult(cur *SearchResult, r SearchResult) {
	cur.Sources = unionSources(cur.Sources, r.Sources)
	if r.Score > cur.Score {
		cur.Score = r.Score
	}
	if cur.Provenance.Kind != ProvenanceChunk || r.Provenance.Kind != ProvenanceRelationship {
		return
	}
	rel := r.Provenance.Relationship
	if rel == "" || slices.Contains(cur.Provenance.Relationships, rel) {
		return
	}
	cur.Provenance.Relationships = append(cur.Provenance.Relationships, rel)
}

// sortResults 确定性排序
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := kindRank(a), kindRank(b); ra != rb {
			return ra < rb
		}
		if ka, kb := fusionKey(a), fusionKey(b); ka != kb {
			return ka < kb
		}
		return a.Content < b.Content
	})
}

func kindRank(r SearchResult) int {
	if r.Provenance.Kind == ProvenanceChunk {
		return 0
	}
	return 1
}

func unionSources(a, b []SearchSource) []SearchSource {
	has := make(map[SearchSource]bool, len(a)+len(b))
	for _, s := range a {
		has[s] = true
	}
	for _, s := range b {
		has[s] = true
	}
	out := make([]SearchSource, 0, 2)
	for _, s := range []SearchSource{SourceVector, SourceGraph} {
		if has[s] {
			out = append(out, s)
		}
	}
	return out
}
