package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicClassifier_Classify(t *testing.T) {
	c := NewHeuristicClassifier(DefaultHeuristicConfig())

	tests := []struct {
		query string
		want  StrategyKind
	}{
		{"What is Graphite?", StrategyVector},
		{"Define vector search", StrategyVector},
		{"How many customers does Acme have?", StrategyVector},
		{"How are Alice Smith and Acme Corporation related?", StrategyGraph},
		{"What is the relationship between Alice Smith and Bob Jones?", StrategyGraph},
		{"Compare Graphite versus Neo4j", StrategyGraph},
		{"Tell me about the Graphite roadmap and its hybrid retrieval features", StrategyHybrid},
		{"", StrategyHybrid},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.query), tt.query)
	}
}

func TestHeuristicClassifier_Decide(t *testing.T) {
	c := NewHeuristicClassifier(DefaultHeuristicConfig())

	d := c.Decide("How are Alice Smith and Acme Corporation related?")
	assert.Equal(t, StrategyGraph, d.Strategy)
	assert.Equal(t, []string{"Alice Smith", "Acme Corporation"}, d.Entities)
	assert.InDelta(t, 2.1, d.Scores[StrategyGraph], 1e-9)
	assert.InDelta(t, 1.5, d.Scores[StrategyHybrid], 1e-9)
	assert.InDelta(t, 1.0, d.Scores[StrategyVector], 1e-9)

	// 小写内容词不算实体
	d = c.Decide("tell me about vector databases")
	assert.Empty(t, d.Entities)
}

func TestHeuristicClassifier_TieGoesToHybrid(t *testing.T) {
	cfg := DefaultHeuristicConfig()
	cfg.VectorBase, cfg.GraphBase, cfg.HybridBase = 1, 1, 1
	cfg.ShortVector, cfg.LongHybrid = 0, 0
	assert.Equal(t, StrategyHybrid, NewHeuristicClassifier(cfg).Classify("anything at all here"))
}

func TestClassifierFunc(t *testing.T) {
	var c Classifier = ClassifierFunc(func(string) StrategyKind { return StrategyGraph })
	assert.Equal(t, StrategyGraph, c.Classify("x"))
}

func TestStrategyFor(t *testing.T) {
	assert.Equal(t, "vector_search", StrategyFor(StrategyVector).ToolName())
	assert.Equal(t, "graph_search", StrategyFor(StrategyGraph).ToolName())
	assert.Equal(t, "hybrid_search", StrategyFor(StrategyHybrid).ToolName())
	assert.Equal(t, StrategyHybrid, StrategyFor("bogus").Kind())

	_, ok := ParseStrategy("keyword")
	assert.False(t, ok)
	k, ok := ParseStrategy("graph")
	assert.True(t, ok)
	assert.Equal(t, StrategyGraph, k)
}
