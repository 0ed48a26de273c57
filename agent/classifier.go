package agent

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/BaSui01/hybridrag/rag"
)

// Classifier 为一条用户消息选择检索策略
type Classifier interface {
	Classify(message string) StrategyKind
}

// ClassifierFunc 函数适配器
type ClassifierFunc func(message string) StrategyKind

func (f ClassifierFunc) Classify(message string) StrategyKind { return f(message) }

// Cue 一条线索及其加分
type Cue struct {
	Phrase string
	Weight float64
}

// HeuristicConfig 启发式分类器的权重
type HeuristicConfig struct {
	VectorBase float64
	GraphBase  float64
	HybridBase float64

	// 关系类线索命中时给 graph 的加分，hybrid 同时获得 RelationalHybridBonus
	RelationalCues        []Cue
	RelationalHybridBonus float64
	// 查找类线索命中时给 vector 的加分
	LookupCues []Cue

	// "how are X and Y" 句式
	PairPatternWeight float64
	// 两个及以上实体名
	MultiEntityGraph  float64
	MultiEntityHybrid float64
	// 短查询（<= ShortWords 词）偏向 vector，长查询（> LongWords 词）偏向 hybrid
	ShortWords  int
	ShortVector float64
	LongWords   int
	LongHybrid  float64
}

// DefaultHeuristicConfig 默认权重，无明显线索时 hybrid 胜出
func DefaultHeuristicConfig() HeuristicConfig {
	return HeuristicConfig{
		VectorBase: 1.0,
		GraphBase:  0.8,
		HybridBase: 1.1,
		RelationalCues: []Cue{
			{"related", 0.5}, {"relationship", 0.5}, {"relationships", 0.5},
			{"between", 0.5}, {"compare", 0.4}, {"versus", 0.4}, {"vs", 0.4},
			{"connected", 0.5}, {"connection", 0.5}, {"partner", 0.4}, {"partners", 0.4},
			{"works with", 0.4}, {"linked", 0.4},
		},
		RelationalHybridBonus: 0.2,
		LookupCues: []Cue{
			{"what is", 0.5}, {"what are", 0.4}, {"define", 0.5}, {"definition", 0.5},
			{"when", 0.4}, {"how many", 0.5}, {"list", 0.4}, {"explain", 0.3},
		},
		PairPatternWeight: 0.5,
		MultiEntityGraph:  0.3,
		MultiEntityHybrid: 0.2,
		ShortWords:        5,
		ShortVector:       0.2,
		LongWords:         15,
		LongHybrid:        0.3,
	}
}

var pairPattern = regexp.MustCompile(`\bhow (?:are|is|do|does|did|were|was)\b.+\band\b`)

// Decision 分类过程中的打分，便于调试与日志
type Decision struct {
	Strategy StrategyKind
	Scores   map[StrategyKind]float64
	Entities []string
}

// HeuristicClassifier 基于线索打分的分类器
type HeuristicClassifier struct {
	cfg   HeuristicConfig
	names *rag.HeuristicExtractor
}

// NewHeuristicClassifier 创建启发式分类器
func NewHeuristicClassifier(cfg HeuristicConfig) *HeuristicClassifier {
	return &HeuristicClassifier{cfg: cfg, names: rag.NewHeuristicExtractor(false)}
}

// Classify 实现 Classifier
func (c *HeuristicClassifier) Classify(message string) StrategyKind {
	return c.Decide(message).Strategy
}

// Decide 返回完整打分。平分时按 hybrid、vector、graph 的顺序取先者
func (c *HeuristicClassifier) Decide(message string) Decision {
	lower := strings.ToLower(strings.TrimSpace(message))
	words := strings.FieldsFunc(lower, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' })
	padded := " " + strings.Join(words, " ") + " "

	scores := map[StrategyKind]float64{
		StrategyVector: c.cfg.VectorBase,
		StrategyGraph:  c.cfg.GraphBase,
		StrategyHybrid: c.cfg.HybridBase,
	}

	relational := false
	for _, cue := range c.cfg.RelationalCues {
		if strings.Contains(padded, " "+cue.Phrase+" ") {
			scores[StrategyGraph] += cue.Weight
			relational = true
		}
	}
	if relational {
		scores[StrategyHybrid] += c.cfg.RelationalHybridBonus
	}
	if pairPattern.MatchString(lower) {
		scores[StrategyGraph] += c.cfg.PairPatternWeight
	}
	for _, cue := range c.cfg.LookupCues {
		if strings.Contains(padded, " "+cue.Phrase+" ") {
			scores[StrategyVector] += cue.Weight
		}
	}

	entities := c.entities(message)
	if len(entities) >= 2 {
		scores[StrategyGraph] += c.cfg.MultiEntityGraph
		scores[StrategyHybrid] += c.cfg.MultiEntityHybrid
	}

	switch n := len(words); {
	case n > 0 && n <= c.cfg.ShortWords:
		scores[StrategyVector] += c.cfg.ShortVector
	case n > c.cfg.LongWords:
		scores[StrategyHybrid] += c.cfg.LongHybrid
	}

	best := StrategyHybrid
	for _, k := range []StrategyKind{StrategyVector, StrategyGraph} {
		if scores[k] > scores[best] {
			best = k
		}
	}
	return Decision{Strategy: best, Scores: scores, Entities: entities}
}

// entities 只保留首字母大写的候选名
func (c *HeuristicClassifier) entities(message string) []string {
	var out []string
	for _, n := range c.names.Names(message) {
		for _, r := range n {
			if unicode.IsUpper(r) {
				out = append(out, n)
			}
			break
		}
	}
	return out
}

var _ Classifier = (*HeuristicClassifier)(nil)
