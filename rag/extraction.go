package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/BaSui01/hybridrag/internal/metrics"
	"github.com/BaSui01/hybridrag/llm"
	"github.com/BaSui01/hybridrag/llm/retry"
	"github.com/BaSui01/hybridrag/types"
)

// Extractor 从文本中抽取实体与关系
type Extractor interface {
	Extract(ctx context.Context, text string) (*Extraction, error)
}

// ExtractedEntity 抽取出的实体
type ExtractedEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ExtractedRelation 抽取出的关系，端点为实体名称
type ExtractedRelation struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Extraction 一次抽取的结果
type Extraction struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// 实体类型缺省值
const defaultEntityType = "concept"

// normalize 去掉空名称、补全缺失端点、统一关系类型写法
func (e *Extraction) normalize() {
	seen := make(map[string]bool, len(e.Entities))
	entities := make([]ExtractedEntity, 0, len(e.Entities))
	add := func(name, typ string) {
		name = strings.Join(strings.Fields(name), " ")
		if name == "" || seen[strings.ToLower(name)] {
			return
		}
		typ = strings.ToLower(strings.TrimSpace(typ))
		if typ == "" {
			typ = defaultEntityType
		}
		seen[strings.ToLower(name)] = true
		entities = append(entities, ExtractedEntity{Name: name, Type: typ})
	}
	for _, ent := range e.Entities {
		add(ent.Name, ent.Type)
	}

	relations := make([]ExtractedRelation, 0, len(e.Relations))
	for _, rel := range e.Relations {
		src := strings.Join(strings.Fields(rel.Source), " ")
		dst := strings.Join(strings.Fields(rel.Target), " ")
		if src == "" || dst == "" || strings.EqualFold(src, dst) {
			continue
		}
		add(src, "")
		add(dst, "")
		relations = append(relations, ExtractedRelation{Source: src, Target: dst, Type: relationType(rel.Type)})
	}
	e.Entities = entities
	e.Relations = relations
}

// relationType "works at" -> "WORKS_AT"
func relationType(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if underscore && b.Len() > 0 {
				b.WriteByte('_')
			}
			underscore = false
			b.WriteRune(unicode.ToUpper(r))
			continue
		}
		underscore = true
	}
	if b.Len() == 0 {
		return "RELATED_TO"
	}
	return b.String()
}

// =============================================================================
// 🤖 LLM 抽取
// =============================================================================

const extractionSystemPrompt = `You extract a knowledge graph from text.
Return ONLY a JSON object of the form:
{"entities":[{"name":"...","type":"person|organization|technology|location|event|concept"}],
 "relations":[{"source":"entity name","target":"entity name","type":"WORKS_AT"}]}
Use the exact surface form of each name as it appears in the text. Return empty arrays when nothing applies.`

// LLMExtractorConfig LLM 抽取配置
type LLMExtractorConfig struct {
	Model     string
	MaxTokens int
	Timeout   time.Duration
	Retry     retry.Policy
}

// LLMExtractor 通过对话模型的 JSON 模式抽取
type LLMExtractor struct {
	provider  llm.Provider
	cfg       LLMExtractorConfig
	retryer   *retry.Retryer
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewLLMExtractor 创建 LLM 抽取器
func NewLLMExtractor(provider llm.Provider, cfg LLMExtractorConfig, collector *metrics.Collector, logger *zap.Logger) *LLMExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	logger = logger.With(zap.String("component", "llm_extractor"))
	return &LLMExtractor{
		provider:  provider,
		cfg:       cfg,
		retryer:   retry.NewRetryer(cfg.Retry, logger),
		collector: collector,
		logger:    logger,
	}
}

// Extract 每次调用单独限时；解析失败不重试
func (x *LLMExtractor) Extract(ctx context.Context, text string) (*Extraction, error) {
	if strings.TrimSpace(text) == "" {
		return &Extraction{}, nil
	}
	return retry.Do(ctx, x.retryer, func(ctx context.Context) (*Extraction, error) {
		callCtx, cancel := context.WithTimeout(ctx, x.cfg.Timeout)
		defer cancel()

		start := time.Now()
		resp, err := x.provider.Completion(callCtx, &llm.ChatRequest{
			Model: x.cfg.Model,
			Messages: []types.Message{
				types.NewSystemMessage(extractionSystemPrompt),
				types.NewUserMessage(text),
			},
			MaxTokens: x.cfg.MaxTokens,
			JSONMode:  true,
		})
		if err != nil {
			x.collector.RecordLLMRequest(x.provider.Name(), x.cfg.Model, "error", time.Since(start), 0, 0)
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, types.NewAdapterError("extraction", fmt.Errorf("timed out after %s: %w", x.cfg.Timeout, err))
			}
			if _, ok := types.AsError(err); ok {
				return nil, err
			}
			return nil, types.NewAdapterError("extraction", err)
		}
		x.collector.RecordLLMRequest(x.provider.Name(), x.cfg.Model, "success", time.Since(start),
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

		ext, err := parseExtraction(resp.Content)
		if err != nil {
			x.logger.Debug("unparseable extraction output", zap.Int("length", len(resp.Content)))
			return nil, types.NewAdapterError("extraction", err).WithRetryable(false)
		}
		return ext, nil
	})
}

// parseExtraction 容忍代码块包裹与前后多余文本
func parseExtraction(raw string) (*Extraction, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in extraction output")
	}
	var ext Extraction
	if err := json.Unmarshal([]byte(raw[start:end+1]), &ext); err != nil {
		return nil, err
	}
	ext.normalize()
	return &ext, nil
}

// =============================================================================
// 🔤 启发式抽取
// =============================================================================

var heuristicStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "in": true, "on": true,
	"at": true, "to": true, "for": true, "with": true, "by": true, "from": true, "as": true,
	"how": true, "what": true, "who": true, "whom": true, "whose": true, "which": true,
	"when": true, "where": true, "why": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "do": true, "does": true, "did": true, "can": true, "could": true, "should": true,
	"would": true, "will": true, "tell": true, "me": true, "about": true, "between": true,
	"related": true, "relationship": true, "relationships": true, "connected": true,
	"i": true, "you": true, "we": true, "they": true, "it": true, "he": true, "she": true,
	"this": true, "that": true, "these": true, "those": true, "there": true, "please": true,
	"list": true, "define": true, "compare": true, "explain": true, "describe": true,
	"show": true, "give": true, "find": true, "many": true, "much": true, "any": true,
	"all": true, "some": true, "their": true, "its": true, "has": true, "have": true,
}

// HeuristicExtractor 基于大写短语的轻量抽取。
// CoOccurrence 为 true 时，同一句中相邻的实体之间生成 RELATED_TO 关系。
type HeuristicExtractor struct {
	CoOccurrence bool
}

// NewHeuristicExtractor 创建启发式抽取器
func NewHeuristicExtractor(coOccurrence bool) *HeuristicExtractor {
	return &HeuristicExtractor{CoOccurrence: coOccurrence}
}

// Extract 实现 Extractor
func (h *HeuristicExtractor) Extract(ctx context.Context, text string) (*Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewAdapterError("extraction", err)
	}
	ext := &Extraction{}
	for _, sentence := range splitSentences(text) {
		names := capitalizedPhrases(sentence)
		for _, n := range names {
			ext.Entities = append(ext.Entities, ExtractedEntity{Name: n, Type: defaultEntityType})
		}
		if h.CoOccurrence {
			for i := 1; i < len(names); i++ {
				ext.Relations = append(ext.Relations, ExtractedRelation{Source: names[i-1], Target: names[i], Type: "RELATED_TO"})
			}
		}
	}
	ext.normalize()
	return ext, nil
}

// Names 返回查询中的候选实体名；没有大写短语时退回到内容词
func (h *HeuristicExtractor) Names(text string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, sentence := range splitSentences(text) {
		for _, n := range capitalizedPhrases(sentence) {
			if !seen[strings.ToLower(n)] {
				seen[strings.ToLower(n)] = true
				names = append(names, n)
			}
		}
	}
	if len(names) > 0 {
		return names
	}
	for _, t := range queryTerms(text) {
		if len(t) >= 3 && !heuristicStopwords[t] {
			names = append(names, t)
		}
	}
	return names
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n' || r == '。' || r == ';'
	})
}

// capitalizedPhrases 连续的首字母大写词组成一个短语，标点处断开
func capitalizedPhrases(sentence string) []string {
	var (
		out []string
		cur []string
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.Join(cur, " "))
			cur = cur[:0]
		}
	}
	for _, raw := range strings.Fields(sentence) {
		word := strings.TrimFunc(raw, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		word = strings.TrimSuffix(strings.TrimSuffix(word, "'s"), "’s")
		if isCapitalized(word) && !heuristicStopwords[strings.ToLower(word)] {
			cur = append(cur, word)
		} else {
			flush()
		}
		if last := []rune(raw); len(last) > 0 && unicode.IsPunct(last[len(last)-1]) {
			flush()
		}
	}
	flush()
	return out
}

func isCapitalized(word string) bool {
	for _, r := range word {
		return unicode.IsUpper(r)
	}
	return false
}

var (
	_ Extractor = (*LLMExtractor)(nil)
	_ Extractor = (*HeuristicExtractor)(nil)
)
