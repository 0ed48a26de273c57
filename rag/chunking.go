package rag

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChunkingConfig 分块配置
type ChunkingConfig struct {
	ChunkSize    int `json:"chunk_size"`     // 块大小（tokens）
	ChunkOverlap int `json:"chunk_overlap"`  // 与前一块的重叠（tokens）
	MinChunkSize int `json:"min_chunk_size"` // 尾块小于该值时并入前一块
}

// DefaultChunkingConfig 默认分块配置
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		ChunkSize:    512,
		ChunkOverlap: 50,
		MinChunkSize: 20,
	}
}

// 分隔符优先级：段落 > 行 > 句子 > 单词；标题边界在此之前单独处理
var separators = []string{"\n\n", "\n", ". ", "。", "! ", "? ", " "}

// span 原文中的字节区间 [start, end)
type span struct {
	start, end int
}

// DocumentChunker 文档分块器
type DocumentChunker struct {
	config    ChunkingConfig
	tokenizer Tokenizer
	logger    *zap.Logger
}

// NewDocumentChunker 创建文档分块器
func NewDocumentChunker(config ChunkingConfig, tokenizer Tokenizer, logger *zap.Logger) *DocumentChunker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultChunkingConfig()
	if config.ChunkSize <= 0 {
		config.ChunkSize = def.ChunkSize
	}
	if config.ChunkOverlap < 0 {
		config.ChunkOverlap = 0
	}
	if config.ChunkOverlap >= config.ChunkSize {
		logger.Warn("chunk overlap must be smaller than chunk size, using a quarter",
			zap.Int("chunk_size", config.ChunkSize),
			zap.Int("chunk_overlap", config.ChunkOverlap))
		config.ChunkOverlap = config.ChunkSize / 4
	}
	if config.MinChunkSize < 0 {
		config.MinChunkSize = 0
	}
	return &DocumentChunker{
		config:    config,
		tokenizer: tokenizer,
		logger:    logger.With(zap.String("component", "chunker")),
	}
}

// Config 返回生效的分块配置
func (c *DocumentChunker) Config() ChunkingConfig { return c.config }

// ChunkDocument 分块文档。
// 返回的 StartPos/EndPos 是 doc.Content 中的字节偏移，Content == doc.Content[StartPos:EndPos]。
func (c *DocumentChunker) ChunkDocument(doc Document) []Chunk {
	text := doc.Content
	if strings.TrimSpace(text) == "" {
		return nil
	}

	budget := c.config.ChunkSize - c.config.ChunkOverlap

	var segments []span
	c.segment(text, span{0, len(text)}, 0, budget, &segments)
	cores := c.pack(text, segments, budget)

	// 纯空白的块不产出
	kept := cores[:0]
	for _, s := range cores {
		if strings.TrimSpace(text[s.start:s.end]) != "" {
			kept = append(kept, s)
		}
	}
	cores = kept

	spans := make([]span, len(cores))
	for i, core := range cores {
		spans[i] = core
		if i > 0 && c.config.ChunkOverlap > 0 {
			spans[i].start = c.overlapStart(text, cores[i-1], core)
		}
	}

	// 过小的尾块并入前一块
	if n := len(spans); n >= 2 && c.count(text[cores[n-1].start:cores[n-1].end]) < c.config.MinChunkSize {
		if c.count(text[spans[n-2].start:spans[n-1].end]) <= c.config.ChunkSize {
			spans[n-2].end = spans[n-1].end
			spans = spans[:n-1]
		}
	}

	chunks := make([]Chunk, 0, len(spans))
	for _, s := range spans {
		s = trimSpan(text, s)
		if s.end <= s.start {
			continue
		}
		content := text[s.start:s.end]
		chunks = append(chunks, Chunk{
			ID:         uuid.NewString(),
			DocumentID: doc.ID,
			Content:    content,
			Ordinal:    len(chunks),
			StartPos:   s.start,
			EndPos:     s.end,
			TokenCount: c.count(content),
			Metadata:   map[string]any{"source": doc.Source},
		})
	}

	c.logger.Debug("chunking completed",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", c.config.ChunkSize),
		zap.Int("overlap", c.config.ChunkOverlap))

	return chunks
}

func (c *DocumentChunker) count(text string) int {
	return c.tokenizer.CountTokens(text)
}

// segment 递归切分，直到每段都不超过 budget。
// level 0 是 markdown 标题边界，1..len(separators) 对应 separators，最后按字符硬切。
func (c *DocumentChunker) segment(text string, s span, level, budget int, out *[]span) {
	if s.end <= s.start {
		return
	}
	if c.count(text[s.start:s.end]) <= budget {
		*out = append(*out, s)
		return
	}
	if level > len(separators) {
		c.hardSplit(text, s, budget, out)
		return
	}

	var pieces []span
	if level == 0 {
		pieces = cutAtHeadings(text, s)
	} else {
		pieces = cutAfter(text, s, separators[level-1])
	}
	for _, p := range pieces {
		c.segment(text, p, level+1, budget, out)
	}
}

// cutAtHeadings 在以 # 开头的行之前切分
func cutAtHeadings(text string, s span) []span {
	var pieces []span
	start := s.start
	for i := s.start + 1; i < s.end; i++ {
		if text[i] == '#' && text[i-1] == '\n' {
			pieces = append(pieces, span{start, i})
			start = i
		}
	}
	return append(pieces, span{start, s.end})
}

// cutAfter 在每个 sep 之后切分，分隔符留在前一段末尾
func cutAfter(text string, s span, sep string) []span {
	var pieces []span
	start := s.start
	for pos := s.start; pos < s.end; {
		idx := strings.Index(text[pos:s.end], sep)
		if idx < 0 {
			break
		}
		cut := pos + idx + len(sep)
		if cut < s.end {
			pieces = append(pieces, span{start, cut})
			start = cut
		}
		pos = cut
	}
	return append(pieces, span{start, s.end})
}

// hardSplit 最后手段：按 rune 贪心切分
func (c *DocumentChunker) hardSplit(text string, s span, budget int, out *[]span) {
	start := s.start
	for start < s.end {
		end := start
		for end < s.end {
			_, size := utf8.DecodeRuneInString(text[end:s.end])
			if end > start && c.count(text[start:end+size]) > budget {
				break
			}
			end += size
		}
		*out = append(*out, span{start, end})
		start = end
	}
}

// pack 贪心合并相邻片段
func (c *DocumentChunker) pack(text string, segments []span, budget int) []span {
	if len(segments) == 0 {
		return nil
	}
	var cores []span
	cur := segments[0]
	for _, seg := range segments[1:] {
		if c.count(text[cur.start:seg.end]) <= budget {
			cur.end = seg.end
			continue
		}
		cores = append(cores, cur)
		cur = seg
	}
	return append(cores, cur)
}

// overlapStart 从前一块末尾向前按词起点回退，重叠不超过 ChunkOverlap，整块不超过 ChunkSize
func (c *DocumentChunker) overlapStart(text string, prev, core span) int {
	var starts []int
	for i := prev.start; i < prev.end; {
		r, size := utf8.DecodeRuneInString(text[i:prev.end])
		if !unicode.IsSpace(r) {
			if i == prev.start {
				starts = append(starts, i)
			} else if p, _ := utf8.DecodeLastRuneInString(text[:i]); unicode.IsSpace(p) {
				starts = append(starts, i)
			}
		}
		i += size
	}

	best := -1
	for j := len(starts) - 1; j >= 0; j-- {
		if c.count(text[starts[j]:prev.end]) > c.config.ChunkOverlap {
			break
		}
		best = j
	}
	if best < 0 {
		return core.start
	}
	for j := best; j < len(starts); j++ {
		if c.count(text[starts[j]:core.end]) <= c.config.ChunkSize {
			return starts[j]
		}
	}
	return core.start
}

func trimSpan(text string, s span) span {
	seg := text[s.start:s.end]
	left := len(seg) - len(strings.TrimLeftFunc(seg, unicode.IsSpace))
	right := len(seg) - len(strings.TrimRightFunc(seg, unicode.IsSpace))
	if left == len(seg) {
		return span{s.start, s.start}
	}
	return span{s.start + left, s.end - right}
}
