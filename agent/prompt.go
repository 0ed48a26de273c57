package agent

import (
	"fmt"
	"strings"

	"github.com/BaSui01/hybridrag/rag"
	"github.com/BaSui01/hybridrag/types"
)

// Citation 答案中 [n] 标记到证据出处的映射
type Citation struct {
	Marker     string         `json:"marker"`
	Index      int            `json:"index"`
	Provenance rag.Provenance `json:"provenance"`
	// Referenced 答案正文是否实际引用了该标记
	Referenced bool `json:"referenced"`
}

// formatContext 把检索结果编号为 [1]..[n]
func formatContext(items []rag.SearchResult) string {
	if len(items) == 0 {
		return "No relevant context was found in the knowledge base."
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s\n%s", i+1, sourceLabel(it.Provenance), strings.TrimSpace(it.Content))
	}
	return b.String()
}

func sourceLabel(p rag.Provenance) string {
	switch {
	case p.Kind == rag.ProvenanceRelationship:
		return "(knowledge graph)"
	case p.DocumentTitle != "":
		return fmt.Sprintf("(%s, chunk %d)", p.DocumentTitle, p.Ordinal)
	default:
		return fmt.Sprintf("(document %s, chunk %d)", p.DocumentID, p.Ordinal)
	}
}

// formatQuestion 有历史时带上 "Previous conversation"，否则只是问题本身
func formatQuestion(history []types.Message, question string) string {
	if len(history) == 0 {
		return question
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	return "Previous conversation:\n" + strings.Join(lines, "\n") + "\n\nCurrent question: " + question
}

// buildPrompt 组装送入 LLM 的消息：system 指令 + 编号证据，user 为问题（含历史）
func buildPrompt(systemPrompt string, history []types.Message, question string, items []rag.SearchResult) []types.Message {
	system := "Context:\n" + formatContext(items)
	if systemPrompt != "" {
		system = systemPrompt + "\n\n" + system
	}
	return []types.Message{
		types.NewSystemMessage(system),
		types.NewUserMessage(formatQuestion(history, question)),
	}
}

// lastN 取最后 n 条，n<=0 时不截断
func lastN(history []types.Message, n int) []types.Message {
	if n > 0 && len(history) > n {
		return history[len(history)-n:]
	}
	return history
}

// buildCitations 为每条证据生成 [n] 标记
func buildCitations(items []rag.SearchResult, answer string) []Citation {
	out := make([]Citation, len(items))
	for i, it := range items {
		marker := fmt.Sprintf("[%d]", i+1)
		out[i] = Citation{
			Marker:     marker,
			Index:      i + 1,
			Provenance: it.Provenance,
			Referenced: strings.Contains(answer, marker),
		}
	}
	return out
}
