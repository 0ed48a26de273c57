package loader

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/BaSui01/hybridrag/rag"
)

// MarkdownLoader 整个文件作为一个文档；按标题切分交给分块器。
// 标题取第一个一级标题，没有时取文件名。
type MarkdownLoader struct{}

func NewMarkdownLoader() *MarkdownLoader {
	return &MarkdownLoader{}
}

func (l *MarkdownLoader) Load(ctx context.Context, source string) ([]rag.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("markdown loader: %w", err)
	}
	content := string(data)
	if strings.TrimSpace(content) == "" {
		return []rag.Document{}, nil
	}

	title := ""
	headings := 0
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	inFence := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if heading, level := parseHeading(line); heading != "" {
			headings++
			if level == 1 && title == "" {
				title = heading
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("markdown loader: reading %s: %w", source, err)
	}
	if title == "" {
		title = titleFromPath(source)
	}

	meta := fileMetadata(source, "text/markdown", "markdown")
	meta["headings"] = headings
	return []rag.Document{{
		Title:    title,
		Source:   source,
		Content:  content,
		Metadata: meta,
	}}, nil
}

// parseHeading 识别 ATX 标题（# Heading），返回标题文本与级别 1-6
func parseHeading(line string) (heading string, level int) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return "", 0
	}
	for _, ch := range trimmed {
		if ch != '#' {
			break
		}
		level++
	}
	if level > 6 {
		return "", 0
	}
	heading = strings.TrimSpace(strings.TrimRight(trimmed[level:], "#"))
	if heading == "" || trimmed[level] != ' ' && trimmed[level] != '\t' {
		return "", 0
	}
	return heading, level
}

func (l *MarkdownLoader) SupportedTypes() []string {
	return []string{".md", ".markdown"}
}
