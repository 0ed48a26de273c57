package loader

import (
	"context"
	"fmt"
	"os"

	"github.com/BaSui01/hybridrag/rag"
)

// TextLoader 整个文本文件作为一个文档
type TextLoader struct{}

func NewTextLoader() *TextLoader {
	return &TextLoader{}
}

func (l *TextLoader) Load(ctx context.Context, source string) ([]rag.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("text loader: %w", err)
	}
	return []rag.Document{{
		Title:    titleFromPath(source),
		Source:   source,
		Content:  string(data),
		Metadata: fileMetadata(source, "text/plain", "text"),
	}}, nil
}

func (l *TextLoader) SupportedTypes() []string {
	return []string{".txt"}
}
