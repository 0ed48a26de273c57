package loader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BaSui01/hybridrag/rag"
)

// jsonRecord 一条 JSON 记录，content 必填
type jsonRecord struct {
	Title    string         `json:"title"`
	Source   string         `json:"source"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// JSONLoader 加载 .json（单个对象或数组）与 .jsonl（每行一个对象）
type JSONLoader struct{}

func NewJSONLoader() *JSONLoader {
	return &JSONLoader{}
}

func (l *JSONLoader) Load(ctx context.Context, source string) ([]rag.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		records []jsonRecord
		err     error
	)
	if strings.ToLower(filepath.Ext(source)) == ".jsonl" {
		records, err = readJSONL(source)
	} else {
		records, err = readJSON(source)
	}
	if err != nil {
		return nil, err
	}

	docs := make([]rag.Document, 0, len(records))
	for i, rec := range records {
		if strings.TrimSpace(rec.Content) == "" {
			return nil, fmt.Errorf("json loader: record %d in %s has no content", i, source)
		}
		meta := fileMetadata(source, "application/json", "json")
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		meta["index"] = i

		doc := rag.Document{Title: rec.Title, Source: rec.Source, Content: rec.Content, Metadata: meta}
		if doc.Source == "" {
			doc.Source = fmt.Sprintf("%s#%d", source, i)
		}
		if doc.Title == "" {
			doc.Title = fmt.Sprintf("%s #%d", titleFromPath(source), i)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func readJSON(source string) ([]jsonRecord, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("json loader: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var recs []jsonRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("json loader: parsing array in %s: %w", source, err)
		}
		return recs, nil
	}
	var rec jsonRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("json loader: parsing object in %s: %w", source, err)
	}
	return []jsonRecord{rec}, nil
}

func readJSONL(source string) ([]jsonRecord, error) {
	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("jsonl loader: %w", err)
	}
	defer f.Close()

	var recs []jsonRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec jsonRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("jsonl loader: line %d in %s: %w", line, source, err)
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("jsonl loader: reading %s: %w", source, err)
	}
	return recs, nil
}

func (l *JSONLoader) SupportedTypes() []string {
	return []string{".json", ".jsonl"}
}
