package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/hybridrag/rag"
)

// DocumentLoader 读取单个来源并返回文档
type DocumentLoader interface {
	Load(ctx context.Context, source string) ([]rag.Document, error)

	// SupportedTypes 返回处理的扩展名（小写，带点）
	SupportedTypes() []string
}

// LoaderRegistry 按扩展名分派到具体 loader
type LoaderRegistry struct {
	mu      sync.RWMutex
	loaders map[string]DocumentLoader
}

// NewLoaderRegistry 创建已注册内置 loader 的 registry
func NewLoaderRegistry() *LoaderRegistry {
	r := &LoaderRegistry{loaders: make(map[string]DocumentLoader)}
	for _, l := range []DocumentLoader{NewTextLoader(), NewMarkdownLoader(), NewJSONLoader()} {
		for _, ext := range l.SupportedTypes() {
			r.loaders[strings.ToLower(ext)] = l
		}
	}
	return r
}

// Register 添加或替换扩展名对应的 loader，ext 需带点（例如 ".rst"）
func (r *LoaderRegistry) Register(ext string, loader DocumentLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[strings.ToLower(ext)] = loader
}

func (r *LoaderRegistry) lookup(source string) (DocumentLoader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[strings.ToLower(filepath.Ext(source))]
	return l, ok
}

// Load 按扩展名加载单个文件
func (r *LoaderRegistry) Load(ctx context.Context, source string) ([]rag.Document, error) {
	ext := filepath.Ext(source)
	if ext == "" {
		return nil, fmt.Errorf("loader: cannot determine file type for %q (no extension)", source)
	}
	l, ok := r.lookup(source)
	if !ok {
		return nil, fmt.Errorf("loader: no loader registered for extension %q", strings.ToLower(ext))
	}
	return l.Load(ctx, source)
}

// SupportedTypes 返回已注册的扩展名，已排序
func (r *LoaderRegistry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exts := make([]string, 0, len(r.loaders))
	for ext := range r.loaders {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// Files 返回 path 下所有可加载的文件；path 为文件时原样返回。
// 目录按字典序遍历，隐藏目录跳过。
func (r *LoaderRegistry) Files(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	if !info.IsDir() {
		if _, ok := r.lookup(path); !ok {
			return nil, fmt.Errorf("loader: no loader registered for extension %q", strings.ToLower(filepath.Ext(path)))
		}
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != path && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := r.lookup(p); ok {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loader: walking %s: %w", path, err)
	}
	return files, nil
}

// LoadPath 加载文件或目录下的全部文档
func (r *LoaderRegistry) LoadPath(ctx context.Context, path string) ([]rag.Document, error) {
	files, err := r.Files(path)
	if err != nil {
		return nil, err
	}
	var docs []rag.Document
	for _, f := range files {
		loaded, err := r.Load(ctx, f)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}
	return docs, nil
}

// IngestPath 加载 path 下的文档并批量摄取。
// 只有加载失败以 error 返回；摄取失败记录在报告里。
func IngestPath(ctx context.Context, r *LoaderRegistry, coord *rag.Coordinator, path string, opts rag.IngestOptions) (rag.IngestionReport, error) {
	docs, err := r.LoadPath(ctx, path)
	if err != nil {
		return rag.IngestionReport{}, err
	}
	return coord.IngestBatch(ctx, docs, opts), nil
}

// titleFromPath "docs/getting-started.md" -> "getting-started"
func titleFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func fileMetadata(path, contentType, loader string) map[string]any {
	return map[string]any{
		"source_file":  filepath.Base(path),
		"content_type": contentType,
		"loader":       loader,
	}
}
