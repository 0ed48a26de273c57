// Package loader 把文件读成 rag.Document，供摄取协调器使用。
//
// 内置格式：
//   - 纯文本 (.txt)：整个文件一个文档
//   - Markdown (.md, .markdown)：整个文件一个文档，标题取第一个一级标题
//   - JSON / JSONL (.json, .jsonl)：每条记录一个文档，读取 title/source/content/metadata 字段
//
// 按扩展名路由：
//
//	registry := loader.NewLoaderRegistry()
//	docs, err := registry.Load(ctx, "docs/overview.md")
//
// 目录会被递归遍历，不支持的扩展名直接跳过：
//
//	report, err := loader.IngestPath(ctx, registry, coord, "docs/", rag.IngestOptions{})
package loader
