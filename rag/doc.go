// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

Package rag 实现混合检索增强生成的摄取与检索两条管线。

摄取：文档按语义边界分块，chunk 的向量写入 VectorStore，
抽取出的实体与关系写入 GraphStore；两路写入按 chunk 独立进行，
向量写入成功即视为 chunk 成功。

检索：向量检索、图谱遍历以及两者并行执行后的 min-max 融合。
任一路后端不可用时混合检索降级为另一路结果。

# 核心接口/类型

  - VectorStore — 文档与 chunk 向量存储（pgvector / Qdrant / 内存）
  - GraphStore — 实体关系图存储（Neo4j / 内存），关系带有效期
  - Extractor — 实体关系抽取（LLM JSON 模式 / 启发式）
  - Tokenizer — 分块用 token 计数器
  - DocumentChunker — 按标题、段落、行、句、词逐级切分
  - Coordinator — 摄取协调器，内容哈希幂等，clean / fast 选项
  - Engine — 检索引擎：VectorSearch / GraphSearch / HybridSearch

# 使用示例

	chunker := rag.NewDocumentChunker(rag.DefaultChunkingConfig(), tok, logger)
	coord := rag.NewCoordinator(rag.CoordinatorConfig{MaxConcurrency: 4},
		chunker, embedder, extractor, vectors, graph, collector, logger)
	report := coord.Ingest(ctx, doc, rag.IngestOptions{})

	engine := rag.NewEngine(rag.EngineConfig{MaxHops: 2}, embedder, vectors, graph, collector, logger)
	results, err := engine.HybridSearch(ctx, "How are Alice and Acme related?", 5)
*/
package rag
