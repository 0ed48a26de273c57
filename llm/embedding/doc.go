/*
包 embedding 提供文本嵌入接口与实现，用于 chunk 入库与查询向量化。

# 核心接口

  - Provider：EmbedDocuments / EmbedQuery / Dimensions。
  - OpenAIProvider：基于 go-openai，兼容任何 OpenAI 协议的 /embeddings 接口，
    自动分批、限流、重试，并校验返回维度。
  - CachedProvider：以 Redis 缓存包装任意 Provider，键为模型名 + 文本的
    SHA-256；缓存故障时直接回落到底层 Provider。

所有失败统一返回 ADAPTER_ERROR，维度不符视为不可重试的适配器错误。
*/
package embedding
