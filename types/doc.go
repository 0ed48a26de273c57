/*
Package types 提供 hybridrag 的全局共享类型：错误体系、对话消息与 Token 用量。

# 概述

types 是最底层的公共包，不依赖任何内部包。ingestion、retrieval、agent、
api 各层统一通过 *Error 传递错误码，HTTP 层再通过 Categorize 映射为
三种稳定的用户可见分类。

# 错误码

  - ADAPTER_ERROR         — Embedding / 抽取 / LLM 调用失败或超时（可重试）
  - STORE_UNAVAILABLE     — 向量库或图库不可达（可重试）
  - IDENTIFIER_FORMAT     — 会话或实体 ID 不符合 UUID 规范（客户端错误）
  - CONFIGURATION_ERROR   — 启动时缺少必要配置（致命）
  - STREAMING_UNSUPPORTED — 流式已关闭时请求 stream=true（客户端错误）
*/
package types
