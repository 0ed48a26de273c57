/*
Package handlers 提供 HybridRAG HTTP API 的请求处理器实现。

# 概述

handlers 包实现了全部 HTTP 端点：OpenAI 兼容的聊天补全、原生聊天、
直接检索、文档列表、会话查询以及健康检查。所有 Handler 均遵循
标准 net/http 接口，路由由 NewRouter 基于 gorilla/mux 组装。

# 核心类型

  - ChatHandler     — /v1/chat/completions、/v1/models、/chat、/chat/stream
  - SearchHandler   — /search/{type}，type 为 vector、graph 或 hybrid
  - DocumentHandler — /documents 分页列表
  - SessionHandler  — /sessions/{id}
  - HealthHandler   — /health（vector_store 与 graph_store 分项检查）、/healthz
  - Response        — 统一 JSON 响应结构（success + data + error + timestamp）

# 错误处理

WriteError 通过 types.Categorize 把错误归为 invalid、unavailable、internal
三类：invalid 返回错误自身的消息，其余两类只返回固定的用户提示，
原始错误只写入日志。
*/
package handlers
