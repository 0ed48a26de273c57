// Package api 定义 hybridrag HTTP API 的线上数据结构。
//
// # API 概览
//
//   - POST /v1/chat/completions  OpenAI 兼容聊天补全，支持 stream
//   - GET  /v1/models            已配置的模型
//   - POST /chat, /chat/stream   原生聊天协议（session/text/tools/end/error 事件）
//   - POST /search/{type}        vector、graph、hybrid 直接检索
//   - GET  /documents            已摄取文档分页列表
//   - GET  /sessions/{id}        会话与消息历史（仅持久化模式）
//   - GET  /health               vector_store 与 graph_store 独立检查
//
// 请求处理逻辑位于 api/handlers。
package api
