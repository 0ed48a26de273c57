// Package tlsutil 提供出站连接共用的 TLS 配置（TLS 1.2+，仅 AEAD 密码套件），
// 用于 LLM / Embedding 网关的 HTTP 客户端与 Qdrant gRPC 连接。
package tlsutil
