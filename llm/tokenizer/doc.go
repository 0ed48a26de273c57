// Package tokenizer 提供统一的 Token 计数接口，
// 支持 tiktoken 精确计数与 CJK 估算器，用于文档分块与对话历史的 Token 预算。
// ForModel 在 tiktoken 编码不可用（例如离线环境）时自动回落到估算器。
package tokenizer
