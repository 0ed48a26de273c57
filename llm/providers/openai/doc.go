// Package openai 基于 go-openai 实现 llm.Provider，
// 支持 OpenAI 官方接口及任何兼容 OpenAI 协议的网关（通过 BaseURL 配置）。
package openai
