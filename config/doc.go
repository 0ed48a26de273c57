// Package config 提供 HybridRAG 的配置管理功能。
//
// 配置按 默认值 → YAML → 环境变量（前缀 HYBRIDRAG_）的顺序加载，
// Validate 在启动时检查必需项，缺失即返回 CONFIGURATION_ERROR。
// 运行模式（持久化 / 流式）作为普通配置值在构造时传递给各组件。
package config
