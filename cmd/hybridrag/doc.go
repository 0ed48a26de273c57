/*
Package main 提供 HybridRAG 的命令行入口。

# 概述

cmd/hybridrag 基于 cobra 组织子命令：serve 启动 HTTP API，ingest 把目录中的
文档写入向量库与知识图谱，migrate 管理 PostgreSQL 表结构，health 与 version
用于运维检查。所有子命令共享 --config 指定的 YAML 配置，环境变量前缀为
HYBRIDRAG_。

# 核心类型

  - Server      主服务器，API 与 Metrics 双端口，负责优雅关闭
  - app         按配置装配数据库、向量库、图存储、Embedding 与 LLM 适配器
  - Middleware  HTTP 中间件函数签名 func(http.Handler) http.Handler

# 中间件链

Recovery、RequestID、SecurityHeaders、OTelTracing、MetricsMiddleware、
RequestLogger、CORS、RateLimiter（按客户端 IP）。

# 退出码

配置非法、后端不可达或摄取出现文档级错误时返回非零退出码。
*/
package main
