/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、LLM、
Embedding、入库、检索、对话轮次、缓存与数据库连接。

Collector 通过 promauto 注册到默认 Registry，所有指标按 namespace
隔离。nil *Collector 的方法均为空操作。
*/
package metrics
