/*
包 migration 基于 golang-migrate 管理 PostgreSQL schema。

迁移文件通过 embed 打包在二进制中（migrations/postgres），
包含 pgvector / pg_trgm 扩展、documents、chunks、sessions、messages 表。
CLI 为 `hybridrag migrate` 子命令提供 up/down/status/version 输出。
*/
package migration
