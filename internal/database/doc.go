/*
包 database 提供基于 GORM 的数据库连接与连接池管理。

# 概述

Open 根据 database.driver 选择 postgres（生产，配合 pgvector）或
sqlite（本地开发与测试）方言。PoolManager 负责连接池调优、Ping 探活
以及带指数退避的事务重试。

# 主要能力

  - 连接池调优：MaxIdleConns / MaxOpenConns / ConnMaxLifetime。
  - 事务管理：WithTransaction 单次执行，WithTransactionRetry 在死锁、
    序列化失败等场景下重试。
  - 错误分类：IsRetryableError / IsConnectionError 供存储层映射为
    STORE_UNAVAILABLE。
*/
package database
