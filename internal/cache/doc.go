/*
包 cache 提供基于 Redis 的缓存管理，主要用于 Embedding 结果缓存。

  - Manager：封装 go-redis 客户端，提供 Get/Set/Delete 与
    GetJSON/SetJSON，所有键自动带上 KeyPrefix。
  - ErrCacheMiss：未命中哨兵错误，调用方用 IsCacheMiss 判断。
*/
package cache
