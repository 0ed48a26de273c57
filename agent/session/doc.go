// Package session 管理对话会话与消息。
//
// 持久化模式下会话惰性建行，一轮问答的消息在同一事务中追加；
// 超过 TTL 的会话视为不存在。无状态模式下只生成会话 ID，
// 消息写入在 AppendMessages 处被拒绝，不会触达数据库。
package session
