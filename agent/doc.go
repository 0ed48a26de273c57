// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package agent 编排单轮问答：解析会话、选择检索策略、检索证据、调用 LLM 合成答案，
并按会话模式决定是否落库。

# 轮次状态机

	RECEIVED → SESSION_RESOLVED → TOOLS_SELECTED → RETRIEVAL_COMPLETE → SYNTHESIZED → PERSISTED | DISCARDED

PERSISTED 只出现在持久化模式；无状态模式、客户端取消或中途失败时终态为 DISCARDED。
非法转换返回 INVALID_TRANSITION。

# 策略

Classifier 把用户消息映射到 vector / graph / hybrid 三种策略之一。
HeuristicClassifier 对关系类线索（related、between、compare 等）与
查找类线索（what is、define、list 等）分别打分，取最高分策略。

# 流式

Stream 返回事件 channel，依次产出 session、token…、tools、end；
出错时产出 error。调用方 ctx 取消后立即关闭上游 LLM 流，不再读取 token。
*/
package agent
