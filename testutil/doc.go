/*
Package testutil 提供 hybridrag 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertMessagesEqual / AssertJSONEqual / AssertEventuallyTrue
  - SSE 解析: ParseSSE，用于 /chat/stream 与 /v1/chat/completions 的流式测试
  - 流式辅助: CollectStreamContent / SendChunksToChannel

# 子包

  - testutil/mocks: MockProvider（LLM）与 MockEmbedder（向量化），
    均支持 Builder 模式与错误注入
  - testutil/fixtures: 样例文档与实体抽取响应
*/
package testutil
