/*
Package llm 定义对话模型适配器接口。

Provider 只暴露补全与流式补全两种能力，具体实现位于 providers/ 子包；
embedding/ 提供向量化适配器，tokenizer/ 提供 Token 计数，retry/ 提供
指数退避重试。
*/
package llm
