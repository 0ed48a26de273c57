/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭与系统信号监听。

# 核心类型

  - Manager：封装 net/http.Server，提供 Start / Shutdown / Errors。
  - WaitForSignal：阻塞等待 SIGINT/SIGTERM 或任一服务器异常退出。

API 服务器与 metrics 服务器各使用一个 Manager。
*/
package server
