// Package telemetry 初始化 OpenTelemetry tracing（OTLP gRPC 导出）。
// 关闭时全局 TracerProvider 为 noop，Tracer() 仍可安全调用。
package telemetry
