// Package telemetry 初始化 OpenTelemetry SDK，为共识、路由与消息层的
// span 提供 OTLP 导出。禁用时全局 provider 保持 noop。
package telemetry
