// Package observability 提供可观测性相关的子包。
//
// 子包列表：
//   - xlog: 结构化日志，基于 log/slog 扩展，支持轮转和敏感字段脱敏
//   - xmetrics: Observer/Span 抽象和 OpenTelemetry 实现，客户端事件计数与快照 gauge
//
// 设计原则：
//   - 自动从 context 中提取请求信息注入日志
//   - 未配置 MeterProvider 时退化为无操作
package observability
