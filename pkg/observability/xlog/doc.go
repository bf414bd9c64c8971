// Package xlog 基于 log/slog 的结构化日志。
//
// # 创建 Logger
//
// Builder 模式，first-error-wins：遇到第一个配置错误后 Build 返回该错误。
//
//	logger, cleanup, err := xlog.New().
//	    SetLevelString("debug").
//	    SetFormat("json").
//	    SetRotation("/var/log/ghkit/client.log").
//	    Build()
//	defer cleanup()
//
// # 上下文注入
//
// EnrichHandler 默认启用，从 xctx 读取 request_id、request_key、token_id、
// resource、trace_id、span_id 并追加到每条日志。
//
// # 凭证脱敏
//
// 默认 ReplaceAttr 会把 token、authorization、password 等键的值替换为 "***"。
// 令牌只以 TokenID 指纹形式出现在日志中。通过 SetReplaceAttr 可叠加自定义规则，
// 默认脱敏规则总是先执行。
//
// # 组件接入
//
// 各组件通过 WithLogger 注入 Logger；未注入时使用 Discard()，不依赖全局 logger。
package xlog
