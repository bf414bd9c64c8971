// Package xctx 管理请求级上下文字段，供日志注入和观测关联使用。
//
// # 字段
//
//   - 追踪：trace_id、span_id（由 xmetrics 在开启跨度时同步）
//   - 请求：request_id（每次 Execute 生成）、request_key（去重指纹）
//   - 凭证：token_id（令牌指纹，从不携带令牌明文）
//   - 资源：resource（core/search/graphql 等限流资源名）
//
// 所有 With* 函数在 ctx 为 nil 时返回 ErrNilContext；读取函数对 nil ctx 返回空值。
package xctx
