// Package context 提供上下文相关的子包。
//
// 子包列表：
//   - xctx: 在 context.Context 中传递请求 ID、请求 key、token ID 和尝试次数，
//     并转换为日志属性
package context
