// Package xretry 提供退避计算和面向 HTTP 上游的重试管理器。
//
// # 退避
//
// ComputeDelay 是纯函数：
//   - 服务端给出 retry-after 时原样返回（权威信号优先）
//   - 否则 base * 2^retryCount，按 maxDelay 截断
//   - 再乘以 [0.9, 1.1] 的随机抖动，结果仍不超过 maxDelay
//   - retryCount < 0 视为 0；base <= 0 返回 0
//
// ExponentialBackoff 把同一算法包装为 BackoffPolicy 接口（attempt 从 1 开始）。
//
// # 重试管理器
//
// Manager 基于 [avast/retry-go/v5] 执行一次逻辑操作，每次尝试：
//  1. 若配置了熔断器且不放行，立即返回熔断错误（不调用操作、不等待）
//  2. 调用操作；成功则通知熔断器成功并返回
//  3. 失败时分类：状态码属于 NonRetryableStatusCodes 或 ShouldRetry 钩子返回 false
//     则立即返回原始错误；4xx 客户端错误不计入熔断统计
//  4. 否则计入熔断失败；还有剩余次数时调用 OnRetry 钩子，等待退避后重试
//  5. 次数耗尽返回 *RetryExhaustedError，Unwrap 得到最后一次的原始错误
//
// ShouldRetry / CalculateDelay 钩子一旦提供即完全替代默认策略。
// 携带 RetryAfter 的错误（如 429）直接使用服务端给出的延迟。
//
// [avast/retry-go/v5]: https://github.com/avast/retry-go
package xretry
