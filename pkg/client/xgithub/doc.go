// Package xgithub 是 GitHub REST/GraphQL 请求调度器。
//
// Client 把一次逻辑请求依次交给进行中请求合并、响应缓存、token 轮换、
// 限流协调、熔断和重试，网络层由 Transport 提供（默认 HTTPTransport）。
//
// # 基本用法
//
//	c, err := xgithub.New(xgithub.DefaultConfig(), tokens,
//	    xgithub.WithCache(cache),
//	    xgithub.WithEventSink(xgithub.NewLogSink(logger)),
//	)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	resp, err := c.Get(ctx, "/repos/golang/go")
//
// # 错误分类
//
//   - NonRetryableClientError: 429 以外的 4xx，不重试
//   - RateLimitError: 429、次级限流或主配额耗尽，按服务端给出的时间等待
//   - TransientServerError: 5xx 和网络错误，指数退避重试
//   - CircuitOpenError: 熔断打开，不发请求
//   - RetryExhaustedError: 重试用尽，errors.As 仍能取到最后一次的错误
//   - NoUsableTokenError: 没有可用 token
//
// # 配额与 token
//
// 配额按 resource@tokenID 记录。某个 token 主配额耗尽时被隔离到 reset，
// 换下一个可用 token 后以完整的重试预算重新执行，熔断结果记在实际发请求的 token 上；
// 次级限流记录在该 token 上，到期前不再发送。移除 token 时清掉它的熔断器和配额状态。
//
// WithScopes 要求的权限是合并与缓存 key 的一部分，不同权限要求的调用不会共享结果。
//
// # 取消
//
// 相同 key 的调用方共享一次执行，各自监听自己的 ctx。网络尝试不继承调用方的取消，
// 只受 Config.Timeout 约束，结果总会记录到 token 健康、限流状态和缓存。
//
// # 事件
//
// 调度过程通过 EventSink 发出事件。内置 LogSink、MetricsSink（OpenTelemetry 计数）、
// NATSSink（JSON 发布到 NATS）和 MultiSink。
package xgithub
