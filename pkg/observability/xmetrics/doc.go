// Package xmetrics 提供客户端核心的观测接口（metrics + tracing）。
//
// 业务代码只依赖 Observer/Span/Attr 接口，默认实现基于 OpenTelemetry。
//
//	obs, _ := xmetrics.NewOTelObserver()
//	ctx, span := xmetrics.Start(ctx, obs, xmetrics.SpanOptions{
//		Component: "xgithub",
//		Operation: "execute",
//		Kind:      xmetrics.KindClient,
//	})
//	defer span.End(xmetrics.Result{Err: err})
//
// # 指标
//
//   - ghkit.operation.total / ghkit.operation.duration：component、operation、status
//   - ghkit.event.total：event（由 EventCounter 记录调度器事件）
//   - ghkit.ratelimit.remaining：resource（观测型 gauge）
//   - ghkit.token.usable：可用令牌数（观测型 gauge）
package xmetrics
