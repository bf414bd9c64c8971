// Package xbreaker 提供按 scope 隔离的熔断器注册表。
//
// 每个 scope（例如某个 token 的指纹，或 "global"）拥有独立的
// [sony/gobreaker/v2] TwoStep 熔断器，状态机：
//
//   - StateClosed：正常放行，统计连续失败
//   - StateOpen：连续失败达到 FailureThreshold 后进入，直接拒绝（不做 I/O）
//   - StateHalfOpen：RecoveryTimeout 过后进入，只放行一个试探请求；
//     成功回到 Closed，失败重新 Open 并刷新计时
//
// Registry.Allow 对应放行判断，返回的 done(nil) / done(err) 分别记录成功和失败。
// 被 xretry.ExcludeFromBreaker 标记的错误（4xx 客户端错误、调用方取消）
// 不计入统计，也会释放半开试探名额。
//
// 禁用（Enabled=false）的注册表总是放行。
//
// [sony/gobreaker/v2]: https://github.com/sony/gobreaker
package xbreaker
