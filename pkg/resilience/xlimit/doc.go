// Package xlimit 跟踪上游的主/次级限流状态，并为出站请求提供节流。
//
// # Coordinator
//
// Coordinator 以资源（core、search、code_search、graphql）为单位保存
// 上游返回的权威配额：limit、remaining、used、resetAt。
// 状态只由 Update 写入，本地唯一的扣减是 Acquire/Reserve 登记的在途请求，
// 用来避免在两次响应之间冲过即将耗尽的配额。
//
// TimeUntilSafe 只看上游状态，返回距离可以安全发请求的时间：
//   - 处于次级限流惩罚期时，返回到 secondaryUntil 的时间
//   - remaining 大于 0 或窗口已过期，返回 0
//   - 否则返回到 resetAt 的时间
//
// Acquire 在此基础上考虑在途请求：额度全部被登记时阻塞，
// 直到 Update、Release、Forget 带来变化、窗口重置或 ctx 结束。
// Forget 在 token 移除时丢弃它的全部状态。
//
// 剩余比例低于 WarnPercent 时触发 OnApproachingLimit，同一个重置窗口只触发一次。
//
// # Pacer
//
// 次级（滥用检测）限流由突发触发，Pacer 在请求发出前做平滑：
//   - LocalPacer：进程内 golang.org/x/time/rate
//   - RedisPacer：多实例共享 redis_rate 令牌桶，Redis 故障时降级到 LocalPacer
package xlimit
