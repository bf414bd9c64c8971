// Package xrespcache 是上游响应的本地缓存，支持 ETag 条件请求、优先级分层淘汰和后台刷新。
//
// # 条目生命周期
//
// 条目在 ExpiresAt 之前是新鲜的（StatusFresh）。过期后如果带 ETag，
// 可以作为条件请求的校验器再被取出一次（StatusStale），
// 调用方据此发送 If-None-Match；收到 304 时调用 Revalidate
// 刷新 CreatedAt/ExpiresAt，Value 保持不变。没有 ETag 的过期条目直接视为未命中。
// 缓存不会在没有重新校验的情况下悄悄延长条目寿命。
//
// # 淘汰
//
// 每个优先级一个 LRU 分层（hashicorp/golang-lru/v2/simplelru）。PerformEviction 顺序：
//
//  1. Low 分层中的过期条目，总是移除
//  2. 仍超过 MaxEntries 时：Medium 过期条目，然后 Low 最久未用，最后 Medium 最久未用
//
// High 分层只能通过 Invalidate 移除。
//
// # 后台刷新
//
// Set 时通过 WithRefresh 注册刷新函数。Get 命中处于刷新窗口
// （TTL 最后 RefreshFraction 部分）的新鲜条目时，启动一次后台刷新，
// 同一个 key 同时只有一个刷新在跑。Close 取消刷新的 context 并等待全部退出。
//
// # 远端二级缓存
//
// 可选的 RemoteStore（RedisStore 基于 go-redis）让多个实例共享响应。
// Get/Set 等方法只操作本地内存；Fetch/Persist/Forget 才访问远端，
// 远端故障只记日志，不影响本地命中。
package xrespcache
