// Package xconf 基于 koanf 加载客户端配置，并按配置组装 xgithub.Client。
//
// # 加载
//
// New 从 .yaml/.yml/.json 文件读取，NewFromBytes 从字节读取。
// Reload 串行执行，解析成功后原子替换底层 koanf 实例；
// Client() 返回的指针在 Reload 之后仍可用，但指向旧快照。
//
// Decode 在 DefaultClientConfig 之上解码，文件里没写的字段保持默认；
// Load 等价于 New + Decode + Validate。Validate 返回全部问题，
// 每个问题都带段名前缀并可用 errors.Is(err, ErrInvalidConfig) 判断。
//
// # 组装
//
// ClientConfig.Build 按顺序创建日志、读取 token、连接 Redis、
// 创建节流器、连接 NATS 和创建缓存，最后创建客户端。Built.Close 以相反顺序释放。
// events.nats_url 为空时事件只写日志；WithEventPublisher 可传入已有连接。
//
//	cc, err := xconf.Load("ghkit.yaml")
//	built, err := cc.Build(ctx)
//	defer built.Close()
//	resp, err := built.Client.Get(ctx, "/repos/o/r")
//
// # 监视
//
// Watch 监视文件所在目录并防抖，变更后重载配置再回调。
// WatchTokens 在此基础上重新读取 tokens 段的所有来源，
// 通过 SyncTokens 增删客户端的 token 池，其他段的变化需要重建客户端。
// Stop 返回后不会再有回调开始执行，在回调中调用 Stop 不会死锁。
package xconf
