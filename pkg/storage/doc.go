// Package storage 提供数据存储相关的子包。
//
// 子包列表：
//   - xrespcache: 响应缓存，本地分优先级 LRU，可选 Redis 共享层，
//     支持 ETag/Last-Modified 重新校验和到期前后台刷新
package storage
