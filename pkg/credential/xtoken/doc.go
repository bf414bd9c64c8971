// Package xtoken 管理一组上游凭证，负责轮换选择、健康跟踪、隔离和刷新。
//
// # 可用性
//
// token 可用当且仅当：未过期、不在隔离期内、（有 scope 要求时）scope 包含全部要求。
//
// # 选择策略
//
//   - StrategyRoundRobin：游标在可用集合上轮转，并发下也严格均分
//   - StrategyLeastUsed：选 success+failure 最小者，并列时按加入顺序
//   - StrategyRandom：在可用集合中均匀随机
//
// # 健康与隔离
//
// RecordSuccess / RecordError 更新计数。样本数达到 MinSamples 且错误率
// 达到 ErrorRateThreshold 时自动隔离 QuarantineDuration。
// 隔离到期后 token 自动恢复可选，计数清零重新统计。
// Quarantine 允许外部手动隔离。
//
// # 凭证来源
//
//   - StaticSource：配置文件里的 token
//   - EnvSource：环境变量和 .env 文件（joho/godotenv）
//   - KeyringSource：操作系统密钥环（zalando/go-keyring）
//   - AppInstallationSource：GitHub App JWT 换取安装 token（golang-jwt/jwt/v5）
//
// 日志里只出现 token 的 ID（值的 xxhash 前 8 位十六进制），不出现原值。
package xtoken
