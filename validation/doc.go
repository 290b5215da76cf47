/*
Package validation 提供负载校验规则链与指纹服务。

Chain 实现 types.Validator，在提案被接受或消息被路由之前拒绝畸形或不安全的负载；
SHA256Fingerprinter 实现 types.Fingerprinter，用于消息与提案去重及完整性检查。

规则链支持三种模式：

  - fail_fast:   遇到第一个失败立即停止
  - collect_all: 执行全部规则并汇总问题（默认）
  - parallel:    借助 errgroup 并行执行全部规则
*/
package validation
