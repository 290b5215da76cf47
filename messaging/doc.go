/*
Package messaging 实现节点间的跨 hive 消息协议。

每个节点（Node）拥有独立的消费 goroutine 与按优先级排序的入站队列，
在 Transport 之上提供三种可靠性级别：

  - best_effort: 只传输一次，不重试、不保证顺序
  - at_least_once: 按目标分配序号，后台按指数退避重传直至确认或 TTL 到期；接收方按消息 ID 去重
  - exactly_once: 在 at_least_once 基础上增加发送方去重窗口，接收方缓存处理结果并原样返回

同一 (发送方, 接收方) 的可靠消息按发送顺序交付。乱序到达的消息进入 holdback，
缺口持续超过 GapTimeout 后接收方发起限流的 sync 请求，发送方回复最低未确认序号
并从 Outbox 重传。

HeartbeatMonitor 根据心跳缺失次数把节点标记为 degraded 或 offline，
结果通过注册表反馈到路由评分与共识的健康节点计数。

传输实现：MemoryTransport（进程内，支持丢包与延迟注入）与
WebSocketTransport（跨进程，JSON 帧）。Outbox 实现：MemoryOutbox 与 RedisOutbox。
*/
package messaging
