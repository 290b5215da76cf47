/*
Package hive 是协调层的门面。

New 按配置组装全部组件：

  - registry.Registry 节点名册与健康表
  - 每个本地节点一个 messaging.Node 与 consensus.Replica，挂在同一个 TopicMux 上
  - 协调者端点（默认 id "hive"）承载 consensus.Coordinator 与 router.Dispatcher
  - messaging.HeartbeatMonitor 根据心跳驱动健康状态

对外暴露 Route、RouteAndDeliver、Propose、GetDecision、Await、Send、Broadcast 与 Snapshot。
*/
package hive
