/*
包 metrics 提供基于 Prometheus 的协调层指标采集能力，覆盖
HTTP、共识、路由与消息四个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离。

# 主要能力

  - HTTP 指标：请求总数、请求耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 共识指标：轮次终态、投票、拜占庭违规、隔离、视图切换、升级路径、健康节点数。
  - 路由指标：策略分布、失败原因、每节点熔断状态、被丢弃的冗余响应。
  - 消息指标：发送结果、重传、确认延迟、心跳导致的状态迁移、同步请求。
*/
package metrics
