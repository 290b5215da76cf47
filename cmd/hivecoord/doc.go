// Copyright (c) HiveCoord Authors.
// Licensed under the MIT License.

/*
Package main 提供 HiveCoord 服务端程序入口。

# 概述

cmd/hivecoord 组装协调层（hive）、决策日志、消息传输与 outbox，
对外提供 HTTP API、WebSocket 传输端点、健康检查与 Prometheus 指标。

# 子命令

  - serve    启动服务，--config 指定 YAML 文件并监听热更新
  - health   请求 /healthz，--ready 时请求 /readyz
  - version  打印构建信息
  - migrate  决策日志 schema 迁移（up/down/steps/goto/force/status/version）

# 中间件链

Recovery → RequestID → OTelTracing → SecurityHeaders → RequestLogger →
MetricsMiddleware → RateLimiter → JWTAuth（配置了 jwt_secret 时）。

# 热更新

日志级别、路由权重与每 IP 限流可在运行中修改；回调返回错误时
配置自动回滚到上一版本。

# 关闭顺序

停止文件监听 → 关闭 API 与 Metrics 监听 → 停止协调层 → 关闭 outbox → 刷新遥测。
*/
package main
