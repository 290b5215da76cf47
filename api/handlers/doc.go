// Copyright (c) HiveCoord Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 HiveCoord HTTP API 的请求处理器。

# 概述

所有 Handler 遵循标准 net/http 接口，路由使用 Go 1.22 的
"METHOD /path/{id}" 模式注册到 http.ServeMux。

# 核心类型

  - HiveHandler    协调接口：路由、共识提案、消息、节点管理
  - HealthHandler  /healthz 存活、/readyz 就绪、/version
  - Coordinator    HiveHandler 依赖的门面接口，*hive.Hive 实现
  - HealthCheck    可插拔就绪检查，内置 PingCheck 与 QuorumCheck
  - ResponseWriter 捕获状态码，供日志与指标中间件使用

# 错误处理

WriteError 把 *types.Error 的错误码映射为 HTTP 状态码，
例如 NO_ELIGIBLE_TARGETS、QUORUM_UNREACHABLE 为 503，
BYZANTINE_DETECTED 为 409，TIMEOUT 为 504。
其他错误按 INTERNAL 返回，原因只写日志不回显。

# 请求验证

DecodeJSONBody 限制请求体大小并拒绝未知字段，
ValidateContentType 要求 application/json。
*/
package handlers
