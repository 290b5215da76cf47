// Copyright (c) HiveCoord Authors.
// Licensed under the MIT License.

/*
Package types 提供 hivecoord 协调层的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 registry、messaging、
consensus、router、api 等上层模块提供统一的类型契约。

# 核心类型

  - Principal / PrincipalID: 参与协调的节点及其健康状态
  - HealthState: active / degraded / quarantined / offline
  - Criticality / Priority: 路由关键度与消息优先级
  - Payload: 被路由与表决的工作单元（Body 不被解释）
  - Error / ErrorCode: 结构化错误体系（VALIDATION、TIMEOUT、QUORUM_UNREACHABLE 等）

# 外部协作者接口

  - Validator: validate(payload) → {valid, issues[]}
  - Fingerprinter: fingerprint(payload) → hash
  - Authority: escalate(round_id, reason) → Decision
*/
package types
