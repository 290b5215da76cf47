/*
包 database 提供基于 GORM 的数据库连接池管理，决策日志与审计记录
都经由这里落库。

# 概述

Open 按驱动名（sqlite / postgres / mysql）选择方言并建立连接，
PoolManager 统一管理连接生命周期、空闲回收与最大连接数限制。
后台健康检查定时探活，Close 时停止。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，Validate 校验取值。
  - TransactionFunc：事务回调函数类型。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 按 retry.Policy
对死锁、序列化失败、sqlite 锁冲突做退避重试。
*/
package database
