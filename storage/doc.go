/*
包 storage 持久化共识决策与审计事件。

GormLog 基于 internal/database 的连接池，按配置选择 sqlite、postgres
或 mysql，打开时自动迁移 decision_records 与 audit_events 两张表。
MemoryLog 用于测试以及未配置数据库的部署。

视图变更、紧急法定人数、仲裁升级与隔离动作都会以轮次 ID 写入审计表，
AuditTrail(roundID) 可据此还原一次决策的完整轨迹。
*/
package storage
