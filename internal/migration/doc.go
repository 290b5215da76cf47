/*
Package migration 管理决策日志（decision_records / audit_events）的版本化 schema。

迁移 SQL 按方言内嵌在 migrations/{postgres,mysql,sqlite} 下，由
golang-migrate 执行。storage 包启动时仍会 AutoMigrate，生产库建议先用
`hivecoord migrate up` 建表，索引名与 gorm 标签保持一致。

  - Migrator / DefaultMigrator：Up、Down、Steps、Goto、Force、Status 等
  - ConfigFromDatabase：从 config.DatabaseConfig 推导方言与连接串，memory 驱动返回 ErrNoSchema
  - CLI：终端输出
*/
package migration
