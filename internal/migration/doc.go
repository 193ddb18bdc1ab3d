/*
包 migration 管理 CartPilot 记录存储的数据库 Schema，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

内嵌的 SQL 脚本创建 runs、batches、batch_items 三张表，列定义与
internal/store 的 GORM 模型一致。

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close。
  - CLI：`cartpilot migrate` 子命令的格式化输出层。
  - NewMigratorFromConfig / NewMigratorFromURL：从配置或 URL 创建迁移器。
*/
package migration
