/*
包 database 提供基于 GORM 的数据库连接池管理，供 database 存储后端使用。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close() 等生命周期方法，后台定时健康检查。
  - PoolConfig：连接池配置。
  - Open / Dialector：按 postgres、mysql、sqlite 选择 GORM 方言。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 对死锁、序列化
失败、连接中断和 SQLite 锁冲突做指数退避重试。
*/
package database
