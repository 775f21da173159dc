// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理 billing 库（charge_receipts / llm_charge_details）
的 Postgres Schema 迁移，基于 golang-migrate 实现。

# 概述

本包通过 embed.FS 内嵌 Postgres 迁移 SQL 文件，结合 golang-migrate
引擎实现版本化的 Schema 变更管理。支持正向迁移、回滚、按步执行、
跳转到指定版本以及强制设置版本号等操作。核心只落地 Postgres 一种
方言：RLS 策略（SET LOCAL app.current_tenant）与幂等约束都是
Postgres 专有特性，其余方言没有对应落点。

# 核心接口与类型

  - Migrator：迁移器接口，定义 Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close 等完整操作集。
  - DefaultMigrator：Migrator 的默认实现，封装 golang-migrate 实例
    与数据库连接管理。
  - Config：迁移配置，包含数据库类型、连接 URL、迁移表名与锁超时。
  - DatabaseType：数据库类型枚举（目前仅 postgres）。
  - MigrationStatus / MigrationInfo：迁移状态与摘要信息。
  - CLI：命令行交互层，封装 Migrator 提供格式化输出。

# 主要能力

  - 工厂函数：NewMigratorFromConfig / NewMigratorFromDatabaseConfig /
    NewMigratorFromURL 支持从不同配置源快速创建迁移器。
  - CLI 集成：CLI 类型提供 RunUp/RunDown/RunStatus/RunInfo 等
    面向终端的格式化操作。
  - 辅助工具：ParseDatabaseType 解析类型字符串。
*/
package migration
