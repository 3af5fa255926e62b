// Copyright (c) QuantFlow Authors.
// Licensed under the MIT License.

/*
Package checkpoint 提供每操作单条检查点的持久化与恢复支持。

# 约束

  - 每个操作至多一条活动检查点：保存即覆盖，绝不追加
  - 工件目录采用临时目录 + 原子重命名写入，删除时整体移除
  - 必需工件缺失或零长度时保存必须响亮失败（ARTIFACT_VALIDATION），
    半写入的检查点绝不视为持久
  - 已完成（COMPLETED）的操作不得存在检查点，由编排器在完成钩子中删除

# 组件

  - Store       — 接口：Save / Load / Delete / Exists
  - MemoryStore — 进程内实现，用于测试与单进程 Worker
  - GormStore   — 数据库行 + 文件系统工件目录的持久实现
  - Manifest    — 工件清单校验（required / optional）
  - Sample      — 大时间序列降采样（每 K 个取一点并保留末点）
*/
package checkpoint
