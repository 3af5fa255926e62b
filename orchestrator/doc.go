// Copyright (c) QuantFlow Authors.
// Licensed under the MIT License.

/*
Package orchestrator 提供中心协调器：创建操作并分发到匹配的 Worker 运行时，
中继进度，处理取消与恢复请求，崩溃后对账孤儿操作，并在成功完成时删除检查点。

# 关键不变量

  - 完成钩子：Complete 先提交终态再同步删除检查点——已完成的操作对外
    绝不可观察到检查点
  - 恢复互斥：Resume 先经注册表的单次条件写赢得 RESUMING，输家收到
    CONFLICT，绝不静默重试
  - 对账：心跳超时的 Worker 被视为失联，其 RUNNING 操作标记 FAILED，
    检查点保留以供后续恢复

# Worker 注册表

WorkerRegistry 保存短暂的自注册记录（进程内或 Redis + TTL 心跳续期），
仅在注册进程存活期间有效，Worker 重启后重新创建。
*/
package orchestrator
