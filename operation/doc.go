// Copyright (c) QuantFlow Authors.
// Licensed under the MIT License.

/*
Package operation 提供操作生命周期核心：状态机注册表、进度桥与检查点策略。

# 核心组件

  - Registry        — Operation 记录与状态转换的唯一权威，TryResume 以单次
    条件写实现跨进程的"至多一个并发恢复者"保证
  - ProgressBridge  — 线程安全的拉取式进度通道，写入方永不阻塞超过一次
    拷贝/追加的互斥锁持有时长
  - CheckpointPolicy — 纯决策函数：按单位间隔或墙钟间隔判定周期性检查点
  - CancellationToken — 协作式取消标志，由领域函数在单位边界轮询

# 状态机

	pending → running → {completed, failed, cancelled}
	{cancelled, failed} → resuming → running

其余转换均非法，以 INVALID_TRANSITION 错误暴露。
*/
package operation
