// Copyright (c) QuantFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 QuantFlow 编排框架的全局共享类型定义。

# 概述

types 是框架最底层的公共包，不依赖任何内部包，为 operation、checkpoint、
worker、orchestrator、research、api 等上层模块提供统一的类型契约。

# 核心类型

  - Operation / OperationStatus / OperationType — 长时任务记录与生命周期枚举
  - ProgressSnapshot / MetricRecord             — 进度快照与追加式指标日志条目
  - WorkerInfo / Capabilities                   — Worker 自注册记录与硬件能力
  - Error / ErrorCode                           — 结构化错误体系（闭合错误码集合）

# 错误码分类

  - 编排类：NOT_FOUND / CONFLICT / INVALID_TRANSITION / WORKER_UNAVAILABLE
  - 检查点类：CHECKPOINT_NOT_FOUND / ARTIFACT_VALIDATION
  - 流水线类：TRAINING_DATA / BACKTEST_DATA / MODEL_LOAD（必须显式失败，
    绝不降级为"低分"结果）
  - 研究工作流类：GATE_FAILED / WORKER_FAILED
*/
package types
