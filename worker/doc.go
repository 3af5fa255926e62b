// Copyright (c) QuantFlow Authors.
// Licensed under the MIT License.

/*
Package worker 提供单一操作类型领域逻辑的宿主运行时。

Runtime 启动时向编排器自注册（worker_type + 硬件能力，按
专用加速器 > 通用 GPU > CPU 的优先级探测），随后以后台 goroutine 执行
领域函数：进度桥在任务启动前注册完毕，任何进度写入都不可能抢在桥可用
之前；取消在单位边界协作式观察，观察到后先持久化 cancellation 检查点
再干净退出。

RunUnits 实现单位循环契约：每个单位边界依次执行
(a) 取消检查 → (b) 进度写入 → (c) 按策略保存周期性检查点。
检查点保存以有界超时阻塞发起线程。
*/
package worker
