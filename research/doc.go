// Copyright (c) QuantFlow Authors.
// Licensed under the MIT License.

/*
Package research 实现多阶段自动研究工作流：

	idle → designing → training → backtesting → assessing → done

每个阶段本身是一个子操作（ParentID 指向工作流自身的操作）。训练与回测、
回测与评估之间各有一道确定性质量门：有序检查，首个失败即裁决，
原因字符串同时嵌入实际值与阈值。门失败是合法的实验结论而非基础设施
错误——它中止阶段推进，但不把底层训练/回测任务标记为失败。

父工作流的检查点记录当前阶段、策略名、各阶段子操作 id、token/成本
累计与触发参数，恢复从当前阶段起点重新进入；阶段内部的续跑由该阶段
子操作自己的检查点承担。
*/
package research
