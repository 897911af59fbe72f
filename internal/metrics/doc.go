// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的工作流指标采集能力。

# 概述

Collector 通过 promauto 注册指标，所有指标按 namespace 隔离。
执行器在运行结束、节点终态、重试、熔断器状态变化时调用对应的
Record 方法。

# 主要能力

  - 运行指标：运行总数与耗时，按终态分组。
  - 节点指标：按节点类别与终态计数，耗时含重试等待。
  - 重试与熔断：重试次数按错误类别分组，熔断器状态转换计数。
  - 并发槽位：活跃与排队数量 Gauge，由 RecordSlotStats 刷新。
  - LLM 与 HTTP 节点：请求数、耗时与 Token 用量。
*/
package metrics
