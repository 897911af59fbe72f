// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供 DAG 工作流的图模型、执行上下文与执行引擎。

# 概述

图在构建阶段只追加节点与边，Validate 通过后在一次运行期间只读。
Executor 按静态拓扑分层调度：同一层的节点互不依赖、并发执行，
层与层之间是屏障。每个节点在执行前获取并发槽位，Agent 节点额外经过
按 Agent ID 划分的熔断器，失败后按重试策略退避（退避期间释放槽位）。

# 核心类型

  - Graph / Node / Edge : 图模型，NodeKind 为封闭的节点变体集合
  - DAGBuilder          : Fluent API 构建并校验 Graph
  - GraphDefinition     : YAML / JSON 定义文件的导入导出
  - ExecutionContext    : 节点输出（按 ID 与名称双键）、变量、运行元数据
  - Executor            : 分层调度、fail-fast、重试、熔断、取消
  - Invoker / Evaluator : HttpRequest / Custom / DocumentLoader 与
    Condition / Transform 节点的外部执行体
  - ExecutionHistory    : 每个节点每次尝试的记录

# 模板

Agent 提示词与 HttpRequest 字段支持 {{node.<key>}}、{{node.<key>.<path>}}
与 {{var.<name>}}。无法解析的引用返回 *UnresolvedReferenceError。

# 工具调用

Agent 节点携带工具定义且 Provider 要求调用工具时，节点以
ToolCallsRequired 作为输出成功结束；调用方执行工具后通过
WithToolResults 重新驱动运行。
*/
package workflow
