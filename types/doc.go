// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 dagflow 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 workflow、llm 等上层模块
提供统一的错误分类与 Context 传播约定，以避免循环依赖。

# 核心类型

  - Error / ErrorCode: 结构化错误，携带 Category、Retryable 与 NodeID
  - Category         : 错误类别（validation、network、timeout、rate_limit、
    auth、circuit_open、concurrency_timeout、execution、cancelled、other）

# 主要能力

  - 错误分类：CategoryOf 将任意 error（含 context 与 net.Error）归类
  - 错误工具链：AsError / IsCategory / IsRetryable / GetErrorCode
  - Context 传播：WithRunID / WithNodeID 及对应读取函数
*/
package types
