// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 llm 定义引擎与大语言模型服务之间的抽象契约。

# 概述

引擎不实现任何具体厂商协议，只依赖 [Provider] 接口：同步补全、流式输出、
名称与原生工具调用能力声明。Agent 节点将解析后的 Prompt、可选的工具定义
以及采样参数封装为 [ChatRequest] 交给 Provider。

# 错误分类

Provider 返回的错误应使用 types.Error 分类（network、timeout、rate_limit、
auth、other），以便重试策略做出判断。[NewHTTPError] 与 [CodeForHTTPStatus]
提供基于 HTTP 状态码的默认映射。

# 子包

  - retry         : 指数退避 + 抖动的重试策略
  - circuitbreaker: 按 Agent 隔离的熔断器
  - tokenizer     : Token 计数（tiktoken / 估算器）
  - providers/openaicompat: OpenAI Chat Completions 兼容实现
*/
package llm
